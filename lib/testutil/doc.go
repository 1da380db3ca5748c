// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-timeout safety valve so tests never block forever on a
// channel. They are the only place tests use the wall clock; every
// timer under test runs on a clock.FakeClock.
//
// [UniqueID] returns distinct identifiers for replicas, sessions, and
// participants within one test binary.
//
// All helpers call t.Fatalf on failure.
package testutil
