// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream provides read-only observable feeds of state.
//
// A [Feed] holds the latest value of some piece of state and pushes
// each new value to every subscriber. Feeds conflate: a subscriber that
// falls behind sees only the newest value, never a backlog, so a slow
// observer cannot stall the state machine that publishes. This suits
// state (document text, connection status, track rosters) rather than
// event logs.
package stream
