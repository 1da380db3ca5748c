// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package oplog is the replicated text store behind every shared
// document: a Replicated Growable Array of runes with tombstone
// deletion and causal buffering.
//
// Every rune carries an [ID] (Lamport clock, replica). A local edit
// becomes one [Operation] that deletes a set of rune IDs and inserts a
// run of new runes after an origin rune. Remote operations are
// integrated in any order and any number of times; two stores that
// have integrated the same set of operations hold byte-identical text.
//
// Concurrent inserts after the same origin are ordered by descending
// ID: the higher Lamport clock comes first, and equal clocks put the
// lexicographically greater replica first.
//
// An operation is integrated only when its causal context is present:
// its origin rune, every rune it deletes, and the previous operation
// from the same replica. Operations that arrive early are parked and
// retried whenever something new integrates. Per-replica FIFO
// integration makes the [Vector] exact: entry r = n means operations
// 1..n of replica r are integrated and no others.
//
// Operations are validated in full before the store changes. A
// malformed or foreign operation is rejected with a *[ProtocolError]
// and leaves the store untouched.
package oplog
