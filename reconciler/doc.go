// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconciler keeps one document replica in sync with its peers
// over a transport channel.
//
// A [Reconciler] owns one goroutine that drives the connection through
// disconnected, connecting, connected, and degraded. While connecting it
// dials, sends a handshake sync-step-1 carrying the local summary, and
// waits for the peer's sync-step-2; it answers the peer's own
// sync-step-1 with the operations the peer lacks. A handshake that does
// not finish within the timeout counts as a failed attempt. While
// connected, local operations and awareness updates stream out as they
// are published, inbound frames merge into the store, and a resync
// ticker re-sends the summary so anything lost in flight is recovered.
// A dropped channel moves to degraded and reconnects with backoff;
// local edits keep applying to the store and queue in an outbox that is
// flushed after the next handshake.
//
// Close cancels whatever the loop is doing and waits for it to exit, so
// a replacement reconciler for the same session never overlaps the old
// one.
package reconciler
