// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/oplog"
)

// Message is one sync frame. The set of implementations is closed;
// consumers switch on the concrete type.
type Message interface {
	kind() string
}

// SyncStep1 carries the sender's state summary. The receiver answers
// with a SyncStep2 holding whatever the sender lacks. Handshake is set
// on the first SyncStep1 of a connection, which also asks the receiver
// to send its own SyncStep1 so both directions converge.
type SyncStep1 struct {
	Summary   oplog.Summary `cbor:"sum"`
	Handshake bool          `cbor:"hs,omitempty"`
}

// SyncStep2 answers a SyncStep1 with operations in causal order.
// Handshake echoes the request it answers.
type SyncStep2 struct {
	Operations []oplog.Operation `cbor:"ops"`
	Handshake  bool              `cbor:"hs,omitempty"`
}

// Update carries one live operation.
type Update struct {
	Operation oplog.Operation `cbor:"op"`
}

// AwarenessUpdate carries presence for one replica.
type AwarenessUpdate struct {
	Update awareness.Update `cbor:"aw"`
}

const (
	kindSyncStep1 = "sync-step-1"
	kindSyncStep2 = "sync-step-2"
	kindUpdate    = "update"
	kindAwareness = "awareness-update"
)

func (SyncStep1) kind() string       { return kindSyncStep1 }
func (SyncStep2) kind() string       { return kindSyncStep2 }
func (Update) kind() string          { return kindUpdate }
func (AwarenessUpdate) kind() string { return kindAwareness }

// KindOf returns the wire name of m's kind.
func KindOf(m Message) string { return m.kind() }
