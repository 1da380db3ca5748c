// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/oplog"
	"github.com/bureau-foundation/pairspace/reconciler"
	"github.com/bureau-foundation/pairspace/roster"
	"github.com/bureau-foundation/pairspace/transport"
)

// palette holds the cursor colors participants are assigned from.
var palette = []string{
	"#e06c75", "#98c379", "#e5c07b", "#61afef",
	"#c678dd", "#56b6c2", "#d19a66", "#be5046",
}

// ColorFor returns participant's cursor color. The choice is a pure
// function of the id, so every replica of one participant agrees.
func ColorFor(participantID string) string {
	sum := blake3.Sum256([]byte(participantID))
	return palette[int(sum[0])%len(palette)]
}

// document is one open (session, language) document: the store, the
// presence broadcaster, and the reconciler that syncs both. Each
// document gets a fresh replica id so a reopened document never reuses
// clocks from an earlier incarnation.
type document struct {
	key        transport.Key
	replica    string
	store      *oplog.Store
	presence   *awareness.Broadcaster
	reconciler *reconciler.Reconciler
}

func (c *Coordinator) openDocument(sessionID string, participant roster.Participant, language string) (*document, error) {
	key := transport.Key{Session: sessionID, Document: language}
	doc := &document{key: key, replica: uuid.NewString()}
	logger := c.logger.With("session", sessionID, "document", language)

	store, err := oplog.New(oplog.Config{Document: language, Replica: doc.replica, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", key, err)
	}
	doc.store = store

	presence, err := awareness.New(awareness.Config{
		Clock:           c.clock,
		Logger:          logger,
		Replica:         doc.replica,
		Debounce:        c.awarenessConf.Debounce,
		LivenessTimeout: c.awarenessConf.LivenessTimeout,
		Heartbeat:       c.awarenessConf.Heartbeat,
		Publish: func(update awareness.Update) {
			doc.reconciler.PublishAwareness(update)
		},
		OnChange: func([]awareness.State) { c.publishPresence(doc) },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s presence: %w", key, err)
	}
	doc.presence = presence

	syncer, err := reconciler.New(reconciler.Config{
		Key:              key,
		Store:            store,
		Dialer:           c.dialer,
		Presence:         presence,
		Clock:            c.clock,
		Logger:           c.logger,
		HandshakeTimeout: c.syncConf.HandshakeTimeout,
		ResyncInterval:   c.syncConf.ResyncInterval,
		Backoff:          c.syncConf.Backoff,
		OnStatus: func(status reconciler.Status) {
			if c.isActive(doc) {
				c.connectionFeed.Publish(status)
			}
		},
		OnRemoteChange: func() { c.publishDocument(doc) },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s sync: %w", key, err)
	}
	doc.reconciler = syncer

	seed := []struct {
		field awareness.Field
		value string
	}{
		{awareness.FieldParticipant, participant.ID},
		{awareness.FieldDisplayName, participant.Name()},
		{awareness.FieldColor, ColorFor(participant.ID)},
	}
	for _, entry := range seed {
		if err := presence.SetLocalField(entry.field, entry.value); err != nil {
			return nil, fmt.Errorf("seeding %s presence: %w", key, err)
		}
	}
	return doc, nil
}

func (c *Coordinator) isActive(doc *document) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active == doc
}

func (d *document) start() {
	d.reconciler.Start()
	d.presence.Start()
}

// close says goodbye to peers and waits for the reconciler to exit. The
// presence farewell is queued first so the reconciler drains it.
func (d *document) close() {
	d.presence.Close()
	d.reconciler.Close()
}

func (d *document) snapshot() Document {
	return Document{
		Session:  d.key.Session,
		Language: d.key.Document,
		Text:     d.store.Snapshot(),
	}
}
