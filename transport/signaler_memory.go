// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests and single-process
// deployments. Two WebRTCTransport instances sharing one MemorySignaler
// can establish PeerConnections without any network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen *seenSignals
}

// NewMemorySignaler creates a new in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: newSeenSignals(),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, localpart, targetLocalpart, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[localpart+signalingSeparator+targetLocalpart] = newSignal(localpart, sdp)
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offererLocalpart, localpart, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[offererLocalpart+signalingSeparator+localpart] = newSignal(localpart, sdp)
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, localpart string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.filter(localpart, "offers", s.offers, matchOfferKey), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, localpart string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.filter(localpart, "answers", s.answers, matchAnswerKey), nil
}

func newSignal(peer, sdp string) SignalMessage {
	return SignalMessage{
		PeerLocalpart: peer,
		SDP:           sdp,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// seenSignals remembers the newest timestamp returned per signal key so
// a poll never returns the same signal twice.
type seenSignals struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newSeenSignals() *seenSignals {
	return &seenSignals{last: make(map[string]time.Time)}
}

// filter returns the signals in store whose keys match localpart and
// whose timestamps are newer than the last ones returned. PeerLocalpart
// is taken from the key.
func (s *seenSignals) filter(localpart, storeLabel string, store map[string]SignalMessage, match signalKeyMatcher) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, message := range store {
		peer, ok := match(key, localpart)
		if !ok || message.SDP == "" {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, message.Timestamp)
		if err != nil {
			continue
		}
		seenKey := storeLabel + ":" + key
		if last, ok := s.last[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.last[seenKey] = timestamp
		message.PeerLocalpart = peer
		messages = append(messages, message)
	}
	return messages
}
