// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roster reads session membership from the identity store.
// The roster is reference data: pairspace never writes it.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotMember means the participant is not on the session's roster.
var ErrNotMember = errors.New("participant is not on the session roster")

// Participant is one roster entry.
type Participant struct {
	ID          string
	DisplayName string
}

// Name returns the display name, or the id when the store has none.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// Source lists a session's members ordered by id.
type Source interface {
	Members(ctx context.Context, session string) ([]Participant, error)
}

// Lookup returns one member of session.
func Lookup(ctx context.Context, source Source, session, participant string) (Participant, error) {
	members, err := source.Members(ctx, session)
	if err != nil {
		return Participant{}, err
	}
	for _, member := range members {
		if member.ID == participant {
			return member, nil
		}
	}
	return Participant{}, fmt.Errorf("%w: %s in %s", ErrNotMember, participant, session)
}

// Static is an in-memory roster for embedded use and tests.
type Static struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Participant
}

// NewStatic returns an empty roster.
func NewStatic() *Static {
	return &Static{sessions: make(map[string]map[string]Participant)}
}

// Add puts participant on session's roster, replacing any entry with
// the same id.
func (s *Static) Add(session string, participant Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.sessions[session]
	if !ok {
		members = make(map[string]Participant)
		s.sessions[session] = members
	}
	members[participant.ID] = participant
}

// Members implements Source. An unknown session has no members.
func (s *Static) Members(_ context.Context, session string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]Participant, 0, len(s.sessions[session]))
	for _, participant := range s.sessions[session] {
		members = append(members, participant)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
