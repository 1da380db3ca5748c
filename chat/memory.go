// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/pairspace/lib/clock"
)

// Memory keeps chat in process memory.
type Memory struct {
	clock clock.Clock

	mu       sync.Mutex
	sequence uint64
	sessions map[string][]Message
}

// NewMemory returns an empty log stamping messages from clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{clock: clk, sessions: make(map[string][]Message)}
}

// Append implements Log.
func (m *Memory) Append(_ context.Context, message Message) (Message, error) {
	message, err := Validate(message)
	if err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence++
	message.SentAt = m.clock.Now().UTC()
	message.ID = fmt.Sprintf("%d-%d", message.SentAt.UnixMilli(), m.sequence)
	m.sessions[message.Session] = append(m.sessions[message.Session], message)
	return message, nil
}

// History implements Log.
func (m *Memory) History(_ context.Context, session string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := m.sessions[session]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]Message(nil), messages...), nil
}
