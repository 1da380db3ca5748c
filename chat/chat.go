// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the per-session append-only chat log. Messages are
// ordered by the time the log accepted them; History returns the most
// recent ones oldest first.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTextLength bounds one message in runes.
const MaxTextLength = 4000

// ErrEmptyMessage rejects blank messages.
var ErrEmptyMessage = errors.New("chat message is empty")

// Message is one chat entry.
type Message struct {
	// ID is assigned by the log and orders messages with equal SentAt.
	ID         string
	Session    string
	Author     string
	AuthorName string
	Text       string
	SentAt     time.Time
}

// Log stores chat messages.
type Log interface {
	// Append stores message and returns it with ID and SentAt set.
	Append(ctx context.Context, message Message) (Message, error)
	// History returns up to limit of the newest messages, oldest first.
	History(ctx context.Context, session string, limit int) ([]Message, error)
}

// Validate normalizes message text and checks the required fields.
func Validate(message Message) (Message, error) {
	message.Text = strings.TrimSpace(message.Text)
	if message.Text == "" {
		return message, ErrEmptyMessage
	}
	if length := utf8.RuneCountInString(message.Text); length > MaxTextLength {
		return message, fmt.Errorf("chat message is %d characters, limit %d", length, MaxTextLength)
	}
	if message.Session == "" || message.Author == "" {
		return message, errors.New("chat message needs a session and an author")
	}
	return message, nil
}
