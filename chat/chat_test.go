// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/pairspace/lib/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestValidate(t *testing.T) {
	base := Message{Session: "interview", Author: "alice"}
	tests := []struct {
		name string
		text string
		want error
	}{
		{"trimmed", "  hi  ", nil},
		{"blank", " \n\t", ErrEmptyMessage},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			message := base
			message.Text = test.text
			normalized, err := Validate(message)
			if !errors.Is(err, test.want) {
				t.Fatalf("error = %v, want %v", err, test.want)
			}
			if err == nil && normalized.Text != strings.TrimSpace(test.text) {
				t.Errorf("text = %q", normalized.Text)
			}
		})
	}

	long := base
	long.Text = strings.Repeat("ü", MaxTextLength+1)
	if _, err := Validate(long); err == nil {
		t.Error("overlong message accepted")
	}
	if _, err := Validate(Message{Text: "hi"}); err == nil {
		t.Error("message without session or author accepted")
	}
}

func TestMemory_AppendAndHistory(t *testing.T) {
	fake := clock.Fake(epoch)
	log := NewMemory(fake)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := log.Append(ctx, Message{Session: "interview", Author: "alice", Text: text}); err != nil {
			t.Fatal(err)
		}
		fake.Advance(time.Second)
	}
	if _, err := log.Append(ctx, Message{Session: "standup", Author: "bob", Text: "elsewhere"}); err != nil {
		t.Fatal(err)
	}

	history, err := log.History(ctx, "interview", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Text != "two" || history[1].Text != "three" {
		t.Fatalf("history = %+v, want two then three", history)
	}
	if !history[0].SentAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("SentAt = %v", history[0].SentAt)
	}
	if history[0].ID == history[1].ID {
		t.Error("messages share an id")
	}

	all, _ := log.History(ctx, "interview", 0)
	if len(all) != 3 {
		t.Errorf("unlimited history has %d messages, want 3", len(all))
	}
}

// fakeStreams records XAdd calls and serves XRevRangeN from a slice
// kept newest first.
type fakeStreams struct {
	added   []*redis.XAddArgs
	entries []redis.XMessage
	err     error
}

func (f *fakeStreams) XAdd(_ context.Context, args *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, args)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1767225600000-0", nil)
}

func (f *fakeStreams) XRevRangeN(_ context.Context, _, _, _ string, count int64) *redis.XMessageSliceCmd {
	if f.err != nil {
		return redis.NewXMessageSliceCmdResult(nil, f.err)
	}
	entries := f.entries
	if int64(len(entries)) > count {
		entries = entries[:count]
	}
	return redis.NewXMessageSliceCmdResult(entries, nil)
}

func TestRedis_Append(t *testing.T) {
	streams := &fakeStreams{}
	log := NewRedis(streams, "pairspace", 1000, testLogger())

	message, err := log.Append(context.Background(), Message{Session: "interview", Author: "alice", AuthorName: "Alice", Text: " hello "})
	if err != nil {
		t.Fatal(err)
	}
	if message.ID != "1767225600000-0" || !message.SentAt.Equal(epoch) {
		t.Errorf("message = %+v", message)
	}
	args := streams.added[0]
	if args.Stream != "pairspace:chat:interview" || args.MaxLen != 1000 || !args.Approx {
		t.Errorf("XAdd args = %+v", args)
	}
	values := args.Values.(map[string]any)
	if values["text"] != "hello" || values["author"] != "alice" || values["name"] != "Alice" {
		t.Errorf("XAdd values = %v", values)
	}
}

func TestRedis_HistoryOldestFirst(t *testing.T) {
	streams := &fakeStreams{entries: []redis.XMessage{
		{ID: "1767225602000-0", Values: map[string]any{"author": "bob", "text": "third"}},
		{ID: "1767225601000-0", Values: map[string]any{"author": "alice"}},
		{ID: "1767225600000-1", Values: map[string]any{"author": "alice", "name": "Alice", "text": "first"}},
	}}
	log := NewRedis(streams, "pairspace", 0, testLogger())

	history, err := log.History(context.Background(), "interview", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v, want the two well-formed entries", history)
	}
	if history[0].Text != "first" || history[1].Text != "third" {
		t.Errorf("order = %q, %q", history[0].Text, history[1].Text)
	}
	if !history[1].SentAt.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("SentAt = %v", history[1].SentAt)
	}
}

func TestRedis_Errors(t *testing.T) {
	failure := errors.New("redis: connection refused")
	log := NewRedis(&fakeStreams{err: failure}, "pairspace", 0, testLogger())
	if _, err := log.Append(context.Background(), Message{Session: "s", Author: "a", Text: "x"}); !errors.Is(err, failure) {
		t.Errorf("Append error = %v", err)
	}
	if _, err := log.History(context.Background(), "s", 5); !errors.Is(err, failure) {
		t.Errorf("History error = %v", err)
	}
	if _, err := log.Append(context.Background(), Message{Session: "s", Author: "a", Text: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank Append error = %v", err)
	}
}
