// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultHistory is the History limit applied when the caller passes
// zero.
const defaultHistory = 200

// RedisStreams is the part of *redis.Client the Redis log uses.
type RedisStreams interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// Redis keeps each session's chat in a Redis stream named
// <prefix>:chat:<session>. Stream ids order the log; SentAt is taken
// from the id's millisecond part so every relay agrees on it.
type Redis struct {
	client    RedisStreams
	prefix    string
	maxLength int64
	logger    *slog.Logger
}

// NewRedis returns a log over client. maxLength, when positive, caps
// each stream approximately.
func NewRedis(client RedisStreams, prefix string, maxLength int64, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, maxLength: maxLength, logger: logger}
}

func (r *Redis) stream(session string) string {
	return r.prefix + ":chat:" + session
}

// Append implements Log.
func (r *Redis) Append(ctx context.Context, message Message) (Message, error) {
	message, err := Validate(message)
	if err != nil {
		return Message{}, err
	}
	args := &redis.XAddArgs{
		Stream: r.stream(message.Session),
		ID:     "*",
		Values: map[string]any{
			"author": message.Author,
			"name":   message.AuthorName,
			"text":   message.Text,
		},
	}
	if r.maxLength > 0 {
		args.MaxLen = r.maxLength
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return Message{}, fmt.Errorf("appending chat message to %s: %w", args.Stream, err)
	}
	message.ID = id
	message.SentAt = streamTime(id)
	return message, nil
}

// History implements Log. Entries missing an author or text are
// skipped with a warning.
func (r *Redis) History(ctx context.Context, session string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	entries, err := r.client.XRevRangeN(ctx, r.stream(session), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading chat history for %s: %w", session, err)
	}
	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		author, _ := entry.Values["author"].(string)
		text, _ := entry.Values["text"].(string)
		if author == "" || text == "" {
			r.logger.Warn("skipping malformed chat entry", "session", session, "id", entry.ID)
			continue
		}
		name, _ := entry.Values["name"].(string)
		messages = append(messages, Message{
			ID:         entry.ID,
			Session:    session,
			Author:     author,
			AuthorName: name,
			Text:       text,
			SentAt:     streamTime(entry.ID),
		})
	}
	slices.Reverse(messages)
	return messages, nil
}

// streamTime extracts the millisecond timestamp from a stream id of the
// form <ms>-<seq>.
func streamTime(id string) time.Time {
	milliseconds, _, _ := strings.Cut(id, "-")
	parsed, err := strconv.ParseInt(milliseconds, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(parsed).UTC()
}
