// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/pairspace/lib/codec"
)

// Compile-time interface check.
var _ Signaler = (*RedisSignaler)(nil)

// RedisHashes is the subset of a go-redis client the signaler uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisHashes interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisSignaler stores offers and answers as fields of two Redis hashes
// keyed "offerer|target". Each field holds a CBOR-encoded SignalMessage.
// A newer signal for the same pair overwrites the older one.
type RedisSignaler struct {
	client     RedisHashes
	offersKey  string
	answersKey string
	logger     *slog.Logger
	lastSeen   *seenSignals
}

// NewRedisSignaler returns a signaler whose hashes live under prefix,
// e.g. "pairspace:signaling".
func NewRedisSignaler(client RedisHashes, prefix string, logger *slog.Logger) *RedisSignaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSignaler{
		client:     client,
		offersKey:  prefix + ":offers",
		answersKey: prefix + ":answers",
		logger:     logger,
		lastSeen:   newSeenSignals(),
	}
}

// PublishOffer publishes a complete SDP offer directed at the target.
func (s *RedisSignaler) PublishOffer(ctx context.Context, localpart, targetLocalpart, sdp string) error {
	return s.publish(ctx, s.offersKey, localpart+signalingSeparator+targetLocalpart, newSignal(localpart, sdp))
}

// PublishAnswer publishes a complete SDP answer in response to an offer.
func (s *RedisSignaler) PublishAnswer(ctx context.Context, offererLocalpart, localpart, sdp string) error {
	return s.publish(ctx, s.answersKey, offererLocalpart+signalingSeparator+localpart, newSignal(localpart, sdp))
}

func (s *RedisSignaler) publish(ctx context.Context, hash, field string, signal SignalMessage) error {
	encoded, err := codec.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encoding signal %s: %w", field, err)
	}
	if err := s.client.HSet(ctx, hash, field, encoded).Err(); err != nil {
		return fmt.Errorf("publishing signal %s to %s: %w", field, hash, err)
	}
	return nil
}

// PollOffers returns new SDP offers directed at localpart.
func (s *RedisSignaler) PollOffers(ctx context.Context, localpart string) ([]SignalMessage, error) {
	return s.poll(ctx, s.offersKey, localpart, "offers", matchOfferKey)
}

// PollAnswers returns new SDP answers to offers originated by localpart.
func (s *RedisSignaler) PollAnswers(ctx context.Context, localpart string) ([]SignalMessage, error) {
	return s.poll(ctx, s.answersKey, localpart, "answers", matchAnswerKey)
}

func (s *RedisSignaler) poll(ctx context.Context, hash, localpart, storeLabel string, match signalKeyMatcher) ([]SignalMessage, error) {
	fields, err := s.client.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", hash, err)
	}
	store := make(map[string]SignalMessage, len(fields))
	for field, value := range fields {
		if _, ok := match(field, localpart); !ok {
			continue
		}
		var signal SignalMessage
		if err := codec.Unmarshal([]byte(value), &signal); err != nil {
			s.logger.Warn("skipping undecodable signal", "hash", hash, "field", field, "error", err)
			continue
		}
		store[field] = signal
	}
	return s.lastSeen.filter(localpart, storeLabel, store, match), nil
}
