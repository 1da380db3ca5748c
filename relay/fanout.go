// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/pairspace/lib/codec"
	"github.com/bureau-foundation/pairspace/transport"
)

// publishTimeout bounds one fanout publish.
const publishTimeout = 5 * time.Second

// Fanout carries room traffic between relay instances. Every instance
// subscribed to a topic receives every payload published on it,
// including its own.
type Fanout interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls deliver for each payload on topic until stop is
	// called or ctx ends. deliver runs on one goroutine per
	// subscription.
	Subscribe(ctx context.Context, topic string, deliver func(payload []byte)) (stop func(), err error)
}

// RedisPubSub is the subset of a go-redis client RedisFanout uses.
type RedisPubSub interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisFanout implements Fanout over Redis pub/sub. Channels are named
// "<prefix>:relay:<session>/<document>".
type RedisFanout struct {
	client RedisPubSub
	prefix string
	logger *slog.Logger
}

// NewRedisFanout returns a fanout over client.
func NewRedisFanout(client RedisPubSub, prefix string, logger *slog.Logger) *RedisFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{client: client, prefix: prefix, logger: logger}
}

func (f *RedisFanout) channel(topic string) string {
	return f.prefix + ":relay:" + topic
}

// Publish implements Fanout.
func (f *RedisFanout) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := f.client.Publish(ctx, f.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", f.channel(topic), err)
	}
	return nil
}

// Subscribe implements Fanout. It returns once Redis has confirmed the
// subscription, so nothing published afterwards is missed.
func (f *RedisFanout) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func(), error) {
	name := f.channel(topic)
	pubsub := f.client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", name, err)
	}
	messages := pubsub.Channel()
	go func() {
		for message := range messages {
			deliver([]byte(message.Payload))
		}
		f.logger.Debug("fanout subscription ended", "channel", name)
	}()
	return func() { pubsub.Close() }, nil
}

// fanoutFrame is the payload published for one message. Origin lets
// an instance skip its own traffic.
type fanoutFrame struct {
	Origin string `cbor:"o"`
	Frame  []byte `cbor:"f"`
}

func encodeFanout(origin string, message transport.Message) ([]byte, error) {
	frame, err := transport.Encode(message)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(fanoutFrame{Origin: origin, Frame: frame})
}

func decodeFanout(payload []byte) (string, transport.Message, error) {
	var wrapped fanoutFrame
	if err := codec.Unmarshal(payload, &wrapped); err != nil {
		return "", nil, fmt.Errorf("decoding fanout frame: %w", err)
	}
	message, err := transport.Decode(wrapped.Frame)
	if err != nil {
		return wrapped.Origin, nil, err
	}
	return wrapped.Origin, message, nil
}

// fanout queues message for the other instances. It never blocks the
// room: when the publisher is behind the message is dropped and the
// periodic resync recovers it.
func (r *room) fanout(message transport.Message) {
	if r.publish == nil {
		return
	}
	payload, err := encodeFanout(r.hub.instance, message)
	if err != nil {
		r.logger.Error("encoding fanout frame", "kind", transport.KindOf(message), "error", err)
		return
	}
	select {
	case r.publish <- payload:
	default:
		r.logger.Warn("fanout publisher behind, dropping frame", "kind", transport.KindOf(message))
	}
}

func (r *room) publisher(ctx context.Context) {
	topic := r.key.String()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.publish:
			publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.hub.fanout.Publish(publishCtx, topic, payload)
			cancel()
			if err != nil {
				r.logger.Warn("fanout publish failed", "error", err)
			}
		}
	}
}

// deliver runs on the subscription goroutine.
func (r *room) deliver(payload []byte) {
	select {
	case r.remote <- payload:
	case <-r.done:
	}
}
