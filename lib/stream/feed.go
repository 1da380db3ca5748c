// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "sync"

// Feed is a conflating multi-subscriber value stream. The zero value is
// not usable; call New.
type Feed[T any] struct {
	mu          sync.Mutex
	current     T
	has         bool
	closed      bool
	subscribers map[*Subscription[T]]struct{}
}

// New returns an empty feed.
func New[T any]() *Feed[T] {
	return &Feed[T]{subscribers: make(map[*Subscription[T]]struct{})}
}

// Subscription receives a Feed's values on C. C is closed when the
// subscription or the feed is closed.
type Subscription[T any] struct {
	C <-chan T

	feed    *Feed[T]
	channel chan T
}

// Publish records value as current and offers it to every subscriber.
// It never blocks.
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.current = value
	f.has = true
	for subscription := range f.subscribers {
		offer(subscription.channel, value)
	}
}

// offer replaces any undelivered value in channel with value.
func offer[T any](channel chan T, value T) {
	for {
		select {
		case channel <- value:
			return
		default:
		}
		select {
		case <-channel:
		default:
		}
	}
}

// Current returns the latest published value and whether one exists.
func (f *Feed[T]) Current() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.has
}

// Subscribe returns a subscription primed with the current value, if
// any. On a closed feed the subscription's channel is already closed.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	channel := make(chan T, 1)
	subscription := &Subscription[T]{C: channel, feed: f, channel: channel}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(channel)
		return subscription
	}
	if f.has {
		channel <- f.current
	}
	f.subscribers[subscription] = struct{}{}
	return subscription
}

// Close detaches the subscription and closes C. It is idempotent.
func (s *Subscription[T]) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if _, ok := s.feed.subscribers[s]; ok {
		delete(s.feed.subscribers, s)
		close(s.channel)
	}
}

// Close ends the feed: every subscription's channel closes and later
// publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for subscription := range f.subscribers {
		close(subscription.channel)
	}
	clear(f.subscribers)
}
