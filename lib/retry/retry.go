// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry is the reconnect policy shared by the sync reconciler
// and the media session: exponential delays that double from an
// initial value up to a cap, with proportional jitter and an optional
// attempt bound.
//
// Delays are computed by cenkalti/backoff and waited out on a
// clock.Clock so tests can step through a schedule deterministically.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/config"
)

// Policy describes one backoff curve.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay uniformly over ±Jitter of its value.
	Jitter float64
	// MaxAttempts bounds the number of delays a Schedule hands out.
	// Zero means unbounded.
	MaxAttempts int
}

// FromConfig converts a configuration section into a Policy.
func FromConfig(section config.BackoffConfig, maxAttempts int) Policy {
	return Policy{
		Initial:     section.Initial.Std(),
		Max:         section.Max.Std(),
		Multiplier:  section.Multiplier,
		Jitter:      section.Jitter,
		MaxAttempts: maxAttempts,
	}
}

// Schedule hands out successive delays for one retry sequence. A
// Schedule is not safe for concurrent use; each state machine owns its
// own.
type Schedule struct {
	policy   Policy
	backoff  *backoff.ExponentialBackOff
	attempts int
}

// NewSchedule starts a schedule whose elapsed-time bookkeeping reads
// clk.
func (p Policy) NewSchedule(clk clock.Clock) *Schedule {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.Initial
	exponential.MaxInterval = p.Max
	exponential.Multiplier = p.Multiplier
	exponential.RandomizationFactor = p.Jitter
	exponential.MaxElapsedTime = 0
	exponential.Clock = clk
	exponential.Reset()
	return &Schedule{policy: p, backoff: exponential}
}

// Next returns the delay before the next attempt, or false once the
// attempt bound is spent.
func (s *Schedule) Next() (time.Duration, bool) {
	if s.policy.MaxAttempts > 0 && s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	s.attempts++
	return delay, true
}

// Attempts reports how many delays Next has handed out since the last
// Reset.
func (s *Schedule) Attempts() int { return s.attempts }

// Reset restarts the curve at Initial, typically after a success.
func (s *Schedule) Reset() {
	s.attempts = 0
	s.backoff.Reset()
}

// Sleep waits d on clk or until ctx is done.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
