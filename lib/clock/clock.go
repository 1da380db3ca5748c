// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source for every timer-driven state machine in
// pairspace: debounce windows, liveness sweeps, resync tickers,
// handshake deadlines, and retry backoff. Production code uses Real();
// tests use Fake() and move time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer has a
	// nil C. The real clock runs f on its own goroutine; the fake
	// clock runs it inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTimer returns a one-shot Timer whose C receives once d has
	// elapsed.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C (capacity 1; slow readers miss
// ticks rather than queueing them).
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the tick cycle with a new period.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending one-shot event.
type Timer struct {
	// C is nil for AfterFunc timers.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer and reports whether it was still pending.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire d from now and reports whether
// it was pending beforehand.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
