// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Pending timers live in a
// min-heap ordered by deadline and then by arming order, so timers
// with equal deadlines fire in the order they were created.
//
// AfterFunc callbacks run on the goroutine calling Advance, with the
// clock's Now reporting the callback's own deadline. Callbacks may arm
// new timers but must not call Advance or Sleep.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sequence uint64
	pending  waiterHeap
	armed    *sync.Cond
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.armed = sync.NewCond(&fake.mu)
	return fake
}

type waiter struct {
	deadline time.Time
	sequence uint64
	period   time.Duration
	channel  chan time.Time
	callback func()
	// position is the heap index, or -1 when the waiter is not armed.
	position int
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	channel := make(chan time.Time, 1)
	entry := &waiter{channel: channel, position: -1}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
	} else {
		c.armLocked(entry, d)
	}
	return &Timer{C: channel, stop: c.stopFunc(entry), reset: c.resetFunc(entry)}
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	entry := &waiter{callback: f, position: -1}
	if d <= 0 {
		f()
		return &Timer{stop: c.stopFunc(entry), reset: c.resetFunc(entry)}
	}
	c.mu.Lock()
	c.armLocked(entry, d)
	c.mu.Unlock()
	return &Timer{stop: c.stopFunc(entry), reset: c.resetFunc(entry)}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	channel := make(chan time.Time, 1)
	entry := &waiter{channel: channel, period: d, position: -1}
	c.mu.Lock()
	c.armLocked(entry, d)
	c.mu.Unlock()
	stop := c.stopFunc(entry)
	return &Ticker{
		C:    channel,
		stop: func() { stop() },
		reset: func(period time.Duration) {
			if period <= 0 {
				panic("clock: non-positive ticker period")
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			c.disarmLocked(entry)
			entry.period = period
			c.armLocked(entry, period)
		},
	}
}

func (c *FakeClock) stopFunc(entry *waiter) func() bool {
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.disarmLocked(entry)
	}
}

func (c *FakeClock) resetFunc(entry *waiter) func(time.Duration) bool {
	return func(d time.Duration) bool {
		c.mu.Lock()
		wasArmed := c.disarmLocked(entry)
		if d > 0 {
			c.armLocked(entry, d)
			c.mu.Unlock()
			return wasArmed
		}
		now := c.now
		c.mu.Unlock()
		c.fire(entry, now)
		return wasArmed
	}
}

func (c *FakeClock) armLocked(entry *waiter, d time.Duration) {
	c.sequence++
	entry.sequence = c.sequence
	entry.deadline = c.now.Add(d)
	heap.Push(&c.pending, entry)
	c.armed.Broadcast()
}

func (c *FakeClock) disarmLocked(entry *waiter) bool {
	if entry.position < 0 {
		return false
	}
	heap.Remove(&c.pending, entry.position)
	return true
}

func (c *FakeClock) fire(entry *waiter, at time.Time) {
	if entry.callback != nil {
		entry.callback()
		return
	}
	select {
	case entry.channel <- at:
	default:
	}
}

// Advance moves time forward by d, firing every timer whose deadline
// falls inside the window in deadline order. A ticker whose period
// divides the window several times fires once per period; ticks that
// find the channel full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for c.pending.Len() > 0 && !c.pending[0].deadline.After(target) {
		entry := heap.Pop(&c.pending).(*waiter)
		c.now = entry.deadline
		if entry.period > 0 {
			c.sequence++
			entry.sequence = c.sequence
			entry.deadline = entry.deadline.Add(entry.period)
			heap.Push(&c.pending, entry)
		}
		at := c.now
		c.mu.Unlock()
		c.fire(entry, at)
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n timers are armed.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending.Len() < n {
		c.armed.Wait()
	}
}

// PendingCount reports how many timers are armed.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

var _ Clock = (*FakeClock)(nil)

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].position = i
	h[j].position = j
}

func (h *waiterHeap) Push(x any) {
	entry := x.(*waiter)
	entry.position = len(*h)
	*h = append(*h, entry)
}

func (h *waiterHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	last.position = -1
	*h = old[:len(old)-1]
	return last
}
