// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source shared by the sync,
// awareness, and media state machines.
//
// Components hold a Clock field and never call the time package for
// scheduling. Tests construct a FakeClock, start the component, wait
// for it to arm its timers, and then step time forward:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	broadcaster := awareness.New(awareness.Config{Clock: fake, ...})
//	broadcaster.NoteLocalEdit()
//	fake.WaitForTimers(1)
//	fake.Advance(250 * time.Millisecond) // debounce fires here
//
// WaitForTimers closes the race between a goroutine arming a timer and
// the test advancing past its deadline.
package clock
