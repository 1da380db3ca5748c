// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconciler

import "fmt"

// State is the connection state of one document's sync channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is one observed transition.
type Status struct {
	State State
	// Err is the failure that caused a transition into Disconnected or
	// Degraded. It is nil otherwise and after a local Close.
	Err error
	// Attempt counts consecutive failed connection attempts.
	Attempt int
	// Queued is the number of local operations not yet sent.
	Queued int
}
