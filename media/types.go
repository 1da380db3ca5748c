// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"errors"
	"fmt"
)

// Kind is a media track kind.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Kinds lists every track kind in display order.
var Kinds = []Kind{Audio, Video}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == Audio || k == Video }

// SessionState is the conference lifecycle state.
type SessionState int

const (
	Idle SessionState = iota
	Joining
	Active
	Recovering
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// TrackState is the publication state of one local track.
type TrackState int

const (
	Unpublished TrackState = iota
	Publishing
	Published
	Unpublishing
)

func (s TrackState) String() string {
	switch s {
	case Unpublished:
		return "unpublished"
	case Publishing:
		return "publishing"
	case Published:
		return "published"
	case Unpublishing:
		return "unpublishing"
	}
	return fmt.Sprintf("TrackState(%d)", int(s))
}

// Identity is how a participant appears in the conference.
type Identity struct {
	ID          string
	DisplayName string
}

// Name returns the display name, falling back to the id.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.ID
}

// Track is a published track as seen in the conference.
type Track struct {
	Kind          Kind
	Owner         string
	PublicationID string
	Enabled       bool
}

// LocalTrack is the local participant's view of one track kind.
type LocalTrack struct {
	Kind Kind
	// Enabled is the user's intent. State converges toward it.
	Enabled       bool
	State         TrackState
	PublicationID string
}

// Roster is the read-only view of everyone else in the conference.
type Roster struct {
	Participants []Identity
	Tracks       []Track
}

// Status is one observed session transition.
type Status struct {
	State SessionState
	// Err is the failure behind Joining retries, Recovering, and
	// Failed.
	Err error
	// Attempt is the current join attempt, counting from 1.
	Attempt int
}

var (
	// ErrCaptureUnavailable means a capture device could not be
	// acquired: no device, permission denied, or already in use.
	ErrCaptureUnavailable = errors.New("capture device unavailable")

	// ErrJoinExhausted means every join attempt failed. The machine
	// stays Failed until Retry.
	ErrJoinExhausted = errors.New("conference join attempts exhausted")
)

// TrackError reports a failed publish or unpublish. The track is
// Unpublished with its capture released by the time it is delivered.
type TrackError struct {
	Kind Kind
	// Op is "acquire", "publish", or "unpublish".
	Op  string
	Err error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("media: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TrackError) Unwrap() error { return e.Err }

// Event is a conference notification. The set is closed: TrackPublished,
// TrackUnpublished, ParticipantJoined, ParticipantLeft, Disconnected.
type Event interface {
	event()
}

// TrackPublished announces a track another participant published.
type TrackPublished struct {
	Track Track
}

// TrackUnpublished withdraws a track.
type TrackUnpublished struct {
	Owner         string
	PublicationID string
}

// ParticipantJoined announces a participant.
type ParticipantJoined struct {
	Participant Identity
}

// ParticipantLeft withdraws a participant and all their tracks.
type ParticipantLeft struct {
	ID string
}

// Disconnected reports that the conference dropped without Leave.
type Disconnected struct {
	Err error
}

func (TrackPublished) event()    {}
func (TrackUnpublished) event()  {}
func (ParticipantJoined) event() {}
func (ParticipantLeft) event()   {}
func (Disconnected) event()      {}
