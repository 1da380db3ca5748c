// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package awareness

import (
	"errors"
	"fmt"
	"time"
)

// Field names one awareness attribute for SetLocalField.
type Field string

const (
	FieldParticipant Field = "participant"
	FieldDisplayName Field = "display_name"
	FieldColor       Field = "color"
	FieldCursor      Field = "cursor"
)

// ErrFieldType is returned by SetLocalField when the value does not
// match the field.
var ErrFieldType = errors.New("awareness: value has the wrong type for field")

// Cursor is a caret position in the editor, zero-based.
type Cursor struct {
	Line   int `cbor:"l" json:"line"`
	Column int `cbor:"c" json:"column"`
}

// Stamped is one last-writer-wins field value.
type Stamped[V any] struct {
	Stamp uint64 `cbor:"s"`
	Value V      `cbor:"v"`
}

// Update carries some or all of one replica's fields. Nil fields are
// unchanged. Removed announces that the replica left.
type Update struct {
	Replica      string              `cbor:"rep"`
	Participant  *Stamped[string]    `cbor:"pid,omitempty"`
	DisplayName  *Stamped[string]    `cbor:"name,omitempty"`
	Color        *Stamped[string]    `cbor:"col,omitempty"`
	Cursor       *Stamped[*Cursor]   `cbor:"cur,omitempty"`
	Editing      *Stamped[bool]      `cbor:"edit,omitempty"`
	LastActivity *Stamped[time.Time] `cbor:"act,omitempty"`
	Removed      *Stamped[struct{}]  `cbor:"rm,omitempty"`
}

// MaxStamp returns the highest stamp in u, including a removal.
func (u Update) MaxStamp() uint64 {
	var highest uint64
	consider := func(stamp uint64) { highest = max(highest, stamp) }
	if u.Participant != nil {
		consider(u.Participant.Stamp)
	}
	if u.DisplayName != nil {
		consider(u.DisplayName.Stamp)
	}
	if u.Color != nil {
		consider(u.Color.Stamp)
	}
	if u.Cursor != nil {
		consider(u.Cursor.Stamp)
	}
	if u.Editing != nil {
		consider(u.Editing.Stamp)
	}
	if u.LastActivity != nil {
		consider(u.LastActivity.Stamp)
	}
	if u.Removed != nil {
		consider(u.Removed.Stamp)
	}
	return highest
}

// Validate rejects an update without a replica or with a negative
// cursor.
func (u Update) Validate() error {
	if u.Replica == "" {
		return errors.New("awareness update without replica")
	}
	if u.Cursor != nil && u.Cursor.Value != nil && (u.Cursor.Value.Line < 0 || u.Cursor.Value.Column < 0) {
		return fmt.Errorf("awareness update from %s: negative cursor", u.Replica)
	}
	return nil
}

// State is the merged view of one replica's record.
type State struct {
	Replica      string    `json:"replica"`
	Participant  string    `json:"participant"`
	DisplayName  string    `json:"display_name"`
	Color        string    `json:"color"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	Editing      bool      `json:"editing"`
	LastActivity time.Time `json:"last_activity"`
	Local        bool      `json:"local"`
}

// Merge returns u with every field of other that is newer applied. A
// relay keeps one merged update per replica so late joiners get the
// full record in one message. Removed is not carried over.
func (u Update) Merge(other Update) Update {
	var merged record
	merged.merge(u)
	merged.merge(other)
	return merged.full(u.Replica)
}

// record is the stored form of one replica's fields.
type record struct {
	participant  Stamped[string]
	displayName  Stamped[string]
	color        Stamped[string]
	cursor       Stamped[*Cursor]
	editing      Stamped[bool]
	lastActivity Stamped[time.Time]

	// receivedAt is the local time of the last update, used for expiry.
	receivedAt time.Time
}

// merge applies every field of u newer than the stored one and
// reports whether any visible value changed.
func (r *record) merge(u Update) bool {
	changed := false
	changed = mergeField(&r.participant, u.Participant) || changed
	changed = mergeField(&r.displayName, u.DisplayName) || changed
	changed = mergeField(&r.color, u.Color) || changed
	changed = mergeField(&r.cursor, u.Cursor) || changed
	changed = mergeField(&r.editing, u.Editing) || changed
	changed = mergeField(&r.lastActivity, u.LastActivity) || changed
	return changed
}

func mergeField[V any](stored *Stamped[V], incoming *Stamped[V]) bool {
	if incoming == nil || incoming.Stamp <= stored.Stamp {
		return false
	}
	*stored = *incoming
	return true
}

// full returns an update carrying every field of r.
func (r *record) full(replica string) Update {
	return Update{
		Replica:      replica,
		Participant:  stampedCopy(r.participant),
		DisplayName:  stampedCopy(r.displayName),
		Color:        stampedCopy(r.color),
		Cursor:       stampedCopy(r.cursor),
		Editing:      stampedCopy(r.editing),
		LastActivity: stampedCopy(r.lastActivity),
	}
}

// restamp moves every set field to stamp, so the whole record
// supersedes anything a peer recorded about it before.
func (r *record) restamp(stamp uint64) {
	restampField(&r.participant, stamp)
	restampField(&r.displayName, stamp)
	restampField(&r.color, stamp)
	restampField(&r.cursor, stamp)
	restampField(&r.editing, stamp)
	restampField(&r.lastActivity, stamp)
}

func restampField[V any](field *Stamped[V], stamp uint64) {
	if field.Stamp != 0 {
		field.Stamp = stamp
	}
}

func stampedCopy[V any](value Stamped[V]) *Stamped[V] {
	if value.Stamp == 0 {
		return nil
	}
	return &value
}

func (r *record) state(replica string, local bool) State {
	state := State{
		Replica:      replica,
		Participant:  r.participant.Value,
		DisplayName:  r.displayName.Value,
		Color:        r.color.Value,
		Editing:      r.editing.Value,
		LastActivity: r.lastActivity.Value,
		Local:        local,
	}
	if r.cursor.Value != nil {
		cursor := *r.cursor.Value
		state.Cursor = &cursor
	}
	return state
}
