// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package awareness

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/pairspace/lib/clock"
)

// Config configures a Broadcaster.
type Config struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Replica string

	// Debounce is how long after the last local edit the editing flag
	// clears.
	Debounce time.Duration
	// LivenessTimeout is how long a remote record survives without an
	// update.
	LivenessTimeout time.Duration
	// Heartbeat is how often the local record is re-announced. It must
	// be shorter than the liveness timeout every peer uses.
	Heartbeat time.Duration

	// Publish sends an update toward peers. It must not block; the
	// reconciler keeps only the latest pending awareness frame.
	Publish func(Update)
	// OnChange receives the merged state of every known replica
	// whenever a visible field changes. It is called without the
	// broadcaster's lock held.
	OnChange func([]State)
}

// Broadcaster owns the local awareness record and the merged view of
// remote records.
type Broadcaster struct {
	clock    clock.Clock
	logger   *slog.Logger
	replica  string
	debounce time.Duration
	timeout  time.Duration
	beat     time.Duration
	publish  func(Update)
	onChange func([]State)

	mu            sync.Mutex
	stamp         uint64
	local         record
	remote        map[string]*record
	removed       map[string]removal
	editTimer     *clock.Timer
	// editBurst invalidates a debounce callback that lost the race
	// with a new burst on the real clock.
	editBurst     uint64
	activityDirty bool
	beatTimer     *clock.Timer
	sweep         *clock.Timer
	closed        bool
}

// removal remembers a departed replica so stale updates cannot bring
// it back.
type removal struct {
	stamp uint64
	at    time.Time
}

// New returns a Broadcaster. Call Start to begin heartbeats.
func New(config Config) (*Broadcaster, error) {
	if config.Replica == "" {
		return nil, errors.New("awareness: replica id is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = 250 * time.Millisecond
	}
	if config.LivenessTimeout <= 0 {
		config.LivenessTimeout = 30 * time.Second
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = config.LivenessTimeout / 3
	}
	if config.Heartbeat >= config.LivenessTimeout {
		return nil, fmt.Errorf("awareness: heartbeat %s must be shorter than liveness timeout %s",
			config.Heartbeat, config.LivenessTimeout)
	}
	if config.Publish == nil {
		config.Publish = func(Update) {}
	}
	if config.OnChange == nil {
		config.OnChange = func([]State) {}
	}
	return &Broadcaster{
		clock:    config.Clock,
		logger:   config.Logger.With("replica", config.Replica),
		replica:  config.Replica,
		debounce: config.Debounce,
		timeout:  config.LivenessTimeout,
		beat:     config.Heartbeat,
		publish:  config.Publish,
		onChange: config.OnChange,
		remote:   make(map[string]*record),
		removed:  make(map[string]removal),
	}, nil
}

// Start arms the heartbeat and the expiry sweep.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.beatTimer != nil {
		return
	}
	b.beatTimer = b.clock.AfterFunc(b.beat, b.heartbeat)
	b.sweep = b.clock.AfterFunc(b.sweepInterval(), b.expire)
}

func (b *Broadcaster) sweepInterval() time.Duration {
	return max(b.timeout/4, time.Millisecond)
}

// Close stops all timers, announces the local replica's removal, and
// forgets every remote record. It is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, timer := range []*clock.Timer{b.editTimer, b.beatTimer, b.sweep} {
		if timer != nil {
			timer.Stop()
		}
	}
	b.stamp++
	farewell := Update{Replica: b.replica, Removed: &Stamped[struct{}]{Stamp: b.stamp}}
	hadRemote := len(b.remote) > 0
	clear(b.remote)
	states := b.statesLocked()
	b.mu.Unlock()

	b.publish(farewell)
	if hadRemote {
		b.onChange(states)
	}
}

// SetLocalField sets one field of the local record and publishes it.
// The value must be a string for identity fields and a Cursor or
// *Cursor (nil clears it) for FieldCursor.
func (b *Broadcaster) SetLocalField(field Field, value any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.stamp++
	update := Update{Replica: b.replica}
	switch field {
	case FieldParticipant, FieldDisplayName, FieldColor:
		text, ok := value.(string)
		if !ok {
			b.stamp--
			b.mu.Unlock()
			return fmt.Errorf("%w: %s wants string, got %T", ErrFieldType, field, value)
		}
		stamped := &Stamped[string]{Stamp: b.stamp, Value: text}
		switch field {
		case FieldParticipant:
			update.Participant = stamped
		case FieldDisplayName:
			update.DisplayName = stamped
		case FieldColor:
			update.Color = stamped
		}
	case FieldCursor:
		var cursor *Cursor
		switch typed := value.(type) {
		case Cursor:
			cursor = &typed
		case *Cursor:
			if typed != nil {
				copied := *typed
				cursor = &copied
			}
		default:
			b.stamp--
			b.mu.Unlock()
			return fmt.Errorf("%w: cursor wants Cursor, got %T", ErrFieldType, value)
		}
		if cursor != nil && (cursor.Line < 0 || cursor.Column < 0) {
			b.stamp--
			b.mu.Unlock()
			return fmt.Errorf("%w: negative cursor %+v", ErrFieldType, *cursor)
		}
		update.Cursor = &Stamped[*Cursor]{Stamp: b.stamp, Value: cursor}
	default:
		b.stamp--
		b.mu.Unlock()
		return fmt.Errorf("%w: unknown field %q", ErrFieldType, field)
	}
	b.local.merge(update)
	states := b.statesLocked()
	b.mu.Unlock()

	b.publish(update)
	b.onChange(states)
	return nil
}

// SetCursor is SetLocalField(FieldCursor, cursor).
func (b *Broadcaster) SetCursor(cursor Cursor) error {
	return b.SetLocalField(FieldCursor, cursor)
}

// NoteLocalEdit records a local keystroke. The first edit after a quiet
// period publishes editing=true; the flag clears once no edit has
// arrived for the debounce window. Edits in between publish nothing.
func (b *Broadcaster) NoteLocalEdit() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	b.local.lastActivity.Value = now

	if b.editTimer != nil && b.editTimer.Stop() {
		b.editTimer.Reset(b.debounce)
		b.activityDirty = true
		b.mu.Unlock()
		return
	}

	b.stamp++
	b.local.editing = Stamped[bool]{Stamp: b.stamp, Value: true}
	b.local.lastActivity.Stamp = b.stamp
	update := Update{
		Replica:      b.replica,
		Editing:      stampedCopy(b.local.editing),
		LastActivity: stampedCopy(b.local.lastActivity),
	}
	b.activityDirty = false
	b.editBurst++
	burst := b.editBurst
	b.editTimer = b.clock.AfterFunc(b.debounce, func() { b.editingIdle(burst) })
	states := b.statesLocked()
	b.mu.Unlock()

	b.publish(update)
	b.onChange(states)
}

func (b *Broadcaster) editingIdle(burst uint64) {
	b.mu.Lock()
	if b.closed || burst != b.editBurst || !b.local.editing.Value {
		b.mu.Unlock()
		return
	}
	b.stamp++
	b.local.editing = Stamped[bool]{Stamp: b.stamp, Value: false}
	update := Update{Replica: b.replica, Editing: stampedCopy(b.local.editing)}
	states := b.statesLocked()
	b.mu.Unlock()

	b.publish(update)
	b.onChange(states)
}

// localUpdate returns the full local record without restamping it.
func (b *Broadcaster) localUpdate() Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local.full(b.replica)
}

// Announce restamps and publishes the full local record. Call it after
// a reconnect: a relay that saw the previous connection drop has told
// peers the replica left, and only newer stamps bring it back.
func (b *Broadcaster) Announce() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.stamp++
	b.local.restamp(b.stamp)
	b.activityDirty = false
	update := b.local.full(b.replica)
	b.mu.Unlock()

	if update.MaxStamp() > 0 {
		b.publish(update)
	}
}

func (b *Broadcaster) heartbeat() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.activityDirty {
		b.stamp++
		b.local.lastActivity.Stamp = b.stamp
		b.activityDirty = false
	}
	update := b.local.full(b.replica)
	b.beatTimer = b.clock.AfterFunc(b.beat, b.heartbeat)
	b.mu.Unlock()

	b.publish(update)
}

// ApplyRemote merges an update from a peer. Updates about the local
// replica are ignored.
func (b *Broadcaster) ApplyRemote(update Update) error {
	if err := update.Validate(); err != nil {
		b.logger.Warn("rejected awareness update", "error", err)
		return err
	}
	if update.Replica == b.replica {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	now := b.clock.Now()
	changed := false

	if gone, ok := b.removed[update.Replica]; ok && update.MaxStamp() <= gone.stamp {
		b.mu.Unlock()
		return nil
	}

	if update.Removed != nil {
		b.removed[update.Replica] = removal{stamp: update.Removed.Stamp, at: now}
		if _, ok := b.remote[update.Replica]; ok {
			delete(b.remote, update.Replica)
			changed = true
		}
	} else {
		delete(b.removed, update.Replica)
		existing, ok := b.remote[update.Replica]
		if !ok {
			existing = &record{}
			b.remote[update.Replica] = existing
			changed = true
		}
		existing.receivedAt = now
		changed = existing.merge(update) || changed
	}

	var states []State
	if changed {
		states = b.statesLocked()
	}
	b.mu.Unlock()

	if changed {
		b.onChange(states)
	}
	return nil
}

func (b *Broadcaster) expire() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	var expired []string
	for replica, existing := range b.remote {
		if now.Sub(existing.receivedAt) > b.timeout {
			delete(b.remote, replica)
			expired = append(expired, replica)
		}
	}
	for replica, gone := range b.removed {
		if now.Sub(gone.at) > b.timeout {
			delete(b.removed, replica)
		}
	}
	b.sweep = b.clock.AfterFunc(b.sweepInterval(), b.expire)
	var states []State
	if len(expired) > 0 {
		states = b.statesLocked()
	}
	b.mu.Unlock()

	if len(expired) > 0 {
		slices.Sort(expired)
		b.logger.Debug("expired stale awareness records", "replicas", expired)
		b.onChange(states)
	}
}

// States returns the local record followed by remote records sorted by
// replica id.
func (b *Broadcaster) States() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statesLocked()
}

func (b *Broadcaster) statesLocked() []State {
	states := make([]State, 0, len(b.remote)+1)
	states = append(states, b.local.state(b.replica, true))
	remote := make([]State, 0, len(b.remote))
	for replica, existing := range b.remote {
		remote = append(remote, existing.state(replica, false))
	}
	slices.SortFunc(remote, func(a, b State) int { return strings.Compare(a.Replica, b.Replica) })
	return append(states, remote...)
}
