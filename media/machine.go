// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/retry"
	"github.com/bureau-foundation/pairspace/transport"
)

// Config configures a Machine.
type Config struct {
	Room        string
	Participant Identity
	ServerURL   string

	Tokens   TokenSource
	Provider Provider
	Devices  CaptureDevice

	Clock  clock.Clock
	Logger *slog.Logger

	// MaxJoinAttempts bounds one joining phase. Default 5.
	MaxJoinAttempts int
	// Backoff spaces join attempts. Its MaxAttempts is ignored.
	Backoff retry.Policy

	// JoinTimeout bounds one token fetch plus conference join.
	JoinTimeout time.Duration
	// OperationTimeout bounds one capture acquire, publish, or
	// unpublish.
	OperationTimeout time.Duration

	// The observers run with the machine's lock held so successive
	// values arrive in order. They must not block or call back into
	// the Machine.
	OnStatus       func(Status)
	OnLocalTracks  func([]LocalTrack)
	OnRemoteTracks func(Roster)
	OnTrackError   func(TrackError)
}

// Machine is one participant's media session.
type Machine struct {
	room             string
	participant      Identity
	serverURL        string
	tokens           TokenSource
	provider         Provider
	devices          CaptureDevice
	clock            clock.Clock
	logger           *slog.Logger
	maxJoinAttempts  int
	policy           retry.Policy
	joinTimeout      time.Duration
	operationTimeout time.Duration
	onStatus         func(Status)
	onLocalTracks    func([]LocalTrack)
	onRemoteTracks   func(Roster)
	onTrackError     func(TrackError)

	// retry wakes a Failed session loop.
	retry chan struct{}
	// stop tells the workers to settle and exit.
	stop    chan struct{}
	workers map[Kind]*trackWorker

	mu           sync.Mutex
	status       Status
	conference   Conference
	participants map[string]Identity
	remote       map[string]Track
	started      bool
	closing      bool
	cancel       context.CancelFunc
	exited       chan struct{}
}

// New validates config and returns an idle Machine.
func New(config Config) (*Machine, error) {
	if config.Room == "" {
		return nil, errors.New("media: room is required")
	}
	if config.Participant.ID == "" {
		return nil, errors.New("media: participant id is required")
	}
	if config.Tokens == nil || config.Provider == nil || config.Devices == nil {
		return nil, errors.New("media: tokens, provider, and devices are required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxJoinAttempts <= 0 {
		config.MaxJoinAttempts = 5
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff = retry.Policy{Initial: 5 * time.Second, Max: 40 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	config.Backoff.MaxAttempts = 0
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 20 * time.Second
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 15 * time.Second
	}
	if config.OnStatus == nil {
		config.OnStatus = func(Status) {}
	}
	if config.OnLocalTracks == nil {
		config.OnLocalTracks = func([]LocalTrack) {}
	}
	if config.OnRemoteTracks == nil {
		config.OnRemoteTracks = func(Roster) {}
	}
	if config.OnTrackError == nil {
		config.OnTrackError = func(TrackError) {}
	}

	m := &Machine{
		room:             config.Room,
		participant:      config.Participant,
		serverURL:        config.ServerURL,
		tokens:           config.Tokens,
		provider:         config.Provider,
		devices:          config.Devices,
		clock:            config.Clock,
		logger:           config.Logger.With("room", config.Room, "participant", config.Participant.ID),
		maxJoinAttempts:  config.MaxJoinAttempts,
		policy:           config.Backoff,
		joinTimeout:      config.JoinTimeout,
		operationTimeout: config.OperationTimeout,
		onStatus:         config.OnStatus,
		onLocalTracks:    config.OnLocalTracks,
		onRemoteTracks:   config.OnRemoteTracks,
		onTrackError:     config.OnTrackError,
		retry:            make(chan struct{}, 1),
		stop:             make(chan struct{}),
		workers:          make(map[Kind]*trackWorker, len(Kinds)),
		participants:     make(map[string]Identity),
		remote:           make(map[string]Track),
		exited:           make(chan struct{}),
	}
	for _, kind := range Kinds {
		m.workers[kind] = newTrackWorker(m, kind)
	}
	return m, nil
}

// Start enters joining and launches the session loop and track
// workers. Calling it twice, or after Close, does nothing.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closing {
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for _, worker := range m.workers {
		go worker.run(m.stop)
	}
	go m.run(ctx)
}

// Close unpublishes every local track, releases every capture, leaves
// the conference, and waits for all goroutines to exit. It is
// idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		<-m.exited
		return
	}
	m.closing = true
	started := m.started
	for _, worker := range m.workers {
		worker.intent = false
	}
	m.emitLocalLocked()
	m.mu.Unlock()

	if !started {
		close(m.exited)
		return
	}

	// Workers settle against the live conference before the session
	// loop is cancelled and leaves it.
	close(m.stop)
	for _, worker := range m.workers {
		<-worker.exited
	}
	m.cancel()
	<-m.exited
}

// Done is closed once Close has finished.
func (m *Machine) Done() <-chan struct{} { return m.exited }

// Toggle flips the intent for kind.
func (m *Machine) Toggle(kind Kind) {
	m.setIntent(kind, func(current bool) bool { return !current })
}

// SetEnabled sets the intent for kind. Repeating the current intent
// does nothing.
func (m *Machine) SetEnabled(kind Kind, enabled bool) {
	m.setIntent(kind, func(bool) bool { return enabled })
}

func (m *Machine) setIntent(kind Kind, next func(bool) bool) {
	worker, ok := m.workers[kind]
	if !ok {
		m.logger.Warn("ignoring toggle for unknown track kind", "kind", kind)
		return
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	intent := next(worker.intent)
	changed := intent != worker.intent
	worker.intent = intent
	if changed {
		m.emitLocalLocked()
	}
	m.mu.Unlock()
	if changed {
		worker.wake()
	}
}

// Retry leaves Failed for another joining phase. It does nothing in
// any other state.
func (m *Machine) Retry() {
	m.mu.Lock()
	failed := m.status.State == Failed
	m.mu.Unlock()
	if !failed {
		return
	}
	select {
	case m.retry <- struct{}{}:
	default:
	}
}

// Status returns the current session status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LocalTracks returns the local track states in Kinds order.
func (m *Machine) LocalTracks() []LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localTracksLocked()
}

// Roster returns the remote participants and their tracks.
func (m *Machine) Roster() Roster {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterLocked()
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.exited)
	defer m.setStatus(Status{State: Idle})

	for {
		conference, err := m.join(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("media session failed", "error", err)
			m.setStatus(Status{State: Failed, Err: err, Attempt: m.maxJoinAttempts})
			select {
			case <-m.retry:
				continue
			case <-ctx.Done():
				return
			}
		}

		err = m.active(ctx, conference)
		m.detach()
		if leaveErr := conference.Leave(); leaveErr != nil {
			m.logger.Warn("leaving conference", "error", leaveErr)
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("conference lost, recovering", "error", err)
		m.setStatus(Status{State: Recovering, Err: err})
	}
}

// join runs one joining phase: up to maxJoinAttempts attempts spaced
// by the backoff policy.
func (m *Machine) join(ctx context.Context) (Conference, error) {
	schedule := m.policy.NewSchedule(m.clock)
	var lastErr error
	for attempt := 1; ; attempt++ {
		m.setStatus(Status{State: Joining, Err: lastErr, Attempt: attempt})
		conference, err := m.joinOnce(ctx)
		if err == nil {
			return conference, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		m.logger.Warn("conference join failed", "attempt", attempt, "error", err)
		if attempt >= m.maxJoinAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrJoinExhausted, attempt, lastErr)
		}
		delay, _ := schedule.Next()
		if err := retry.Sleep(ctx, m.clock, delay); err != nil {
			return nil, err
		}
	}
}

func (m *Machine) joinOnce(ctx context.Context) (Conference, error) {
	ctx, cancel := context.WithTimeout(ctx, m.joinTimeout)
	defer cancel()
	token, err := m.tokens.FetchToken(ctx, m.room, m.participant.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching conference token: %w", err)
	}
	conference, err := m.provider.Join(ctx, m.serverURL, token, m.participant)
	if err != nil {
		return nil, fmt.Errorf("joining conference: %w", err)
	}
	return conference, nil
}

// active pumps conference events until the conference is lost or ctx
// ends.
func (m *Machine) active(ctx context.Context, conference Conference) error {
	m.attach(conference)
	events := conference.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: conference event stream ended", transport.ErrTransient)
			}
			if err := m.handle(event); err != nil {
				return err
			}
		}
	}
}

func (m *Machine) handle(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch event := event.(type) {
	case ParticipantJoined:
		if event.Participant.ID == m.participant.ID {
			return nil
		}
		m.participants[event.Participant.ID] = event.Participant
	case ParticipantLeft:
		delete(m.participants, event.ID)
		for id, track := range m.remote {
			if track.Owner == event.ID {
				delete(m.remote, id)
			}
		}
	case TrackPublished:
		if event.Track.Owner == m.participant.ID {
			return nil
		}
		m.remote[event.Track.PublicationID] = event.Track
	case TrackUnpublished:
		delete(m.remote, event.PublicationID)
	case Disconnected:
		if event.Err == nil {
			return fmt.Errorf("%w: conference disconnected", transport.ErrTransient)
		}
		return event.Err
	default:
		m.logger.Warn("ignoring unknown conference event", "type", fmt.Sprintf("%T", event))
		return nil
	}
	m.onRemoteTracks(m.rosterLocked())
	return nil
}

// attach makes conference current and wakes the workers to apply
// their intents to it.
func (m *Machine) attach(conference Conference) {
	m.mu.Lock()
	m.conference = conference
	m.status = Status{State: Active}
	m.onStatus(m.status)
	m.mu.Unlock()
	m.logger.Info("conference joined")
	for _, worker := range m.workers {
		worker.wake()
	}
}

// detach drops the current conference. Workers release captures for
// publications that lived on it and keep their intents.
func (m *Machine) detach() {
	m.mu.Lock()
	m.conference = nil
	clear(m.participants)
	clear(m.remote)
	m.onRemoteTracks(m.rosterLocked())
	m.mu.Unlock()
	for _, worker := range m.workers {
		worker.wake()
	}
}

func (m *Machine) setStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.onStatus(status)
}

func (m *Machine) emitLocalLocked() {
	m.onLocalTracks(m.localTracksLocked())
}

func (m *Machine) localTracksLocked() []LocalTrack {
	tracks := make([]LocalTrack, 0, len(Kinds))
	for _, kind := range Kinds {
		worker := m.workers[kind]
		tracks = append(tracks, LocalTrack{
			Kind:          kind,
			Enabled:       worker.intent,
			State:         worker.state,
			PublicationID: worker.publication,
		})
	}
	return tracks
}

func (m *Machine) rosterLocked() Roster {
	roster := Roster{
		Participants: make([]Identity, 0, len(m.participants)),
		Tracks:       make([]Track, 0, len(m.remote)),
	}
	for _, participant := range m.participants {
		roster.Participants = append(roster.Participants, participant)
	}
	for _, track := range m.remote {
		roster.Tracks = append(roster.Tracks, track)
	}
	sort.Slice(roster.Participants, func(i, j int) bool {
		return roster.Participants[i].ID < roster.Participants[j].ID
	})
	sort.Slice(roster.Tracks, func(i, j int) bool {
		a, b := roster.Tracks[i], roster.Tracks[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.PublicationID < b.PublicationID
	})
	return roster
}
