// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/retry"
	"github.com/bureau-foundation/pairspace/lib/testutil"
	"github.com/bureau-foundation/pairspace/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeTokens struct {
	mu       sync.Mutex
	failures int
	rooms    []string
}

func (f *fakeTokens) FetchToken(_ context.Context, room, participant string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, room)
	if f.failures > 0 {
		f.failures--
		return "", errors.New("token service unavailable")
	}
	return "token-" + participant, nil
}

type fakeProvider struct {
	mu          sync.Mutex
	failures    int
	gate        chan struct{}
	conferences []*fakeConference
}

func (p *fakeProvider) Join(_ context.Context, _, token string, _ Identity) (Conference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, fmt.Errorf("%w: conference unreachable", transport.ErrTransient)
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	conference := &fakeConference{
		events:    make(chan Event, 16),
		started:   make(chan Kind, 16),
		gate:      p.gate,
		gone:      make(chan struct{}),
		published: make(map[string]Kind),
	}
	p.conferences = append(p.conferences, conference)
	return conference, nil
}

func (p *fakeProvider) setFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func (p *fakeProvider) joined() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conferences)
}

func (p *fakeProvider) conference(i int) *fakeConference {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conferences[i]
}

type fakeConference struct {
	events chan Event
	// started receives the kind of every Publish call before the gate.
	started chan Kind
	gate    chan struct{}
	// gone is closed by Leave and fails publishes still at the gate.
	gone chan struct{}

	mu           sync.Mutex
	published    map[string]Kind
	publishes    int
	unpublished  []string
	unpublishErr error
	left         bool
}

func (c *fakeConference) Events() <-chan Event { return c.events }

func (c *fakeConference) Publish(ctx context.Context, kind Kind, capture Capture) (string, error) {
	c.started <- kind
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.gone:
			return "", errors.New("conference left")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if capture.Kind() != kind {
		return "", fmt.Errorf("capture kind %s for %s", capture.Kind(), kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes++
	id := fmt.Sprintf("%s-%d", kind, c.publishes)
	c.published[id] = kind
	return id, nil
}

func (c *fakeConference) Unpublish(_ context.Context, publication string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpublished = append(c.unpublished, publication)
	if c.unpublishErr != nil {
		return c.unpublishErr
	}
	delete(c.published, publication)
	return nil
}

func (c *fakeConference) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.left {
		close(c.gone)
	}
	c.left = true
	return nil
}

func (c *fakeConference) live() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kinds []Kind
	for _, kind := range c.published {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (c *fakeConference) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishes
}

func (c *fakeConference) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

type mediaHarness struct {
	machine     *Machine
	fake        *clock.FakeClock
	tokens      *fakeTokens
	provider    *fakeProvider
	device      *SyntheticDevice
	trackErrors chan TrackError
	rosters     chan Roster
}

func newMediaHarness(t *testing.T, configure func(*mediaHarness)) *mediaHarness {
	t.Helper()
	h := &mediaHarness{
		fake:     clock.Fake(epoch),
		tokens:   &fakeTokens{},
		provider: &fakeProvider{},
		// The device's own clock never advances, so the generated
		// streams stay idle.
		device:      NewSyntheticDevice("alice", clock.Fake(epoch)),
		trackErrors: make(chan TrackError, 16),
		rosters:     make(chan Roster, 64),
	}
	if configure != nil {
		configure(h)
	}
	machine, err := New(Config{
		Room:            "interview",
		Participant:     Identity{ID: "alice", DisplayName: "Alice"},
		ServerURL:       "https://conference.example",
		Tokens:          h.tokens,
		Provider:        h.provider,
		Devices:         h.device,
		Clock:           h.fake,
		Logger:          testLogger(),
		MaxJoinAttempts: 3,
		Backoff:         retry.Policy{Initial: time.Second, Max: time.Second, Multiplier: 2},
		OnTrackError: func(trackError TrackError) {
			h.trackErrors <- trackError
		},
		OnRemoteTracks: func(roster Roster) {
			select {
			case h.rosters <- roster:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.machine = machine
	t.Cleanup(machine.Close)
	return h
}

func (h *mediaHarness) waitState(t *testing.T, state SessionState) {
	t.Helper()
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return h.machine.Status().State == state
	}, "waiting for session state %s, have %s", state, h.machine.Status().State)
}

func (h *mediaHarness) waitTrack(t *testing.T, kind Kind, state TrackState) LocalTrack {
	t.Helper()
	var found LocalTrack
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		for _, track := range h.machine.LocalTracks() {
			if track.Kind == kind && track.State == state {
				found = track
				return true
			}
		}
		return false
	}, "waiting for %s track to be %s", kind, state)
	return found
}

func TestMachine_JoinLeavesTracksDisabled(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)

	for _, track := range h.machine.LocalTracks() {
		if track.Enabled || track.State != Unpublished {
			t.Errorf("%s track = %+v after join, want disabled and unpublished", track.Kind, track)
		}
	}
	if count := h.provider.conference(0).publishCount(); count != 0 {
		t.Errorf("publishes after join = %d, want 0", count)
	}
	if rooms := h.tokens.rooms; len(rooms) != 1 || rooms[0] != "interview" {
		t.Errorf("token requests = %v, want one for interview", rooms)
	}
}

func TestMachine_TogglePublishesAndReleases(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)

	h.machine.Toggle(Video)
	published := h.waitTrack(t, Video, Published)
	if !published.Enabled || published.PublicationID == "" {
		t.Fatalf("published video = %+v", published)
	}
	if !h.device.Held(Video) {
		t.Fatal("video capture not held while published")
	}

	h.machine.Toggle(Video)
	h.waitTrack(t, Video, Unpublished)
	if h.device.Held(Video) {
		t.Error("video capture still held after disabling")
	}
	if live := h.provider.conference(0).live(); len(live) != 0 {
		t.Errorf("conference still carries %v", live)
	}
}

func TestMachine_CameraOffBeforePublishResolves(t *testing.T) {
	gate := make(chan struct{})
	h := newMediaHarness(t, func(h *mediaHarness) { h.provider.gate = gate })
	h.machine.Start()
	h.waitState(t, Active)
	conference := h.provider.conference(0)

	h.machine.Toggle(Video)
	testutil.RequireReceive(t, conference.started, 5*time.Second, "waiting for publish to start")
	if state := h.machine.LocalTracks()[1].State; state != Publishing {
		t.Fatalf("video state while publish in flight = %s, want publishing", state)
	}

	h.machine.Toggle(Video)
	close(gate)

	track := h.waitTrack(t, Video, Unpublished)
	if track.Enabled {
		t.Error("video intent still enabled")
	}
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return !h.device.Held(Video)
	}, "video capture never released")
	if live := conference.live(); len(live) != 0 {
		t.Errorf("conference still carries %v", live)
	}
	if count := conference.publishCount(); count != 1 {
		t.Errorf("publishes = %d, want 1", count)
	}
}

func TestMachine_ToggleBurstSettlesOnLatestIntent(t *testing.T) {
	gate := make(chan struct{})
	h := newMediaHarness(t, func(h *mediaHarness) { h.provider.gate = gate })
	h.machine.Start()
	h.waitState(t, Active)
	conference := h.provider.conference(0)

	h.machine.Toggle(Audio)
	testutil.RequireReceive(t, conference.started, 5*time.Second, "waiting for publish to start")
	h.machine.Toggle(Audio)
	h.machine.Toggle(Audio)
	h.machine.SetEnabled(Audio, true)
	close(gate)

	track := h.waitTrack(t, Audio, Published)
	if !track.Enabled {
		t.Error("audio intent lost")
	}
	testutil.RequireNoReceive(t, conference.started, 50*time.Millisecond, "a second publish started")
	if live := conference.live(); len(live) != 1 || live[0] != Audio {
		t.Errorf("conference carries %v, want exactly one audio track", live)
	}
	if !h.device.Held(Audio) {
		t.Error("audio capture not held while published")
	}
}

func TestMachine_UnpublishFailureStillReleasesCapture(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)
	conference := h.provider.conference(0)

	h.machine.Toggle(Audio)
	h.waitTrack(t, Audio, Published)

	conference.mu.Lock()
	conference.unpublishErr = errors.New("sfu rejected unpublish")
	conference.mu.Unlock()

	h.machine.Toggle(Audio)
	h.waitTrack(t, Audio, Unpublished)
	if h.device.Held(Audio) {
		t.Error("audio capture still held after failed unpublish")
	}
	trackError := testutil.RequireReceive(t, h.trackErrors, 5*time.Second, "waiting for track error")
	if trackError.Kind != Audio || trackError.Op != "unpublish" {
		t.Errorf("track error = %+v, want audio unpublish", trackError)
	}
}

func TestMachine_CaptureUnavailable(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.device.SetUnavailable(Video, true)
	h.machine.Start()
	h.waitState(t, Active)

	h.machine.Toggle(Video)
	trackError := testutil.RequireReceive(t, h.trackErrors, 5*time.Second, "waiting for track error")
	if !errors.Is(&trackError, ErrCaptureUnavailable) {
		t.Errorf("track error %v does not wrap ErrCaptureUnavailable", &trackError)
	}
	if trackError.Op != "acquire" {
		t.Errorf("track error op = %q, want acquire", trackError.Op)
	}
	track := h.waitTrack(t, Video, Unpublished)
	if track.Enabled {
		t.Error("video intent still enabled after capture failure")
	}
	if count := h.provider.conference(0).publishCount(); count != 0 {
		t.Errorf("publishes = %d, want 0", count)
	}
}

func TestMachine_JoinExhaustedThenRetry(t *testing.T) {
	h := newMediaHarness(t, func(h *mediaHarness) { h.provider.failures = 3 })
	h.machine.Start()

	for attempt := 1; attempt < 3; attempt++ {
		h.fake.WaitForTimers(1)
		if status := h.machine.Status(); status.State != Joining || status.Attempt != attempt {
			t.Fatalf("status during backoff = %+v, want joining attempt %d", status, attempt)
		}
		h.fake.Advance(time.Second)
	}
	h.waitState(t, Failed)
	status := h.machine.Status()
	if !errors.Is(status.Err, ErrJoinExhausted) {
		t.Fatalf("failed status error = %v, want ErrJoinExhausted", status.Err)
	}
	if !errors.Is(status.Err, transport.ErrTransient) {
		t.Errorf("failed status error = %v, want the last join error wrapped", status.Err)
	}

	h.provider.setFailures(0)
	h.machine.Retry()
	h.waitState(t, Active)
	if joined := h.provider.joined(); joined != 1 {
		t.Errorf("conferences joined = %d, want 1", joined)
	}
}

func TestMachine_RetryIgnoredUnlessFailed(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)
	h.machine.Retry()
	if state := h.machine.Status().State; state != Active {
		t.Errorf("state after Retry = %s, want active", state)
	}
	if joined := h.provider.joined(); joined != 1 {
		t.Errorf("conferences joined = %d, want 1", joined)
	}
}

func TestMachine_DisconnectRecoversAndReappliesIntent(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)
	first := h.provider.conference(0)

	h.machine.Toggle(Audio)
	h.waitTrack(t, Audio, Published)

	first.events <- Disconnected{Err: fmt.Errorf("%w: ice failed", transport.ErrTransient)}

	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return h.provider.joined() == 2
	}, "waiting for rejoin")
	second := h.provider.conference(1)
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		live := second.live()
		return len(live) == 1 && live[0] == Audio
	}, "audio not republished on the new conference")
	h.waitState(t, Active)

	if !first.hasLeft() {
		t.Error("lost conference was not left")
	}
	if live := first.live(); len(live) != 1 {
		t.Errorf("lost conference saw an unpublish; live = %v", live)
	}
	track := h.waitTrack(t, Audio, Published)
	if !track.Enabled || !h.device.Held(Audio) {
		t.Errorf("audio after recovery = %+v, held = %v", track, h.device.Held(Audio))
	}
}

func TestMachine_DisconnectDuringPublishKeepsIntent(t *testing.T) {
	gate := make(chan struct{})
	h := newMediaHarness(t, func(h *mediaHarness) { h.provider.gate = gate })
	h.machine.Start()
	h.waitState(t, Active)
	first := h.provider.conference(0)

	h.machine.Toggle(Video)
	testutil.RequireReceive(t, first.started, 5*time.Second, "waiting for publish to start")

	first.events <- Disconnected{Err: fmt.Errorf("%w: ice failed", transport.ErrTransient)}

	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return h.provider.joined() == 2
	}, "waiting for rejoin")
	second := h.provider.conference(1)
	kind := testutil.RequireReceive(t, second.started, 5*time.Second, "video not requested on the new conference")
	if kind != Video {
		t.Fatalf("republished kind = %s, want video", kind)
	}
	close(gate)

	track := h.waitTrack(t, Video, Published)
	if !track.Enabled {
		t.Error("video intent lost across recovery")
	}
	if !h.device.Held(Video) {
		t.Error("video capture not held after republish")
	}
	if count := first.publishCount(); count != 0 {
		t.Errorf("lost conference publishes = %d, want 0", count)
	}
	select {
	case trackError := <-h.trackErrors:
		t.Errorf("unexpected track error %v", &trackError)
	default:
	}
}

func TestMachine_RemoteRoster(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)
	conference := h.provider.conference(0)

	conference.events <- ParticipantJoined{Participant: Identity{ID: "bob", DisplayName: "Bob"}}
	conference.events <- TrackPublished{Track: Track{Kind: Video, Owner: "bob", PublicationID: "bob-video", Enabled: true}}
	conference.events <- TrackPublished{Track: Track{Kind: Audio, Owner: "bob", PublicationID: "bob-audio", Enabled: true}}
	conference.events <- TrackPublished{Track: Track{Kind: Audio, Owner: "alice", PublicationID: "echo"}}

	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return len(h.machine.Roster().Tracks) == 2
	}, "waiting for remote tracks")
	roster := h.machine.Roster()
	if len(roster.Participants) != 1 || roster.Participants[0].Name() != "Bob" {
		t.Errorf("participants = %+v, want Bob", roster.Participants)
	}
	if roster.Tracks[0].Kind != Audio || roster.Tracks[1].Kind != Video {
		t.Errorf("tracks = %+v, want bob's audio then video", roster.Tracks)
	}

	conference.events <- TrackUnpublished{Owner: "bob", PublicationID: "bob-video"}
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return len(h.machine.Roster().Tracks) == 1
	}, "waiting for video unpublish")

	conference.events <- ParticipantLeft{ID: "bob"}
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		roster := h.machine.Roster()
		return len(roster.Tracks) == 0 && len(roster.Participants) == 0
	}, "waiting for bob to leave the roster")
}

func TestMachine_CloseUnpublishesReleasesAndLeaves(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Start()
	h.waitState(t, Active)
	conference := h.provider.conference(0)

	h.machine.Toggle(Audio)
	h.machine.Toggle(Video)
	h.waitTrack(t, Audio, Published)
	h.waitTrack(t, Video, Published)

	h.machine.Close()
	testutil.RequireClosed(t, h.machine.Done(), time.Second)

	if live := conference.live(); len(live) != 0 {
		t.Errorf("conference still carries %v after Close", live)
	}
	if h.device.Held(Audio) || h.device.Held(Video) {
		t.Error("captures held after Close")
	}
	if !conference.hasLeft() {
		t.Error("conference not left")
	}
	if state := h.machine.Status().State; state != Idle {
		t.Errorf("state after Close = %s, want idle", state)
	}

	// Toggles after Close are ignored.
	h.machine.Toggle(Audio)
	if h.machine.LocalTracks()[0].Enabled {
		t.Error("toggle after Close changed intent")
	}
}

func TestMachine_CloseBeforeStart(t *testing.T) {
	h := newMediaHarness(t, nil)
	h.machine.Close()
	testutil.RequireClosed(t, h.machine.Done(), time.Second)
	h.machine.Start()
	if joined := h.provider.joined(); joined != 0 {
		t.Errorf("joined %d conferences after Close", joined)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Room: "interview", Participant: Identity{ID: "alice"}})
	if err == nil {
		t.Fatal("New without collaborators succeeded")
	}
}
