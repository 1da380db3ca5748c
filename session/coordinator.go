// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/chat"
	"github.com/bureau-foundation/pairspace/execution"
	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/retry"
	"github.com/bureau-foundation/pairspace/lib/stream"
	"github.com/bureau-foundation/pairspace/media"
	"github.com/bureau-foundation/pairspace/oplog"
	"github.com/bureau-foundation/pairspace/reconciler"
	"github.com/bureau-foundation/pairspace/roster"
	"github.com/bureau-foundation/pairspace/transport"
)

var (
	ErrNotJoined      = errors.New("session: not joined")
	ErrAlreadyJoined  = errors.New("session: already joined")
	ErrClosed         = errors.New("session: coordinator closed")
	ErrMediaDisabled  = errors.New("session: media is not configured")
	ErrNoSandbox      = errors.New("session: execution sandbox is not configured")
	ErrUnknownKind    = errors.New("session: unknown track kind")
	ErrInvalidSession = errors.New("session: invalid session or language id")
)

// Executor runs a program in the remote sandbox.
// *execution.Client implements it.
type Executor interface {
	Execute(ctx context.Context, source, language, stdin string) (execution.Result, error)
}

// SyncSettings tunes every document's reconciler.
type SyncSettings struct {
	HandshakeTimeout time.Duration
	ResyncInterval   time.Duration
	Backoff          retry.Policy
}

// AwarenessSettings tunes every document's broadcaster.
type AwarenessSettings struct {
	Debounce        time.Duration
	LivenessTimeout time.Duration
	Heartbeat       time.Duration
}

// MediaSettings enables the conference leg.
type MediaSettings struct {
	ServerURL string
	Tokens    media.TokenSource
	Provider  media.Provider
	// Devices returns the capture device for the joining participant.
	Devices         func(participant roster.Participant) media.CaptureDevice
	MaxJoinAttempts int
	Backoff         retry.Policy
}

// Config configures a Coordinator. Only Dialer is required.
type Config struct {
	Dialer transport.Dialer

	// Roster, when set, gates Join on membership and supplies display
	// names.
	Roster roster.Source
	// Chat defaults to an in-memory log.
	Chat    chat.Log
	Sandbox Executor
	// Media nil disables the conference leg.
	Media *MediaSettings

	Sync      SyncSettings
	Awareness AwarenessSettings

	Clock  clock.Clock
	Logger *slog.Logger
}

// Document is an observed document state.
type Document struct {
	Session  string
	Language string
	Text     string
}

// Coordinator is one participant's view of one session: the active
// document's store, presence and sync, the media leg, chat, and code
// execution. It owns all of that state; callers observe it through the
// feeds and change it through the methods.
type Coordinator struct {
	dialer        transport.Dialer
	roster        roster.Source
	chat          chat.Log
	sandbox       Executor
	media         *MediaSettings
	syncConf      SyncSettings
	awarenessConf AwarenessSettings
	clock         clock.Clock
	logger        *slog.Logger

	documentFeed   *stream.Feed[Document]
	awarenessFeed  *stream.Feed[[]awareness.State]
	connectionFeed *stream.Feed[reconciler.Status]
	trackFeed      *stream.Feed[media.Roster]
	localTrackFeed *stream.Feed[[]media.LocalTrack]
	mediaFeed      *stream.Feed[media.Status]
	trackErrorFeed *stream.Feed[media.TrackError]

	// lifecycle serializes Join, SwitchDocument, Leave, and Close. It
	// may be held across a reconciler or media shutdown.
	lifecycle sync.Mutex

	// feedMu orders reads of document state with their publication.
	feedMu sync.Mutex

	// mu guards the fields below and is only held briefly, so edits
	// never wait on a teardown.
	mu          sync.RWMutex
	session     string
	participant roster.Participant
	active      *document
	machine     *media.Machine
	closed      bool
}

// New returns an idle Coordinator.
func New(config Config) (*Coordinator, error) {
	if config.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Chat == nil {
		config.Chat = chat.NewMemory(config.Clock)
	}
	if config.Media != nil && (config.Media.Tokens == nil || config.Media.Provider == nil || config.Media.Devices == nil) {
		return nil, errors.New("session: media settings need tokens, provider, and devices")
	}
	return &Coordinator{
		dialer:         config.Dialer,
		roster:         config.Roster,
		chat:           config.Chat,
		sandbox:        config.Sandbox,
		media:          config.Media,
		syncConf:       config.Sync,
		awarenessConf:  config.Awareness,
		clock:          config.Clock,
		logger:         config.Logger,
		documentFeed:   stream.New[Document](),
		awarenessFeed:  stream.New[[]awareness.State](),
		connectionFeed: stream.New[reconciler.Status](),
		trackFeed:      stream.New[media.Roster](),
		localTrackFeed: stream.New[[]media.LocalTrack](),
		mediaFeed:      stream.New[media.Status](),
		trackErrorFeed: stream.New[media.TrackError](),
	}, nil
}

// Join enters session as participant with language's document open.
// With a roster configured the participant must be a member; a blank
// display name is filled from the roster, then from the id.
func (c *Coordinator) Join(ctx context.Context, sessionID string, participant roster.Participant, language string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	closed, joined := c.closed, c.session != ""
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if joined {
		return ErrAlreadyJoined
	}
	if participant.ID == "" {
		return fmt.Errorf("%w: participant id is required", ErrInvalidSession)
	}
	if err := (transport.Key{Session: sessionID, Document: language}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if c.roster != nil {
		member, err := roster.Lookup(ctx, c.roster, sessionID, participant.ID)
		if err != nil {
			return fmt.Errorf("joining %s: %w", sessionID, err)
		}
		if participant.DisplayName == "" {
			participant.DisplayName = member.DisplayName
		}
	}
	if participant.DisplayName == "" {
		participant.DisplayName = participant.ID
	}

	logger := c.logger.With("session", sessionID, "participant", participant.ID)
	doc, err := c.openDocument(sessionID, participant, language)
	if err != nil {
		return err
	}

	var machine *media.Machine
	if c.media != nil {
		machine, err = c.newMediaMachine(sessionID, participant)
		if err != nil {
			doc.close()
			return err
		}
	}

	c.mu.Lock()
	c.session = sessionID
	c.participant = participant
	c.active = doc
	c.machine = machine
	c.mu.Unlock()

	doc.start()
	if machine != nil {
		machine.Start()
	}
	c.publishActive(doc)
	logger.Info("joined session", "language", language, "replica", doc.replica)
	return nil
}

// SwitchDocument tears down the active document and opens language's.
// The old reconciler has exited before the new one dials. Switching to
// the active language does nothing.
func (c *Coordinator) SwitchDocument(language string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	sessionID, participant, old := c.session, c.participant, c.active
	c.mu.RUnlock()
	if old == nil {
		return ErrNotJoined
	}
	if old.key.Document == language {
		return nil
	}
	if err := (transport.Key{Session: sessionID, Document: language}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	doc, err := c.openDocument(sessionID, participant, language)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	old.close()

	c.mu.Lock()
	c.active = doc
	c.mu.Unlock()
	doc.start()
	c.publishActive(doc)
	c.logger.Info("switched document",
		"session", sessionID,
		"from", old.key.Document,
		"to", language,
		"replica", doc.replica,
	)
	return nil
}

// Leave unwinds everything Join built: the document's sync and
// presence, every local track and capture, and the conference. The
// feeds are reset to their empty values. Leaving when not joined does
// nothing.
func (c *Coordinator) Leave() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.leaveLocked()
}

func (c *Coordinator) leaveLocked() {
	c.mu.Lock()
	sessionID := c.session
	doc, machine := c.active, c.machine
	c.session = ""
	c.participant = roster.Participant{}
	c.active = nil
	c.machine = nil
	c.mu.Unlock()
	if sessionID == "" {
		return
	}

	if doc != nil {
		doc.close()
	}
	if machine != nil {
		machine.Close()
	}

	c.documentFeed.Publish(Document{})
	c.awarenessFeed.Publish(nil)
	c.connectionFeed.Publish(reconciler.Status{State: reconciler.Disconnected})
	c.trackFeed.Publish(media.Roster{})
	c.localTrackFeed.Publish(nil)
	c.mediaFeed.Publish(media.Status{State: media.Idle})
	c.logger.Info("left session", "session", sessionID)
}

// Close leaves the session and closes every feed. It is idempotent.
func (c *Coordinator) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.leaveLocked()

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	c.documentFeed.Close()
	c.awarenessFeed.Close()
	c.connectionFeed.Close()
	c.trackFeed.Close()
	c.localTrackFeed.Close()
	c.mediaFeed.Close()
	c.trackErrorFeed.Close()
}

// current returns the active document without waiting on lifecycle
// changes.
func (c *Coordinator) current() (*document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil, ErrNotJoined
	}
	return c.active, nil
}

// ApplyEdit applies edit locally and queues it for peers. It fails
// only for an edit that is out of range or empty, or when not joined;
// it never waits on the network.
func (c *Coordinator) ApplyEdit(edit oplog.Edit) error {
	doc, err := c.current()
	if err != nil {
		return err
	}
	op, err := doc.store.ApplyLocal(edit)
	if err != nil {
		return err
	}
	doc.reconciler.Publish(op)
	doc.presence.NoteLocalEdit()
	c.publishDocument(doc)
	return nil
}

// SetLocalAwareness sets one field of the local presence record.
func (c *Coordinator) SetLocalAwareness(field awareness.Field, value any) error {
	doc, err := c.current()
	if err != nil {
		return err
	}
	return doc.presence.SetLocalField(field, value)
}

// SetCursor publishes the local caret position.
func (c *Coordinator) SetCursor(cursor awareness.Cursor) error {
	doc, err := c.current()
	if err != nil {
		return err
	}
	return doc.presence.SetCursor(cursor)
}

// Snapshot returns the active document.
func (c *Coordinator) Snapshot() (Document, error) {
	doc, err := c.current()
	if err != nil {
		return Document{}, err
	}
	return doc.snapshot(), nil
}

// Roster returns the session's members. Without a configured roster it
// is just the local participant.
func (c *Coordinator) Roster(ctx context.Context) ([]roster.Participant, error) {
	c.mu.RLock()
	sessionID, participant := c.session, c.participant
	c.mu.RUnlock()
	if sessionID == "" {
		return nil, ErrNotJoined
	}
	if c.roster == nil {
		return []roster.Participant{participant}, nil
	}
	return c.roster.Members(ctx, sessionID)
}

// ToggleTrack flips the local intent for kind.
func (c *Coordinator) ToggleTrack(kind media.Kind) error {
	machine, err := c.mediaMachine()
	if err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	machine.Toggle(kind)
	return nil
}

// RetryMedia re-enters joining after the media leg failed.
func (c *Coordinator) RetryMedia() error {
	machine, err := c.mediaMachine()
	if err != nil {
		return err
	}
	machine.Retry()
	return nil
}

func (c *Coordinator) mediaMachine() (*media.Machine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == "" {
		return nil, ErrNotJoined
	}
	if c.machine == nil {
		return nil, ErrMediaDisabled
	}
	return c.machine, nil
}

// Execute runs the active document in the sandbox, in the document's
// language, with stdin.
func (c *Coordinator) Execute(ctx context.Context, stdin string) (execution.Result, error) {
	if c.sandbox == nil {
		return execution.Result{}, ErrNoSandbox
	}
	doc, err := c.current()
	if err != nil {
		return execution.Result{}, err
	}
	return c.sandbox.Execute(ctx, doc.store.Snapshot(), doc.key.Document, stdin)
}

// SendChat appends text to the session's chat as the local
// participant.
func (c *Coordinator) SendChat(ctx context.Context, text string) (chat.Message, error) {
	c.mu.RLock()
	sessionID, participant := c.session, c.participant
	c.mu.RUnlock()
	if sessionID == "" {
		return chat.Message{}, ErrNotJoined
	}
	return c.chat.Append(ctx, chat.Message{
		Session:    sessionID,
		Author:     participant.ID,
		AuthorName: participant.Name(),
		Text:       text,
	})
}

// ChatHistory returns up to limit of the newest chat messages, oldest
// first.
func (c *Coordinator) ChatHistory(ctx context.Context, limit int) ([]chat.Message, error) {
	c.mu.RLock()
	sessionID := c.session
	c.mu.RUnlock()
	if sessionID == "" {
		return nil, ErrNotJoined
	}
	return c.chat.History(ctx, sessionID, limit)
}

// DocumentChanged subscribes to the active document's text.
func (c *Coordinator) DocumentChanged() *stream.Subscription[Document] {
	return c.documentFeed.Subscribe()
}

// AwarenessChanged subscribes to the merged presence of every replica
// on the active document, local first.
func (c *Coordinator) AwarenessChanged() *stream.Subscription[[]awareness.State] {
	return c.awarenessFeed.Subscribe()
}

// ConnectionStatusChanged subscribes to the active document's sync
// state.
func (c *Coordinator) ConnectionStatusChanged() *stream.Subscription[reconciler.Status] {
	return c.connectionFeed.Subscribe()
}

// TrackRosterChanged subscribes to remote participants and their
// tracks.
func (c *Coordinator) TrackRosterChanged() *stream.Subscription[media.Roster] {
	return c.trackFeed.Subscribe()
}

// LocalTracksChanged subscribes to the local track states.
func (c *Coordinator) LocalTracksChanged() *stream.Subscription[[]media.LocalTrack] {
	return c.localTrackFeed.Subscribe()
}

// MediaStatusChanged subscribes to the conference lifecycle.
func (c *Coordinator) MediaStatusChanged() *stream.Subscription[media.Status] {
	return c.mediaFeed.Subscribe()
}

// TrackErrors subscribes to the latest track failure.
func (c *Coordinator) TrackErrors() *stream.Subscription[media.TrackError] {
	return c.trackErrorFeed.Subscribe()
}

// publishDocument publishes doc's text if doc is still active, so a
// late callback from a torn-down document cannot overwrite the feed.
// The text is read under feedMu so concurrent publishers cannot
// reorder an older snapshot after a newer one.
func (c *Coordinator) publishDocument(doc *document) {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	if c.isActive(doc) {
		c.documentFeed.Publish(doc.snapshot())
	}
}

// publishPresence is publishDocument for the awareness feed.
func (c *Coordinator) publishPresence(doc *document) {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	if c.isActive(doc) {
		c.awarenessFeed.Publish(doc.presence.States())
	}
}

// publishActive refreshes the document and awareness feeds from a
// document that just became active. Its reconciler reports status
// itself: it starts only after the document is active.
func (c *Coordinator) publishActive(doc *document) {
	c.publishDocument(doc)
	c.publishPresence(doc)
}

func (c *Coordinator) newMediaMachine(sessionID string, participant roster.Participant) (*media.Machine, error) {
	return media.New(media.Config{
		Room:            sessionID,
		Participant:     media.Identity{ID: participant.ID, DisplayName: participant.Name()},
		ServerURL:       c.media.ServerURL,
		Tokens:          c.media.Tokens,
		Provider:        c.media.Provider,
		Devices:         c.media.Devices(participant),
		Clock:           c.clock,
		Logger:          c.logger,
		MaxJoinAttempts: c.media.MaxJoinAttempts,
		Backoff:         c.media.Backoff,
		OnStatus:        c.mediaFeed.Publish,
		OnLocalTracks:   c.localTrackFeed.Publish,
		OnRemoteTracks:  c.trackFeed.Publish,
		OnTrackError:    c.trackErrorFeed.Publish,
	})
}
