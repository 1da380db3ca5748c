// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/retry"
	"github.com/bureau-foundation/pairspace/oplog"
	"github.com/bureau-foundation/pairspace/transport"
)

// maxQueuedAwareness bounds awareness updates held while offline. The
// heartbeat and the announce after reconnect restore anything dropped.
const maxQueuedAwareness = 32

// sendTimeout bounds one frame write once connected.
const sendTimeout = 10 * time.Second

// drainTimeout bounds the final flush on Close.
const drainTimeout = time.Second

// Presence is the awareness side of a document: the reconciler feeds it
// inbound updates and asks it to re-announce after each reconnect.
// *awareness.Broadcaster implements it.
type Presence interface {
	ApplyRemote(update awareness.Update) error
	Announce()
}

// Config configures a Reconciler.
type Config struct {
	Key    transport.Key
	Store  *oplog.Store
	Dialer transport.Dialer

	// Presence is optional.
	Presence Presence

	Clock  clock.Clock
	Logger *slog.Logger

	HandshakeTimeout time.Duration
	ResyncInterval   time.Duration
	Backoff          retry.Policy

	// OnStatus receives every transition. It runs on the reconciler's
	// goroutine and must not block.
	OnStatus func(Status)

	// OnRemoteChange runs after inbound operations change the document,
	// on the reconciler's goroutine.
	OnRemoteChange func()
}

// Reconciler syncs one document over one transport key.
type Reconciler struct {
	key              transport.Key
	store            *oplog.Store
	dialer           transport.Dialer
	presence         Presence
	clock            clock.Clock
	logger           *slog.Logger
	handshakeTimeout time.Duration
	resyncInterval   time.Duration
	policy           retry.Policy
	onStatus         func(Status)
	onRemoteChange   func()

	// wake tells the loop the outbox grew.
	wake chan struct{}

	mu           sync.Mutex
	outbox       []oplog.Operation
	awarenessOut []awareness.Update
	status       Status
	started      bool
	cancel       context.CancelFunc
	exited       chan struct{}

	// awarenessTrimmed counts updates ever dropped from the front of
	// awarenessOut by overflow. Guarded by mu.
	awarenessTrimmed uint64
}

// New validates config and returns a stopped Reconciler.
func New(config Config) (*Reconciler, error) {
	if err := config.Key.Validate(); err != nil {
		return nil, err
	}
	if config.Store == nil {
		return nil, errors.New("reconciler: store is required")
	}
	if config.Store.Document() != config.Key.Document {
		return nil, fmt.Errorf("reconciler: store holds %q but key names %q", config.Store.Document(), config.Key.Document)
	}
	if config.Dialer == nil {
		return nil, errors.New("reconciler: dialer is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = 2 * time.Second
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff = retry.Policy{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	if config.OnStatus == nil {
		config.OnStatus = func(Status) {}
	}
	if config.OnRemoteChange == nil {
		config.OnRemoteChange = func() {}
	}
	return &Reconciler{
		key:              config.Key,
		store:            config.Store,
		dialer:           config.Dialer,
		presence:         config.Presence,
		clock:            config.Clock,
		logger:           config.Logger.With("session", config.Key.Session, "document", config.Key.Document),
		handshakeTimeout: config.HandshakeTimeout,
		resyncInterval:   config.ResyncInterval,
		policy:           config.Backoff,
		onStatus:         config.OnStatus,
		onRemoteChange:   config.OnRemoteChange,
		wake:             make(chan struct{}, 1),
		exited:           make(chan struct{}),
	}, nil
}

// Key returns the transport key this reconciler syncs.
func (r *Reconciler) Key() transport.Key { return r.key }

// Start launches the connection loop. Calling it twice, or after
// Close, does nothing.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Close stops the loop, releases the channel, and waits for the loop
// to exit. It is idempotent.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if !r.started {
		r.started = true
		close(r.exited)
	}
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-r.exited
}

// Done is closed once the loop has exited after Close.
func (r *Reconciler) Done() <-chan struct{} { return r.exited }

// Publish queues a local operation for transmission. It never blocks;
// the operation is already applied to the store.
func (r *Reconciler) Publish(op oplog.Operation) {
	r.mu.Lock()
	r.outbox = append(r.outbox, op)
	r.mu.Unlock()
	r.notify()
}

// PublishAwareness queues a local awareness update. While offline only
// the newest few are kept.
func (r *Reconciler) PublishAwareness(update awareness.Update) {
	r.mu.Lock()
	r.awarenessOut = append(r.awarenessOut, update)
	if overflow := len(r.awarenessOut) - maxQueuedAwareness; overflow > 0 {
		r.awarenessOut = append(r.awarenessOut[:0], r.awarenessOut[overflow:]...)
		r.awarenessTrimmed += uint64(overflow)
	}
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Status returns the latest transition.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status
	status.Queued = len(r.outbox)
	return status
}

func (r *Reconciler) setState(state State, err error, attempt int) {
	r.mu.Lock()
	r.status = Status{State: state, Err: err, Attempt: attempt, Queued: len(r.outbox)}
	status := r.status
	r.mu.Unlock()

	if err != nil {
		r.logger.Info("sync state changed", "state", state.String(), "attempt", attempt, "error", err)
	} else {
		r.logger.Debug("sync state changed", "state", state.String(), "attempt", attempt)
	}
	r.onStatus(status)
}

// run owns every transition. It exits only when ctx is cancelled.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.exited)
	defer r.setState(Disconnected, nil, 0)

	schedule := r.policy.NewSchedule(r.clock)
	for {
		r.setState(Connecting, nil, schedule.Attempts())
		channel, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.setState(Disconnected, err, schedule.Attempts()+1)
			if !r.backoff(ctx, schedule) {
				return
			}
			continue
		}

		schedule.Reset()
		r.setState(Connected, nil, 0)
		err = r.stream(ctx, channel)
		channel.Close()
		if ctx.Err() != nil {
			return
		}
		r.setState(Degraded, err, 1)
		if !r.backoff(ctx, schedule) {
			return
		}
	}
}

// backoff waits out the next delay and reports whether to try again.
func (r *Reconciler) backoff(ctx context.Context, schedule *retry.Schedule) bool {
	delay, ok := schedule.Next()
	if !ok {
		// Sync has no terminal state: restart the curve at its cap.
		schedule.Reset()
		delay = r.policy.Max
	}
	return retry.Sleep(ctx, r.clock, delay) == nil
}

// connect dials and completes the handshake within the timeout.
func (r *Reconciler) connect(ctx context.Context) (transport.Channel, error) {
	handshakeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	deadline := r.clock.AfterFunc(r.handshakeTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer deadline.Stop()

	channel, err := r.dialer.Dial(handshakeCtx, r.key)
	if err != nil {
		if timedOut.Load() {
			return nil, fmt.Errorf("%w: dial did not finish within %s", transport.ErrTransient, r.handshakeTimeout)
		}
		return nil, err
	}

	hello := transport.SyncStep1{Summary: r.store.Summary(), Handshake: true}
	if err := channel.Send(handshakeCtx, hello); err != nil {
		channel.Close()
		return nil, fmt.Errorf("%w: sending handshake: %v", transport.ErrTransient, err)
	}

	for {
		select {
		case message, ok := <-channel.Receive():
			if !ok {
				channel.Close()
				return nil, fmt.Errorf("%w: channel closed during handshake: %v", transport.ErrTransient, channel.Err())
			}
			complete, err := r.handle(handshakeCtx, channel, message)
			if err != nil {
				channel.Close()
				return nil, err
			}
			if complete {
				return channel, nil
			}
		case <-handshakeCtx.Done():
			channel.Close()
			if timedOut.Load() {
				return nil, fmt.Errorf("%w: handshake did not finish within %s", transport.ErrTransient, r.handshakeTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// stream runs the connected state until the channel fails or ctx ends.
func (r *Reconciler) stream(ctx context.Context, channel transport.Channel) error {
	ticker := r.clock.NewTicker(r.resyncInterval)
	defer ticker.Stop()

	if r.presence != nil {
		r.presence.Announce()
	}
	if err := r.flush(ctx, channel); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			r.drain(channel)
			return nil
		case message, ok := <-channel.Receive():
			if !ok {
				return fmt.Errorf("%w: %v", transport.ErrTransient, channel.Err())
			}
			if _, err := r.handle(ctx, channel, message); err != nil {
				return err
			}
		case <-r.wake:
			if err := r.flush(ctx, channel); err != nil {
				return err
			}
		case <-ticker.C:
			if err := r.send(ctx, channel, transport.SyncStep1{Summary: r.store.Summary()}); err != nil {
				return err
			}
		}
	}
}

// flush sends queued operations, then queued awareness. Entries leave
// the queues only once written.
func (r *Reconciler) flush(ctx context.Context, channel transport.Channel) error {
	ops, updates, mark := r.queued()

	for index, op := range ops {
		if err := r.send(ctx, channel, transport.Update{Operation: op}); err != nil {
			r.dequeue(index, 0, mark)
			return err
		}
	}
	for index, update := range updates {
		if err := r.send(ctx, channel, transport.AwarenessUpdate{Update: update}); err != nil {
			r.dequeue(len(ops), index, mark)
			return err
		}
	}
	r.dequeue(len(ops), len(updates), mark)
	return nil
}

// queued copies both queues along with the awareness trim count at the
// time of the copy.
func (r *Reconciler) queued() ([]oplog.Operation, []awareness.Update, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := append([]oplog.Operation(nil), r.outbox...)
	updates := append([]awareness.Update(nil), r.awarenessOut...)
	return ops, updates, r.awarenessTrimmed
}

// drain makes a last bounded attempt to send what is queued, so a
// farewell queued just before Close still reaches peers.
func (r *Reconciler) drain(channel transport.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := r.flush(ctx, channel); err != nil {
		r.logger.Debug("final flush incomplete", "error", err)
	}
}

// dequeue drops the first ops operations and the first updates
// awareness updates of a copy taken by queued. The operation queue only
// grows at the back. Awareness entries trimmed by overflow since mark
// were part of the copy and are already gone.
func (r *Reconciler) dequeue(ops, updates int, mark uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = append(r.outbox[:0], r.outbox[ops:]...)
	updates -= int(min(r.awarenessTrimmed-mark, uint64(updates)))
	updates = min(updates, len(r.awarenessOut))
	r.awarenessOut = append(r.awarenessOut[:0], r.awarenessOut[updates:]...)
}

func (r *Reconciler) send(ctx context.Context, channel transport.Channel, message transport.Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := channel.Send(sendCtx, message); err != nil {
		return fmt.Errorf("%w: sending %s: %v", transport.ErrTransient, transport.KindOf(message), err)
	}
	return nil
}

// handle processes one inbound message. It reports whether the message
// completes the local handshake; errors are send failures only.
func (r *Reconciler) handle(ctx context.Context, channel transport.Channel, message transport.Message) (bool, error) {
	switch message := message.(type) {
	case transport.SyncStep1:
		r.checkDivergence(message.Summary)
		delta := r.store.Delta(message.Summary.Vector)
		if message.Handshake || len(delta) > 0 {
			reply := transport.SyncStep2{Operations: delta, Handshake: message.Handshake}
			if err := r.send(ctx, channel, reply); err != nil {
				return false, err
			}
		}
		if !message.Handshake && r.store.Missing(message.Summary.Vector) {
			// The peer holds operations we lack; our summary prompts it
			// to send them.
			if err := r.send(ctx, channel, transport.SyncStep1{Summary: r.store.Summary()}); err != nil {
				return false, err
			}
		}
		return false, nil

	case transport.SyncStep2:
		r.merge(message.Operations...)
		return message.Handshake, nil

	case transport.Update:
		if r.merge(message.Operation) {
			// Parked on a missing dependency: ask for it now rather
			// than waiting for the resync tick.
			if err := r.send(ctx, channel, transport.SyncStep1{Summary: r.store.Summary()}); err != nil {
				return false, err
			}
		}
		return false, nil

	case transport.AwarenessUpdate:
		if r.presence != nil {
			// Invalid updates are logged by the broadcaster and dropped.
			r.presence.ApplyRemote(message.Update)
		}
		return false, nil
	}
	r.logger.Warn("ignoring unexpected message", "type", fmt.Sprintf("%T", message))
	return false, nil
}

// merge integrates ops and reports whether any was parked. Rejected
// operations are logged by the store and skipped.
func (r *Reconciler) merge(ops ...oplog.Operation) bool {
	before := r.store.Pending()
	integrated := 0
	for _, op := range ops {
		count, err := r.store.MergeRemote(op)
		if err != nil {
			continue
		}
		integrated += count
	}
	if integrated > 0 {
		r.onRemoteChange()
	}
	return r.store.Pending() > before
}

// checkDivergence logs when a peer holding exactly our operations
// reports a different digest. Merge is deterministic, so this means a
// bug, not a race.
func (r *Reconciler) checkDivergence(remote oplog.Summary) {
	local := r.store.Summary()
	if !local.Vector.Covers(remote.Vector) || !remote.Vector.Covers(local.Vector) {
		return
	}
	if !local.Equal(remote) {
		r.logger.Error("replica digests differ at equal version vectors",
			"local_digest", fmt.Sprintf("%x", local.Digest),
			"remote_digest", fmt.Sprintf("%x", remote.Digest),
		)
	}
}
