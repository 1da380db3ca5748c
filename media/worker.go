// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"log/slog"
)

// trackWorker serializes every publish and unpublish for one kind.
type trackWorker struct {
	machine *Machine
	kind    Kind
	logger  *slog.Logger

	signal chan struct{}
	exited chan struct{}

	// Guarded by machine.mu.
	intent      bool
	state       TrackState
	publication string

	// Owned by the worker goroutine.
	capture    Capture
	conference Conference
}

func newTrackWorker(machine *Machine, kind Kind) *trackWorker {
	return &trackWorker{
		machine: machine,
		kind:    kind,
		logger:  machine.logger.With("kind", kind),
		signal:  make(chan struct{}, 1),
		exited:  make(chan struct{}),
	}
}

func (w *trackWorker) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *trackWorker) run(stop <-chan struct{}) {
	defer close(w.exited)
	for {
		select {
		case <-w.signal:
			w.reconcile()
		case <-stop:
			w.reconcile()
			return
		}
	}
}

// reconcile moves the track toward the current intent until nothing
// is left to do. Intent is re-read after every step, so a request that
// arrived while a publish was in flight is honored when it resolves.
func (w *trackWorker) reconcile() {
	for {
		w.machine.mu.Lock()
		want := w.intent
		state := w.state
		current := w.machine.conference
		w.machine.mu.Unlock()

		switch {
		case state == Published && (!want || current != w.conference):
			w.unpublish(current == w.conference)
		case state == Unpublished && want && current != nil:
			if !w.publish(current) {
				return
			}
		default:
			return
		}
	}
}

func (w *trackWorker) publish(conference Conference) bool {
	w.setState(Publishing, "")
	ctx, cancel := context.WithTimeout(context.Background(), w.machine.operationTimeout)
	defer cancel()

	capture, err := w.machine.devices.Acquire(ctx, w.kind)
	if err != nil {
		w.fail("acquire", err)
		return false
	}
	publication, err := conference.Publish(ctx, w.kind, capture)
	if err != nil {
		w.release(capture)
		if w.detached(conference) {
			// The conference went away under the publish. Intent stands
			// and the next conference gets the track.
			w.setState(Unpublished, "")
			w.logger.Info("publish abandoned with lost conference", "error", err)
			return true
		}
		w.fail("publish", err)
		return false
	}
	w.capture = capture
	w.conference = conference
	w.setState(Published, publication)
	w.logger.Info("track published", "publication", publication)
	return true
}

// unpublish withdraws the publication when network is set, then
// releases the capture. The capture is released and the state reaches
// Unpublished even if the withdrawal fails.
func (w *trackWorker) unpublish(network bool) {
	w.machine.mu.Lock()
	publication := w.publication
	w.state = Unpublishing
	w.machine.emitLocalLocked()
	w.machine.mu.Unlock()

	var err error
	if network {
		ctx, cancel := context.WithTimeout(context.Background(), w.machine.operationTimeout)
		err = w.conference.Unpublish(ctx, publication)
		cancel()
	}
	w.release(w.capture)
	w.capture = nil
	w.conference = nil
	w.setState(Unpublished, "")

	if err != nil {
		w.logger.Error("unpublishing track", "publication", publication, "error", err)
		w.report("unpublish", err)
		return
	}
	w.logger.Info("track unpublished", "publication", publication, "withdrawn", network)
}

func (w *trackWorker) release(capture Capture) {
	if err := capture.Release(); err != nil {
		w.logger.Warn("releasing capture", "error", err)
	}
}

func (w *trackWorker) detached(conference Conference) bool {
	w.machine.mu.Lock()
	defer w.machine.mu.Unlock()
	return w.machine.conference != conference
}

// fail records a publish-side failure against a live conference or
// device. Intent drops back to disabled so the worker does not retry a
// device or conference that just refused.
func (w *trackWorker) fail(op string, err error) {
	w.machine.mu.Lock()
	w.intent = false
	w.state = Unpublished
	w.publication = ""
	w.machine.emitLocalLocked()
	w.machine.mu.Unlock()
	w.logger.Warn("track not published", "op", op, "error", err)
	w.report(op, err)
}

func (w *trackWorker) report(op string, err error) {
	w.machine.mu.Lock()
	defer w.machine.mu.Unlock()
	w.machine.onTrackError(TrackError{Kind: w.kind, Op: op, Err: err})
}

func (w *trackWorker) setState(state TrackState, publication string) {
	w.machine.mu.Lock()
	defer w.machine.mu.Unlock()
	w.state = state
	w.publication = publication
	w.machine.emitLocalLocked()
}
