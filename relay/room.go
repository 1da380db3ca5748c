// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/oplog"
	"github.com/bureau-foundation/pairspace/transport"
)

const (
	// peerBuffer bounds the messages queued for one connection. A
	// connection that falls this far behind is dropped; it resyncs when
	// it reconnects.
	peerBuffer = 256

	sendTimeout = 10 * time.Second

	// tombstoneTTL is how long a removed replica's stamp is kept to
	// reject stale updates that were in flight when it left.
	tombstoneTTL = time.Minute
)

// peer is one connection to a room. Only the room goroutine sends on
// out or touches replicas.
type peer struct {
	id      uint64
	channel transport.Channel
	out     chan transport.Message

	// replicas are the awareness replicas this connection carried.
	replicas map[string]struct{}
}

type inbound struct {
	from    *peer
	message transport.Message
}

type tombstone struct {
	stamp uint64
	at    time.Time
}

// room serves one key. run owns every field below the channels.
type room struct {
	hub    *Hub
	key    transport.Key
	store  *oplog.Store
	logger *slog.Logger

	join    chan *peer
	leave   chan *peer
	inbound chan inbound
	remote  chan []byte
	done    chan struct{}

	peers    map[*peer]struct{}
	presence map[string]awareness.Update
	owners   map[string]*peer
	removed  map[string]tombstone
	nextPeer uint64

	// publish queues frames for the fanout publisher. Nil without a
	// fanout.
	publish chan []byte

	// claims counts Accept calls handing this room a connection.
	// Guarded by hub.mu.
	claims int
}

func newRoom(hub *Hub, key transport.Key) (*room, error) {
	logger := hub.logger.With("session", key.Session, "document", key.Document)
	store, err := oplog.New(oplog.Config{
		Document: key.Document,
		Replica:  "relay-" + hub.instance,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	r := &room{
		hub:      hub,
		key:      key,
		store:    store,
		logger:   logger,
		join:     make(chan *peer),
		leave:    make(chan *peer),
		inbound:  make(chan inbound),
		remote:   make(chan []byte, peerBuffer),
		done:     make(chan struct{}),
		peers:    make(map[*peer]struct{}),
		presence: make(map[string]awareness.Update),
		owners:   make(map[string]*peer),
		removed:  make(map[string]tombstone),
	}
	if hub.fanout != nil {
		r.publish = make(chan []byte, peerBuffer)
	}
	return r, nil
}

// add hands channel to the room. After the room has stopped the
// channel is closed instead.
func (r *room) add(channel transport.Channel) {
	p := &peer{
		channel:  channel,
		out:      make(chan transport.Message, peerBuffer),
		replicas: make(map[string]struct{}),
	}
	select {
	case r.join <- p:
	case <-r.done:
		channel.Close()
	}
}

func (r *room) run(ctx context.Context) {
	defer close(r.done)
	// Scoped to the room so the publisher also stops when the room
	// retires.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var resync <-chan time.Time
	if r.publish != nil {
		go r.publisher(ctx)
		stop, err := r.hub.fanout.Subscribe(ctx, r.key.String(), r.deliver)
		if err != nil {
			r.logger.Error("fanout subscription failed, serving local connections only", "error", err)
		} else {
			defer stop()
			r.fanout(transport.SyncStep1{Summary: r.store.Summary(), Handshake: true})
			ticker := r.hub.clock.NewTicker(r.hub.fanoutResync)
			defer ticker.Stop()
			resync = ticker.C
		}
	}

	idle := r.hub.clock.NewTimer(r.hub.idleTimeout)
	defer idle.Stop()
	idleArmed := true

	for {
		select {
		case <-ctx.Done():
			for p := range r.peers {
				r.drop(p)
			}
			return
		case <-idle.C:
			idleArmed = false
			if len(r.peers) == 0 && r.hub.retire(r) {
				r.logger.Info("closed idle room", "idle", r.hub.idleTimeout)
				return
			}
		case p := <-r.join:
			r.admit(p)
		case p := <-r.leave:
			r.depart(p)
		case in := <-r.inbound:
			if _, ok := r.peers[in.from]; ok {
				r.handle(in.from, in.message)
			}
		case payload := <-r.remote:
			r.handleRemote(payload)
		case <-resync:
			r.fanout(transport.SyncStep1{Summary: r.store.Summary()})
		}

		switch {
		case len(r.peers) == 0 && !idleArmed:
			idle.Reset(r.hub.idleTimeout)
			idleArmed = true
		case len(r.peers) > 0 && idleArmed:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idleArmed = false
		}
	}
}

func (r *room) admit(p *peer) {
	r.nextPeer++
	p.id = r.nextPeer
	r.peers[p] = struct{}{}
	go r.read(p)
	go r.write(p)
	for _, update := range r.presence {
		r.send(p, transport.AwarenessUpdate{Update: update})
	}
	r.logger.Info("connection joined", "peer", p.id, "connections", len(r.peers))
}

// depart forgets p and announces the removal of every replica it
// carried.
func (r *room) depart(p *peer) {
	if _, ok := r.peers[p]; !ok {
		return
	}
	reason := p.channel.Err()
	r.drop(p)
	for replica := range p.replicas {
		if r.owners[replica] != p {
			continue
		}
		removal := awareness.Update{
			Replica: replica,
			Removed: &awareness.Stamped[struct{}]{Stamp: r.presence[replica].MaxStamp()},
		}
		r.forget(replica, removal.Removed.Stamp)
		r.broadcast(nil, transport.AwarenessUpdate{Update: removal})
		r.fanout(transport.AwarenessUpdate{Update: removal})
	}
	r.logger.Info("connection left",
		"peer", p.id,
		"connections", len(r.peers),
		"reason", reason,
	)
}

func (r *room) drop(p *peer) {
	delete(r.peers, p)
	close(p.out)
	p.channel.Close()
}

func (r *room) read(p *peer) {
	for message := range p.channel.Receive() {
		select {
		case r.inbound <- inbound{from: p, message: message}:
		case <-r.done:
			return
		}
	}
	select {
	case r.leave <- p:
	case <-r.done:
	}
}

func (r *room) write(p *peer) {
	for message := range p.out {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := p.channel.Send(ctx, message)
		cancel()
		if err != nil {
			r.logger.Debug("send failed, closing connection", "peer", p.id, "error", err)
			p.channel.Close()
			for range p.out {
			}
			return
		}
	}
}

// send queues message for p without blocking the room. A full queue
// drops the connection.
func (r *room) send(p *peer, message transport.Message) {
	select {
	case p.out <- message:
	default:
		r.logger.Warn("connection too slow, dropping it", "peer", p.id)
		p.channel.Close()
	}
}

// broadcast sends message to every connection except skip.
func (r *room) broadcast(skip *peer, message transport.Message) {
	for p := range r.peers {
		if p != skip {
			r.send(p, message)
		}
	}
}

// handle processes one message from a local connection.
func (r *room) handle(p *peer, message transport.Message) {
	switch message := message.(type) {
	case transport.SyncStep1:
		delta := r.store.Delta(message.Summary.Vector)
		if message.Handshake || len(delta) > 0 {
			r.send(p, transport.SyncStep2{Operations: delta, Handshake: message.Handshake})
		}
		if r.store.Missing(message.Summary.Vector) {
			r.send(p, transport.SyncStep1{Summary: r.store.Summary()})
		}

	case transport.SyncStep2:
		r.integrate(p, message.Operations...)

	case transport.Update:
		if r.integrate(p, message.Operation) {
			r.send(p, transport.SyncStep1{Summary: r.store.Summary()})
		}

	case transport.AwarenessUpdate:
		r.observe(p, message.Update)

	default:
		r.logger.Warn("ignoring unexpected message", "peer", p.id, "type", fmt.Sprintf("%T", message))
	}
}

// handleRemote processes a frame another relay instance published.
func (r *room) handleRemote(payload []byte) {
	origin, message, err := decodeFanout(payload)
	if err != nil {
		r.logger.Warn("dropping undecodable fanout frame", "error", err)
		return
	}
	if origin == r.hub.instance {
		return
	}
	switch message := message.(type) {
	case transport.SyncStep1:
		if delta := r.store.Delta(message.Summary.Vector); len(delta) > 0 {
			r.fanout(transport.SyncStep2{Operations: delta})
		}
		if message.Handshake {
			if r.store.Missing(message.Summary.Vector) {
				r.fanout(transport.SyncStep1{Summary: r.store.Summary()})
			}
			for replica := range r.owners {
				r.fanout(transport.AwarenessUpdate{Update: r.presence[replica]})
			}
		}

	case transport.SyncStep2:
		r.integrate(nil, message.Operations...)

	case transport.Update:
		r.integrate(nil, message.Operation)

	case transport.AwarenessUpdate:
		r.observe(nil, message.Update)
	}
}

// integrate merges ops into the room replica and forwards everything
// that became visible, including earlier arrivals the ops unparked.
// from is nil for operations from another instance, which are not
// published back to the fanout. It reports whether anything was
// parked.
func (r *room) integrate(from *peer, ops ...oplog.Operation) bool {
	before := r.store.Vector()
	pending := r.store.Pending()
	for _, op := range ops {
		// Rejected operations are logged by the store.
		r.store.MergeRemote(op)
	}
	for _, op := range r.store.Delta(before) {
		update := transport.Update{Operation: op}
		r.broadcast(from, update)
		if from != nil {
			r.fanout(update)
		}
	}
	return r.store.Pending() > pending
}

// observe merges a presence update into the cache and forwards it.
func (r *room) observe(from *peer, update awareness.Update) {
	if err := update.Validate(); err != nil {
		r.logger.Warn("rejected awareness update", "error", err)
		return
	}
	replica := update.Replica
	if gone, ok := r.removed[replica]; ok && update.MaxStamp() <= gone.stamp {
		return
	}

	if update.Removed != nil {
		r.forget(replica, update.Removed.Stamp)
	} else {
		delete(r.removed, replica)
		cached, ok := r.presence[replica]
		if !ok {
			cached = awareness.Update{Replica: replica}
		}
		r.presence[replica] = cached.Merge(update)
		if from != nil {
			if previous := r.owners[replica]; previous != nil && previous != from {
				delete(previous.replicas, replica)
			}
			r.owners[replica] = from
			from.replicas[replica] = struct{}{}
		}
	}

	message := transport.AwarenessUpdate{Update: update}
	r.broadcast(from, message)
	if from != nil {
		r.fanout(message)
	}
}

// forget drops replica from the cache and remembers its removal stamp.
func (r *room) forget(replica string, stamp uint64) {
	if owner := r.owners[replica]; owner != nil {
		delete(owner.replicas, replica)
	}
	delete(r.owners, replica)
	delete(r.presence, replica)

	now := r.hub.clock.Now()
	for other, gone := range r.removed {
		if now.Sub(gone.at) > tombstoneTTL {
			delete(r.removed, other)
		}
	}
	r.removed[replica] = tombstone{stamp: stamp, at: now}
}
