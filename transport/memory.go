// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrTransient marks a failure expected to clear on retry: a refused
// dial, a dropped connection, a handshake that timed out.
var ErrTransient = errors.New("transient network failure")

// memoryQueue bounds frames in flight in one direction of a pipe.
const memoryQueue = 256

// memoryLink is the shared state of the two ends of a pipe.
type memoryLink struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memoryLink) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

type memoryFramer struct {
	link     *memoryLink
	inbound  <-chan []byte
	outbound chan<- []byte
}

func (f *memoryFramer) readFrame() ([]byte, error) {
	// Frames written before the peer closed are still delivered.
	select {
	case frame := <-f.inbound:
		return frame, nil
	default:
	}
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.link.closed:
		return nil, io.EOF
	}
}

func (f *memoryFramer) writeFrame(ctx context.Context, frame []byte) error {
	select {
	case <-f.link.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.outbound <- frame:
		return nil
	case <-f.link.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *memoryFramer) close() error {
	f.link.close()
	return nil
}

// Pipe returns two in-process Channels connected to each other. Every
// message still passes through Encode and Decode, so the pipe exercises
// the wire format. Closing either end ends both.
func Pipe(logger *slog.Logger) (Channel, Channel) {
	link := &memoryLink{closed: make(chan struct{})}
	leftToRight := make(chan []byte, memoryQueue)
	rightToLeft := make(chan []byte, memoryQueue)
	left := newFrameChannel(&memoryFramer{link: link, inbound: rightToLeft, outbound: leftToRight}, logger)
	right := newFrameChannel(&memoryFramer{link: link, inbound: leftToRight, outbound: rightToLeft}, logger)
	return left, right
}

// MemoryDialer dials in-process Pipes and hands the far end of each to
// an accept function, typically a relay hub. It can simulate outages.
type MemoryDialer struct {
	accept func(Key, Channel)
	logger *slog.Logger
	dials  atomic.Int64

	mu      sync.Mutex
	offline bool
	live    []Channel
}

// NewMemoryDialer returns a dialer that passes the server end of each
// new pipe to accept. accept runs on the dialing goroutine and must not
// block for long.
func NewMemoryDialer(accept func(Key, Channel), logger *slog.Logger) *MemoryDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryDialer{accept: accept, logger: logger}
}

// Dial implements Dialer.
func (d *MemoryDialer) Dial(ctx context.Context, key Key) (Channel, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.dials.Add(1)

	d.mu.Lock()
	if d.offline {
		d.mu.Unlock()
		return nil, fmt.Errorf("dialing %s: %w: network is offline", key, ErrTransient)
	}
	client, server := Pipe(d.logger.With("key", key.String()))
	d.live = append(d.live, client)
	d.mu.Unlock()

	d.accept(key, server)
	return client, nil
}

// Dials returns how many Dial calls have been made.
func (d *MemoryDialer) Dials() int { return int(d.dials.Load()) }

// SetOffline makes every later Dial fail with ErrTransient. Going
// offline also drops every live channel.
func (d *MemoryDialer) SetOffline(offline bool) {
	d.mu.Lock()
	d.offline = offline
	d.mu.Unlock()
	if offline {
		d.DisconnectAll()
	}
}

// DisconnectAll drops every live channel as if the network failed.
func (d *MemoryDialer) DisconnectAll() {
	d.mu.Lock()
	live := d.live
	d.live = nil
	d.mu.Unlock()
	for _, channel := range live {
		channel.Close()
	}
}
