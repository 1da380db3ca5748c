// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/pairspace/lib/clock"
)

const (
	// dataChannelChunk is the largest single write handed to SCTP. It
	// stays well under the 64 KiB message limit browsers negotiate.
	dataChannelChunk = 16 << 10

	// dataChannelMessage is the largest message Read accepts from the
	// detached channel.
	dataChannelMessage = 64 << 10
)

// DataChannelConn wraps a detached pion data channel ReadWriteCloser as a
// net.Conn. A detached channel preserves message boundaries and rejects
// reads into a buffer smaller than the next message, so Read buffers
// whole messages and Write splits large buffers into chunks. The result
// is a plain byte stream that a CBOR stream decoder can consume.
//
// Deadline support uses timer-based cancellation: when a deadline fires,
// the underlying stream is closed, causing any blocked Read/Write to return
// an error. This matches the pattern used by net.Pipe.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string
	clock      clock.Clock

	// readMu guards the partially consumed inbound message.
	readMu  sync.Mutex
	message []byte
	unread  []byte

	writeMu sync.Mutex

	// Deadline state. Once a deadline closes the rwc, the conn is
	// permanently broken.
	mu             sync.Mutex
	readTimer      *clock.Timer
	writeTimer     *clock.Timer
	deadlineClosed bool
}

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached pion data channel as a net.Conn.
// localLabel identifies the local endpoint (for logging/addr); peerLabel
// identifies the remote endpoint. A nil clock selects the wall clock.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string, clk clock.Clock) *DataChannelConn {
	if clk == nil {
		clk = clock.Real()
	}
	return &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		clock:      clk,
	}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.unread) == 0 {
		if c.message == nil {
			c.message = make([]byte, dataChannelMessage)
		}
		count, err := c.rwc.Read(c.message)
		if err != nil {
			return 0, err
		}
		c.unread = c.message[:count]
	}
	count := copy(buffer, c.unread)
	c.unread = c.unread[count:]
	return count, nil
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(buffer) {
		end := min(written+dataChannelChunk, len(buffer))
		count, err := c.rwc.Write(buffer[written:end])
		written += count
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	return c.rwc.Close()
}

// LocalAddr returns a synthetic address identifying the local data channel endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

// RemoteAddr returns a synthetic address identifying the remote data channel endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both read and write deadlines. A zero value clears the deadline.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armDeadlineLocked(c.readTimer, deadline)
	c.writeTimer = c.armDeadlineLocked(c.writeTimer, deadline)
	return nil
}

// SetReadDeadline sets the read deadline. When the deadline fires, pending
// reads return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armDeadlineLocked(c.readTimer, deadline)
	return nil
}

// SetWriteDeadline sets the write deadline. When the deadline fires, pending
// writes return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armDeadlineLocked(c.writeTimer, deadline)
	return nil
}

// armDeadlineLocked replaces current with a timer for deadline and
// returns it. Must be called with c.mu held.
func (c *DataChannelConn) armDeadlineLocked(current *clock.Timer, deadline time.Time) *clock.Timer {
	if current != nil {
		current.Stop()
	}
	if deadline.IsZero() || c.deadlineClosed {
		return nil
	}
	duration := deadline.Sub(c.clock.Now())
	if duration <= 0 {
		c.closeFromDeadline()
		return nil
	}
	return c.clock.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadline()
	})
}

// closeFromDeadline closes the underlying stream to unblock pending I/O.
// Must be called with c.mu held.
func (c *DataChannelConn) closeFromDeadline() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *DataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
