// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Send after the channel has closed, and by
// Err when the channel was closed locally.
var ErrClosed = errors.New("transport: channel closed")

// receiveBuffer bounds how many decoded messages wait for the consumer
// before the read loop stops pulling frames off the wire.
const receiveBuffer = 64

// Channel is one bidirectional sync connection for a Key.
type Channel interface {
	// Send writes one message. It blocks until the frame is handed to
	// the underlying connection or ctx is done.
	Send(ctx context.Context, message Message) error

	// Receive delivers inbound messages in arrival order. It is closed
	// when the channel ends for any reason.
	Receive() <-chan Message

	// Done is closed when the channel ends.
	Done() <-chan struct{}

	// Err reports why the channel ended: ErrClosed after a local Close,
	// the transport or protocol error otherwise. It is nil while the
	// channel is open.
	Err() error

	// Close releases the connection. It is idempotent.
	Close() error
}

// Dialer opens Channels. Reconnecting with the same key resumes the same
// logical stream.
type Dialer interface {
	Dial(ctx context.Context, key Key) (Channel, error)
}

// framer moves whole frames over a connection. readFrame is only ever
// called from one goroutine; writeFrame is serialized by the caller.
type framer interface {
	readFrame() ([]byte, error)
	writeFrame(ctx context.Context, frame []byte) error
	close() error
}

// frameChannel adapts a framer into a Channel: a read loop decodes
// frames into Receive, and Send encodes under a write lock.
type frameChannel struct {
	framer  framer
	logger  *slog.Logger
	receive chan Message
	done    chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newFrameChannel(framer framer, logger *slog.Logger) *frameChannel {
	if logger == nil {
		logger = slog.Default()
	}
	channel := &frameChannel{
		framer:  framer,
		logger:  logger,
		receive: make(chan Message, receiveBuffer),
		done:    make(chan struct{}),
	}
	go channel.readLoop()
	return channel
}

func (c *frameChannel) readLoop() {
	defer close(c.receive)
	for {
		frame, err := c.framer.readFrame()
		if err != nil {
			c.fail(err)
			return
		}
		message, err := Decode(frame)
		if errors.Is(err, ErrUnknownKind) {
			// A newer peer may send kinds we do not know; skipping them
			// keeps the rest of the stream usable.
			c.logger.Warn("dropping frame of unknown kind", "error", err)
			continue
		}
		if err != nil {
			c.logger.Warn("closing channel on undecodable frame", "error", err)
			c.fail(err)
			return
		}
		select {
		case c.receive <- message:
		case <-c.done:
			return
		}
	}
}

func (c *frameChannel) Send(ctx context.Context, message Message) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	frame, err := Encode(message)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.framer.writeFrame(ctx, frame); err != nil {
		select {
		case <-c.done:
			return c.closedErr()
		default:
		}
		wrapped := fmt.Errorf("writing %s frame: %w", message.kind(), err)
		c.fail(wrapped)
		return wrapped
	}
	return nil
}

func (c *frameChannel) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (c *frameChannel) Receive() <-chan Message { return c.receive }

func (c *frameChannel) Done() <-chan struct{} { return c.done }

func (c *frameChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *frameChannel) Close() error {
	c.fail(ErrClosed)
	return nil
}

// fail records the first terminal error and tears the connection down.
func (c *frameChannel) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		if closeErr := c.framer.close(); closeErr != nil {
			c.logger.Debug("closing connection", "error", closeErr)
		}
	})
}
