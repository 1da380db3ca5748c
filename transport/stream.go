// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/pairspace/lib/codec"
)

// NewStreamChannel runs the sync protocol over a byte stream. Frames
// are self-delimiting CBOR items, so no length prefix is needed.
func NewStreamChannel(conn net.Conn, logger *slog.Logger) Channel {
	return newFrameChannel(&streamFramer{conn: conn, decoder: codec.NewDecoder(conn)}, logger)
}

type streamFramer struct {
	conn    net.Conn
	decoder *codec.Decoder
}

func (f *streamFramer) readFrame() ([]byte, error) {
	var frame codec.RawMessage
	if err := f.decoder.Decode(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *streamFramer) writeFrame(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := f.conn.Write(frame)
	return err
}

func (f *streamFramer) close() error {
	return f.conn.Close()
}
