// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SyncPath is the relay route for WebSocket sync channels.
const SyncPath = "/v1/sync/{session}/{document}"

// DefaultPingInterval is how often an idle WebSocket is probed.
const DefaultPingInterval = 15 * time.Second

// MaxFrameSize bounds one inbound WebSocket frame.
const MaxFrameSize = 16 << 20

// SyncURL renders the WebSocket URL for key under base, which must use
// the ws or wss scheme.
func SyncURL(base string, key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL %q: %w", base, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("relay URL %q: scheme must be ws or wss", base)
	}
	path := strings.NewReplacer("{session}", url.PathEscape(key.Session), "{document}", url.PathEscape(key.Document)).Replace(SyncPath)
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + path
	return parsed.String(), nil
}

// WebSocketDialer dials a relay over WebSocket.
type WebSocketDialer struct {
	// URL is the relay base URL, e.g. "wss://relay.example.com".
	URL string
	// Header is sent with every handshake request.
	Header http.Header
	// PingInterval defaults to DefaultPingInterval. Negative disables
	// keepalive.
	PingInterval time.Duration
	Logger       *slog.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, key Key) (Channel, error) {
	target, err := SyncURL(d.URL, key)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing %s: %w: relay answered %s", target, ErrTransient, response.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w: %v", target, ErrTransient, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return NewWebSocketChannel(conn, d.PingInterval, logger.With("key", key.String())), nil
}

// NewWebSocketChannel wraps an established connection, either side.
// pingInterval of zero selects DefaultPingInterval; negative disables
// keepalive.
func NewWebSocketChannel(conn *websocket.Conn, pingInterval time.Duration, logger *slog.Logger) Channel {
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}
	framer := &websocketFramer{conn: conn, ping: pingInterval, stop: make(chan struct{})}
	conn.SetReadLimit(MaxFrameSize)
	if pingInterval > 0 {
		framer.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			framer.extendReadDeadline()
			return nil
		})
		go framer.keepalive()
	}
	return newFrameChannel(framer, logger)
}

type websocketFramer struct {
	conn *websocket.Conn
	ping time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// extendReadDeadline allows two missed pongs before the read fails.
func (f *websocketFramer) extendReadDeadline() {
	f.conn.SetReadDeadline(time.Now().Add(2*f.ping + f.ping/2))
}

func (f *websocketFramer) keepalive() {
	ticker := time.NewTicker(f.ping)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.ping)); err != nil {
				return
			}
		}
	}
}

func (f *websocketFramer) readFrame() ([]byte, error) {
	for {
		messageType, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if f.ping > 0 {
			f.extendReadDeadline()
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (f *websocketFramer) writeFrame(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return f.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (f *websocketFramer) close() error {
	f.stopOnce.Do(func() { close(f.stop) })
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	f.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return f.conn.Close()
}
