// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/version"
	"github.com/bureau-foundation/pairspace/transport"
)

// Config configures a Hub. Every field is optional.
type Config struct {
	// Instance names this process on the fanout and in the room
	// replica id. Defaults to a random UUID.
	Instance string

	// Fanout shares rooms with other relay instances.
	Fanout Fanout

	// FanoutResync is how often a room re-offers its state summary on
	// the fanout. Defaults to 5 seconds.
	FanoutResync time.Duration

	// IdleTimeout is how long a room with no connections keeps its
	// document before it is closed. Defaults to 10 minutes.
	IdleTimeout time.Duration

	// PingInterval is the WebSocket keepalive; see
	// transport.NewWebSocketChannel.
	PingInterval time.Duration

	// CheckOrigin vets WebSocket upgrade requests. Nil accepts every
	// origin.
	CheckOrigin func(*http.Request) bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Hub owns the rooms of one relay process.
type Hub struct {
	instance     string
	fanout       Fanout
	fanoutResync time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[transport.Key]*room
	closed bool
}

// NewHub returns a running Hub. Close stops it.
func NewHub(config Config) *Hub {
	if config.Instance == "" {
		config.Instance = uuid.NewString()
	}
	if config.FanoutResync <= 0 {
		config.FanoutResync = 5 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 10 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		instance:     config.Instance,
		fanout:       config.Fanout,
		fanoutResync: config.FanoutResync,
		idleTimeout:  config.IdleTimeout,
		pingInterval: config.PingInterval,
		clock:        config.Clock,
		logger:       config.Logger.With("instance", config.Instance),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[transport.Key]*room),
	}
}

// Accept adds channel to key's room, opening the room on first use.
// It has the signature transport.NewMemoryDialer and
// transport.WebRTCTransport.Serve expect.
func (h *Hub) Accept(key transport.Key, channel transport.Channel) {
	r, err := h.room(key)
	if err != nil {
		h.logger.Warn("rejecting connection", "key", key.String(), "error", err)
		channel.Close()
		return
	}
	defer h.unclaim(r)
	r.add(channel)
}

// room returns key's room, opening it on first use. The room is
// claimed until unclaim, which keeps it from retiring while a
// connection is on its way in.
func (h *Hub) room(key transport.Key) (*room, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if existing := h.rooms[key]; existing != nil {
		existing.claims++
		return existing, nil
	}
	created, err := newRoom(h, key)
	if err != nil {
		return nil, err
	}
	created.claims++
	h.rooms[key] = created
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		created.run(h.ctx)
	}()
	h.logger.Info("opened room", "key", key.String())
	return created, nil
}

func (h *Hub) unclaim(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.claims--
}

// retire removes an idle room from the hub. It refuses while a
// connection is being handed to the room.
func (h *Hub) retire(r *room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.claims > 0 || h.rooms[r.key] != r {
		return false
	}
	delete(h.rooms, r.key)
	return true
}

// Rooms returns the keys of every open room, sorted.
func (h *Hub) Rooms() []transport.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]transport.Key, 0, len(h.rooms))
	for key := range h.rooms {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b transport.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// Close drops every connection and waits for the rooms to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// Handler routes the WebSocket sync endpoint at transport.SyncPath and
// a status endpoint at /v1/status.
func (h *Hub) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(transport.SyncPath, h.serveSync).Methods(http.MethodGet)
	router.HandleFunc("/v1/status", h.serveStatus).Methods(http.MethodGet)
	return router
}

func (h *Hub) serveSync(w http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	key := transport.Key{Session: vars["session"], Document: vars["document"]}
	if err := key.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", "key", key.String(), "error", err)
		return
	}
	logger := h.logger.With("key", key.String(), "remote", request.RemoteAddr)
	h.Accept(key, transport.NewWebSocketChannel(conn, h.pingInterval, logger))
}

// Status is the body of GET /v1/status.
type Status struct {
	Instance string   `json:"instance"`
	Version  string   `json:"version"`
	Protocol int      `json:"protocol"`
	Rooms    []string `json:"rooms"`
}

func (h *Hub) serveStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		Instance: h.instance,
		Version:  version.Info(),
		Protocol: version.Protocol,
		Rooms:    []string{},
	}
	for _, key := range h.Rooms() {
		status.Rooms = append(status.Rooms, key.String())
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Debug("writing status", "error", err)
	}
}
