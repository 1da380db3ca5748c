// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/testutil"
	"github.com/bureau-foundation/pairspace/oplog"
	"github.com/bureau-foundation/pairspace/transport"
)

var (
	epoch   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	testKey = transport.Key{Session: "interview", Document: "python"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newHub(t *testing.T, config Config) *Hub {
	t.Helper()
	if config.Clock == nil {
		config.Clock = clock.Fake(epoch)
	}
	config.Logger = testLogger()
	hub := NewHub(config)
	t.Cleanup(hub.Close)
	return hub
}

func newStore(t *testing.T, replica string) *oplog.Store {
	t.Helper()
	store, err := oplog.New(oplog.Config{Document: testKey.Document, Replica: replica, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// connect opens an in-process connection to hub and returns the client
// end.
func connect(t *testing.T, hub *Hub) transport.Channel {
	t.Helper()
	client, server := transport.Pipe(testLogger())
	hub.Accept(testKey, server)
	t.Cleanup(func() { client.Close() })
	return client
}

func send(t *testing.T, channel transport.Channel, message transport.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channel.Send(ctx, message); err != nil {
		t.Fatalf("sending %s: %v", transport.KindOf(message), err)
	}
}

// expect reads from channel until a message of type M satisfying match
// arrives, skipping everything else.
func expect[M transport.Message](t *testing.T, channel transport.Channel, match func(M) bool) M {
	t.Helper()
	var zero M
	for {
		message := testutil.RequireReceive(t, channel.Receive(), 5*time.Second, "waiting for %T", zero)
		if typed, ok := message.(M); ok && (match == nil || match(typed)) {
			return typed
		}
	}
}

// handshake completes the client side of the handshake and merges
// what the room sent.
func handshake(t *testing.T, channel transport.Channel, store *oplog.Store) {
	t.Helper()
	send(t, channel, transport.SyncStep1{Summary: store.Summary(), Handshake: true})
	reply := expect(t, channel, func(step transport.SyncStep2) bool { return step.Handshake })
	for _, op := range reply.Operations {
		if _, err := store.MergeRemote(op); err != nil {
			t.Fatalf("merging handshake operation: %v", err)
		}
	}
}

// barrier returns once the room has processed everything channel sent
// before it: the room answers a handshake in order.
func barrier(t *testing.T, channel transport.Channel, store *oplog.Store) {
	t.Helper()
	handshake(t, channel, store)
}

func hasText(text string) func(transport.Update) bool {
	return func(update transport.Update) bool { return update.Operation.Text == text }
}

func TestRoom_ServesHistoryAndForwardsUpdates(t *testing.T) {
	hub := newHub(t, Config{})

	alice := connect(t, hub)
	aliceStore := newStore(t, "alice")
	handshake(t, alice, aliceStore)

	op, err := aliceStore.ApplyLocal(oplog.Edit{Insert: "print"})
	if err != nil {
		t.Fatal(err)
	}
	send(t, alice, transport.Update{Operation: op})
	barrier(t, alice, aliceStore)

	// A late joiner gets the history in its handshake.
	bob := connect(t, hub)
	bobStore := newStore(t, "bob")
	handshake(t, bob, bobStore)
	if got := bobStore.Snapshot(); got != "print" {
		t.Fatalf("bob sees %q, want %q", got, "print")
	}

	// Live edits from bob reach alice but are not echoed to bob.
	op, err = bobStore.ApplyLocal(oplog.Edit{Position: 5, Insert: "(1)"})
	if err != nil {
		t.Fatal(err)
	}
	send(t, bob, transport.Update{Operation: op})
	update := expect(t, alice, hasText("(1)"))
	if _, err := aliceStore.MergeRemote(update.Operation); err != nil {
		t.Fatal(err)
	}
	if got := aliceStore.Snapshot(); got != "print(1)" {
		t.Errorf("alice sees %q, want %q", got, "print(1)")
	}
	testutil.RequireNoReceive(t, bob.Receive(), 50*time.Millisecond, "bob's own update echoed back")
}

func TestRoom_AsksForOperationsItLacks(t *testing.T) {
	hub := newHub(t, Config{})
	client := connect(t, hub)
	store := newStore(t, "alice")
	if _, err := store.ApplyLocal(oplog.Edit{Insert: "offline work"}); err != nil {
		t.Fatal(err)
	}

	send(t, client, transport.SyncStep1{Summary: store.Summary(), Handshake: true})
	expect(t, client, func(step transport.SyncStep2) bool { return step.Handshake })
	request := expect[transport.SyncStep1](t, client, nil)
	delta := store.Delta(request.Summary.Vector)
	if len(delta) != 1 {
		t.Fatalf("room summary implies %d missing operations, want 1", len(delta))
	}
	send(t, client, transport.SyncStep2{Operations: delta})
	barrier(t, client, store)

	// The room now holds the text, so a fresh replica receives it.
	observer := connect(t, hub)
	observerStore := newStore(t, "observer")
	handshake(t, observer, observerStore)
	if got := observerStore.Snapshot(); got != "offline work" {
		t.Errorf("observer sees %q", got)
	}
}

func TestRoom_AwarenessIsCachedAndRemovedWithItsConnection(t *testing.T) {
	hub := newHub(t, Config{})

	alice := connect(t, hub)
	aliceStore := newStore(t, "alice")
	handshake(t, alice, aliceStore)
	send(t, alice, transport.AwarenessUpdate{Update: awareness.Update{
		Replica:     "alice",
		DisplayName: &awareness.Stamped[string]{Stamp: 2, Value: "Alice"},
	}})
	send(t, alice, transport.AwarenessUpdate{Update: awareness.Update{
		Replica: "alice",
		Cursor:  &awareness.Stamped[*awareness.Cursor]{Stamp: 3, Value: &awareness.Cursor{Line: 1, Column: 4}},
	}})
	barrier(t, alice, aliceStore)

	// The late joiner gets the merged record.
	bob := connect(t, hub)
	cached := expect(t, bob, func(message transport.AwarenessUpdate) bool {
		return message.Update.Replica == "alice" && message.Update.Cursor != nil
	})
	if cached.Update.DisplayName == nil || cached.Update.DisplayName.Value != "Alice" {
		t.Errorf("cached record lost the display name: %+v", cached.Update)
	}
	handshake(t, bob, newStore(t, "bob"))

	alice.Close()
	removal := expect(t, bob, func(message transport.AwarenessUpdate) bool {
		return message.Update.Removed != nil
	})
	if removal.Update.Replica != "alice" || removal.Update.Removed.Stamp != 3 {
		t.Errorf("removal = %+v, want alice at stamp 3", removal.Update)
	}

	// A stale update from before the drop does not resurrect her.
	carol := connect(t, hub)
	handshake(t, carol, newStore(t, "carol"))
	send(t, carol, transport.AwarenessUpdate{Update: awareness.Update{
		Replica:     "alice",
		DisplayName: &awareness.Stamped[string]{Stamp: 2, Value: "Alice"},
	}})
	testutil.RequireNoReceive(t, bob.Receive(), 50*time.Millisecond, "stale awareness forwarded")
}

func TestRoom_FarewellIsForwardedAndNotReplayed(t *testing.T) {
	hub := newHub(t, Config{})
	alice := connect(t, hub)
	handshake(t, alice, newStore(t, "alice"))
	bob := connect(t, hub)
	handshake(t, bob, newStore(t, "bob"))

	send(t, alice, transport.AwarenessUpdate{Update: awareness.Update{
		Replica:     "alice",
		DisplayName: &awareness.Stamped[string]{Stamp: 1, Value: "Alice"},
	}})
	expect(t, bob, func(message transport.AwarenessUpdate) bool { return message.Update.Removed == nil })
	send(t, alice, transport.AwarenessUpdate{Update: awareness.Update{
		Replica: "alice",
		Removed: &awareness.Stamped[struct{}]{Stamp: 2},
	}})
	expect(t, bob, func(message transport.AwarenessUpdate) bool { return message.Update.Removed != nil })

	carol := connect(t, hub)
	handshake(t, carol, newStore(t, "carol"))
	testutil.RequireNoReceive(t, carol.Receive(), 50*time.Millisecond, "removed replica replayed to a late joiner")
}

func TestHub_RejectsInvalidKey(t *testing.T) {
	hub := newHub(t, Config{})
	client, server := transport.Pipe(testLogger())
	hub.Accept(transport.Key{Session: "a/b", Document: "go"}, server)
	testutil.RequireClosed(t, client.Done(), 5*time.Second, "invalid key accepted")
	if len(hub.Rooms()) != 0 {
		t.Errorf("rooms = %v", hub.Rooms())
	}
}

func TestHub_CloseEndsConnections(t *testing.T) {
	hub := NewHub(Config{Clock: clock.Fake(epoch), Logger: testLogger()})
	client := connect(t, hub)
	handshake(t, client, newStore(t, "alice"))
	hub.Close()
	testutil.RequireClosed(t, client.Done(), 5*time.Second, "connection outlived hub")

	late, server := transport.Pipe(testLogger())
	hub.Accept(testKey, server)
	testutil.RequireClosed(t, late.Done(), 5*time.Second, "closed hub accepted a connection")
}

func TestHub_ClosesIdleRooms(t *testing.T) {
	fake := clock.Fake(epoch)
	hub := newHub(t, Config{Clock: fake, IdleTimeout: time.Minute})

	client := connect(t, hub)
	store := newStore(t, "alice")
	handshake(t, client, store)
	op, err := store.ApplyLocal(oplog.Edit{Insert: "kept"})
	if err != nil {
		t.Fatal(err)
	}
	send(t, client, transport.Update{Operation: op})
	barrier(t, client, store)

	// A connected room never idles out.
	fake.Advance(time.Hour)
	barrier(t, client, store)
	if rooms := hub.Rooms(); len(rooms) != 1 {
		t.Fatalf("rooms with a connection = %v", rooms)
	}

	client.Close()
	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)
	if rooms := hub.Rooms(); len(rooms) != 1 {
		t.Fatalf("room closed before the idle timeout: %v", rooms)
	}
	fake.Advance(30 * time.Second)
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return len(hub.Rooms()) == 0
	}, "idle room was not closed")

	// The key opens a fresh room and the returning client restores the
	// document from its own replica.
	again := connect(t, hub)
	handshake(t, again, store)
	ask := expect(t, again, func(transport.SyncStep1) bool { return true })
	send(t, again, transport.SyncStep2{Operations: store.Delta(ask.Summary.Vector)})
	barrier(t, again, store)

	newcomer := connect(t, hub)
	late := newStore(t, "bob")
	handshake(t, newcomer, late)
	if late.Snapshot() != "kept" {
		t.Errorf("reopened room served %q, want %q", late.Snapshot(), "kept")
	}
}

func TestHub_WebSocketAndStatus(t *testing.T) {
	hub := newHub(t, Config{PingInterval: -1})
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	dialer := &transport.WebSocketDialer{
		URL:          "ws" + strings.TrimPrefix(server.URL, "http"),
		PingInterval: -1,
		Logger:       testLogger(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel, err := dialer.Dial(ctx, testKey)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer channel.Close()
	handshake(t, channel, newStore(t, "alice"))

	response, err := http.Get(server.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	var status Status
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if len(status.Rooms) != 1 || status.Rooms[0] != testKey.String() {
		t.Errorf("status rooms = %v, want [%s]", status.Rooms, testKey)
	}

	response, err = http.Get(server.URL + "/v1/sync/bad%20session/go")
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid key answered %d, want 400", response.StatusCode)
	}
}

// memoryFanout delivers every publish to every subscriber, like Redis
// pub/sub.
type memoryFanout struct {
	mu     sync.Mutex
	nextID int
	topics map[string]map[int]func([]byte)
}

func newMemoryFanout() *memoryFanout {
	return &memoryFanout{topics: make(map[string]map[int]func([]byte))}
}

func (f *memoryFanout) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	var deliveries []func([]byte)
	for _, deliver := range f.topics[topic] {
		deliveries = append(deliveries, deliver)
	}
	f.mu.Unlock()
	for _, deliver := range deliveries {
		deliver(payload)
	}
	return nil
}

func (f *memoryFanout) Subscribe(_ context.Context, topic string, deliver func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topics[topic] == nil {
		f.topics[topic] = make(map[int]func([]byte))
	}
	f.nextID++
	id := f.nextID
	f.topics[topic][id] = deliver
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.topics[topic], id)
	}, nil
}

func TestHub_FanoutSharesRoomsAcrossInstances(t *testing.T) {
	fanout := newMemoryFanout()
	east := newHub(t, Config{Instance: "east", Fanout: fanout})
	west := newHub(t, Config{Instance: "west", Fanout: fanout})

	alice := connect(t, east)
	aliceStore := newStore(t, "alice")
	handshake(t, alice, aliceStore)
	op, err := aliceStore.ApplyLocal(oplog.Edit{Insert: "early"})
	if err != nil {
		t.Fatal(err)
	}
	send(t, alice, transport.Update{Operation: op})
	barrier(t, alice, aliceStore)

	// west opens its room after the edit; its fanout handshake pulls
	// the history from east, which may land after bob's own handshake.
	bob := connect(t, west)
	bobStore := newStore(t, "bob")
	handshake(t, bob, bobStore)
	if bobStore.Snapshot() != "early" {
		update := expect(t, bob, hasText("early"))
		if _, err := bobStore.MergeRemote(update.Operation); err != nil {
			t.Fatal(err)
		}
	}

	// Live edits and presence cross in both directions.
	op, err = bobStore.ApplyLocal(oplog.Edit{Position: 5, Insert: " bird"})
	if err != nil {
		t.Fatal(err)
	}
	send(t, bob, transport.Update{Operation: op})
	expect(t, alice, hasText(" bird"))

	send(t, alice, transport.AwarenessUpdate{Update: awareness.Update{
		Replica:     "alice",
		DisplayName: &awareness.Stamped[string]{Stamp: 1, Value: "Alice"},
	}})
	expect(t, bob, func(message transport.AwarenessUpdate) bool { return message.Update.Replica == "alice" })

	// Dropping alice's connection on east removes her on west too.
	alice.Close()
	expect(t, bob, func(message transport.AwarenessUpdate) bool {
		return message.Update.Replica == "alice" && message.Update.Removed != nil
	})
}

func TestFanoutFrame_SkipsUndecodable(t *testing.T) {
	payload, err := encodeFanout("east", transport.SyncStep1{Summary: oplog.Summary{Vector: oplog.Vector{"a": 2}}})
	if err != nil {
		t.Fatal(err)
	}
	origin, message, err := decodeFanout(payload)
	if err != nil {
		t.Fatal(err)
	}
	step, ok := message.(transport.SyncStep1)
	if origin != "east" || !ok || step.Summary.Vector["a"] != 2 {
		t.Errorf("decoded %q %#v", origin, message)
	}
	if _, _, err := decodeFanout([]byte("not cbor")); err == nil {
		t.Error("garbage decoded")
	}
}
