// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bureau-foundation/pairspace/awareness"
	"github.com/bureau-foundation/pairspace/lib/testutil"
)

func TestPipe_DeliversInOrderInBothDirections(t *testing.T) {
	left, right := Pipe(testLogger())
	defer left.Close()
	ctx := context.Background()

	for index := range 10 {
		update := AwarenessUpdate{Update: awareness.Update{
			Replica: "alice",
			Cursor:  &awareness.Stamped[*awareness.Cursor]{Stamp: uint64(index + 1), Value: &awareness.Cursor{Line: index}},
		}}
		if err := left.Send(ctx, update); err != nil {
			t.Fatalf("Send %d: %v", index, err)
		}
	}
	for index := range 10 {
		message := testutil.RequireReceive(t, right.Receive(), time.Second, "message %d", index)
		update, ok := message.(AwarenessUpdate)
		if !ok || update.Update.Cursor.Value.Line != index {
			t.Fatalf("message %d = %#v", index, message)
		}
	}

	if err := right.Send(ctx, SyncStep1{Handshake: true}); err != nil {
		t.Fatal(err)
	}
	if _, ok := testutil.RequireReceive(t, left.Receive(), time.Second, "reply").(SyncStep1); !ok {
		t.Fatal("reply is not a sync-step-1")
	}
}

func TestPipe_CloseEndsBothSides(t *testing.T) {
	left, right := Pipe(testLogger())
	left.Close()
	left.Close()

	testutil.RequireClosed(t, right.Done(), time.Second, "far end still open")
	if !errors.Is(left.Err(), ErrClosed) {
		t.Errorf("closing end Err = %v, want ErrClosed", left.Err())
	}
	if !errors.Is(right.Err(), io.EOF) {
		t.Errorf("far end Err = %v, want io.EOF", right.Err())
	}
	if err := left.Send(context.Background(), Update{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}

	// Receive closes once the read loop exits.
	for range right.Receive() {
	}
}

func TestMemoryDialer_HandsServerEndToAccept(t *testing.T) {
	accepted := make(chan acceptedChannel, 1)
	dialer := NewMemoryDialer(func(key Key, channel Channel) {
		accepted <- acceptedChannel{key: key, channel: channel}
	}, testLogger())

	key := Key{Session: "s", Document: "go"}
	client, err := dialer.Dial(context.Background(), key)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := testutil.RequireReceive(t, accepted, time.Second, "accept not called")
	if server.key != key {
		t.Errorf("accepted %v, want %v", server.key, key)
	}

	client.Send(context.Background(), Update{})
	testutil.RequireReceive(t, server.channel.Receive(), time.Second, "server end received nothing")
	if dialer.Dials() != 1 {
		t.Errorf("Dials() = %d, want 1", dialer.Dials())
	}
}

func TestMemoryDialer_Offline(t *testing.T) {
	dialer := NewMemoryDialer(func(Key, Channel) {}, testLogger())
	key := Key{Session: "s", Document: "go"}

	live, err := dialer.Dial(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	dialer.SetOffline(true)
	testutil.RequireClosed(t, live.Done(), time.Second, "going offline left a channel open")
	if _, err := dialer.Dial(context.Background(), key); !errors.Is(err, ErrTransient) {
		t.Fatalf("Dial while offline = %v, want ErrTransient", err)
	}

	dialer.SetOffline(false)
	if _, err := dialer.Dial(context.Background(), key); err != nil {
		t.Fatalf("Dial after coming back online: %v", err)
	}
}

func TestMemoryDialer_RejectsInvalidKeys(t *testing.T) {
	dialer := NewMemoryDialer(func(Key, Channel) { t.Error("accept called for an invalid key") }, testLogger())
	if _, err := dialer.Dial(context.Background(), Key{Session: "s"}); err == nil {
		t.Fatal("Dial accepted a key without a document")
	}
}
