// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/pairspace/lib/codec"
	"github.com/bureau-foundation/pairspace/lib/version"
	"github.com/bureau-foundation/pairspace/oplog"
)

func TestEncode_CompressesLargeBodies(t *testing.T) {
	text := strings.Repeat("def main():\n    pass\n", 1000)
	message := SyncStep2{Operations: []oplog.Operation{{
		Document: "python", Replica: "alice", Sequence: 1, Clock: 1, Text: text,
	}}}

	frame, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) >= len(text) {
		t.Errorf("frame is %d bytes for %d bytes of text; compression did not apply", len(frame), len(text))
	}
	var raw envelope
	if err := codec.Unmarshal(frame, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Compression != codec.CompressionZstd || raw.Kind != kindSyncStep2 {
		t.Errorf("envelope = kind %q compression %s", raw.Kind, raw.Compression)
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	step2, ok := decoded.(SyncStep2)
	if !ok || len(step2.Operations) != 1 || step2.Operations[0].Text != text {
		t.Fatalf("decoded %T does not match the original", decoded)
	}
}

func TestEncode_MidSizedBodiesUseLZ4(t *testing.T) {
	pasted := strings.Repeat("for i := range 10 {\n\tfmt.Println(i)\n}\n", 40)
	message := Update{Operation: oplog.Operation{
		Document: "go", Replica: "bob", Sequence: 3, Clock: 9, Text: pasted,
	}}

	frame, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var raw envelope
	if err := codec.Unmarshal(frame, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Compression != codec.CompressionLZ4 || raw.Size == 0 {
		t.Errorf("envelope compression = %s, size %d", raw.Compression, raw.Size)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if update, ok := decoded.(Update); !ok || update.Operation.Text != pasted {
		t.Fatalf("decoded %T does not match the original", decoded)
	}
}

func TestDecode_RejectsUnknownKind(t *testing.T) {
	body, _ := codec.Marshal(map[string]int{"x": 1})
	frame, _ := codec.Marshal(envelope{Version: version.Protocol, Kind: "cursor-dance", Body: body})

	_, err := Decode(frame)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Decode = %v, want ErrUnknownKind", err)
	}
}

func TestDecode_RejectsOtherProtocolVersions(t *testing.T) {
	body, _ := codec.Marshal(Update{})
	frame, _ := codec.Marshal(envelope{Version: version.Protocol + 1, Kind: kindUpdate, Body: body})

	if _, err := Decode(frame); !errors.Is(err, ErrProtocolVersion) {
		t.Fatalf("Decode = %v, want ErrProtocolVersion", err)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	for _, frame := range [][]byte{nil, []byte("not cbor at all"), {0xa1, 0x61}} {
		if _, err := Decode(frame); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("Decode(%x) = %v, want ErrMalformedFrame", frame, err)
		}
	}
}

func TestKey_ParseAndValidate(t *testing.T) {
	key, err := ParseKey("session-1/python")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if key != (Key{Session: "session-1", Document: "python"}) || key.String() != "session-1/python" {
		t.Errorf("ParseKey = %+v", key)
	}
	for _, text := range []string{"", "session", "/python", "session/", "a/b/c", "a b/c"} {
		if _, err := ParseKey(text); err == nil {
			t.Errorf("ParseKey(%q) succeeded", text)
		}
	}
}
