// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/pairspace/lib/codec"
	"github.com/bureau-foundation/pairspace/lib/version"
)

var (
	// ErrUnknownKind marks a frame whose kind is not one of the four
	// sync message kinds.
	ErrUnknownKind = errors.New("transport: unknown message kind")

	// ErrProtocolVersion marks a frame from a peer speaking another
	// protocol revision.
	ErrProtocolVersion = errors.New("transport: protocol version mismatch")

	// ErrMalformedFrame marks a frame that does not decode.
	ErrMalformedFrame = errors.New("transport: malformed frame")
)

// envelope is the wire form of a Message.
type envelope struct {
	Version     int               `cbor:"v"`
	Kind        string            `cbor:"k"`
	// Compression and Size describe a compressed body, which is
	// wrapped as a CBOR byte string so the envelope stays well-formed.
	Compression codec.Compression `cbor:"z,omitempty"`
	Size        int               `cbor:"n,omitempty"`
	Body        codec.RawMessage  `cbor:"b"`
}

// Encode renders m as one self-delimiting CBOR frame.
func Encode(m Message) ([]byte, error) {
	body, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", m.kind(), err)
	}
	frame := envelope{Version: version.Protocol, Kind: m.kind()}
	if compressed, algorithm := codec.Compress(body); algorithm != codec.CompressionNone {
		wrapped, err := codec.Marshal(compressed)
		if err != nil {
			return nil, fmt.Errorf("wrapping compressed %s body: %w", m.kind(), err)
		}
		frame.Compression = algorithm
		frame.Size = len(body)
		frame.Body = wrapped
	} else {
		frame.Body = body
	}
	return codec.Marshal(frame)
}

// Decode parses one frame produced by Encode.
func Decode(data []byte) (Message, error) {
	var frame envelope
	if err := codec.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Version != version.Protocol {
		return nil, fmt.Errorf("%w: peer speaks %d, we speak %d", ErrProtocolVersion, frame.Version, version.Protocol)
	}

	body := []byte(frame.Body)
	if frame.Compression != codec.CompressionNone {
		var compressed []byte
		if err := codec.Unmarshal(body, &compressed); err != nil {
			return nil, fmt.Errorf("%w: compressed body: %v", ErrMalformedFrame, err)
		}
		expanded, err := codec.Decompress(compressed, frame.Compression, frame.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		body = expanded
	}

	switch frame.Kind {
	case kindSyncStep1:
		return decodeBody[SyncStep1](frame.Kind, body)
	case kindSyncStep2:
		return decodeBody[SyncStep2](frame.Kind, body)
	case kindUpdate:
		return decodeBody[Update](frame.Kind, body)
	case kindAwareness:
		return decodeBody[AwarenessUpdate](frame.Kind, body)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Kind)
}

func decodeBody[M Message](kind string, body []byte) (Message, error) {
	var message M
	if err := codec.Unmarshal(body, &message); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, kind, err)
	}
	return message, nil
}
