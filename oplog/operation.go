// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxInsertRunes bounds the text one operation may insert. A paste
// larger than this is split by the caller.
const MaxInsertRunes = 1 << 20

var (
	// ErrMalformedOperation marks an operation that is structurally
	// invalid.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrForeignOperation marks an operation addressed to another
	// document.
	ErrForeignOperation = errors.New("operation belongs to another document")

	// ErrConflictingOperation marks an operation that reuses an
	// identity the store already holds with different content.
	ErrConflictingOperation = errors.New("operation conflicts with integrated state")
)

// ProtocolError is returned by MergeRemote for an operation that
// cannot be integrated. It wraps one of the sentinel errors above.
type ProtocolError struct {
	Replica  string
	Sequence uint64
	Err      error
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("operation %s#%d: %v: %s", e.Replica, e.Sequence, e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var protocolError *ProtocolError
	return errors.As(err, &protocolError)
}

// Operation is one atomic edit. It deletes the runes named in Deletes
// and inserts Text after Origin. The inserted runes take the IDs
// {Replica, Clock}, {Replica, Clock+1}, ..., one per rune.
type Operation struct {
	// Document is the key of the document the operation edits.
	Document string `cbor:"doc"`

	Replica string `cbor:"rep"`

	// Sequence numbers the replica's operations 1, 2, 3, ...
	Sequence uint64 `cbor:"seq"`

	// Clock is the Lamport clock of the operation and of its first
	// inserted rune.
	Clock uint64 `cbor:"clk"`

	Origin  ID     `cbor:"org,omitempty"`
	Text    string `cbor:"txt,omitempty"`
	Deletes []ID   `cbor:"del,omitempty"`
}

// LastClock is the highest Lamport clock the operation consumes.
func (op Operation) LastClock() uint64 {
	runes := uint64(utf8.RuneCountInString(op.Text))
	if runes == 0 {
		return op.Clock
	}
	return op.Clock + runes - 1
}

// InsertedIDs returns the IDs assigned to the inserted runes.
func (op Operation) InsertedIDs() []ID {
	ids := make([]ID, 0, utf8.RuneCountInString(op.Text))
	clock := op.Clock
	for range op.Text {
		ids = append(ids, ID{Replica: op.Replica, Clock: clock})
		clock++
	}
	return ids
}

func (op Operation) key() operationKey {
	return operationKey{replica: op.Replica, sequence: op.Sequence}
}

func (op Operation) protocolError(sentinel error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Replica:  op.Replica,
		Sequence: op.Sequence,
		Err:      sentinel,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// validate checks everything that does not depend on store state.
func (op Operation) validate(document string) error {
	if op.Document != document {
		return op.protocolError(ErrForeignOperation, "addressed to %q", op.Document)
	}
	if op.Replica == "" {
		return op.protocolError(ErrMalformedOperation, "empty replica")
	}
	if op.Sequence == 0 {
		return op.protocolError(ErrMalformedOperation, "sequence must start at 1")
	}
	if op.Clock == 0 {
		return op.protocolError(ErrMalformedOperation, "clock must be positive")
	}
	if op.Text == "" && len(op.Deletes) == 0 {
		return op.protocolError(ErrMalformedOperation, "neither inserts nor deletes")
	}
	if !utf8.ValidString(op.Text) {
		return op.protocolError(ErrMalformedOperation, "text is not valid UTF-8")
	}
	if utf8.RuneCountInString(op.Text) > MaxInsertRunes {
		return op.protocolError(ErrMalformedOperation, "inserts more than %d runes", MaxInsertRunes)
	}
	if op.Text == "" && !op.Origin.IsHead() {
		return op.protocolError(ErrMalformedOperation, "origin without text")
	}
	if !op.Origin.IsHead() && (op.Origin.Replica == "" || op.Origin.Clock == 0) {
		return op.protocolError(ErrMalformedOperation, "origin %s is not a rune id", op.Origin)
	}
	if !op.Origin.IsHead() && op.Origin.Clock >= op.Clock {
		return op.protocolError(ErrMalformedOperation, "origin %s does not precede clock %d", op.Origin, op.Clock)
	}
	for _, target := range op.Deletes {
		if target.Replica == "" || target.Clock == 0 {
			return op.protocolError(ErrMalformedOperation, "delete target %s is not a rune id", target)
		}
		if target.Clock >= op.Clock {
			return op.protocolError(ErrMalformedOperation, "delete target %s does not precede clock %d", target, op.Clock)
		}
	}
	return nil
}
