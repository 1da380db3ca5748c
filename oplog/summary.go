// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/zeebo/blake3"
)

// Summary describes a replica's state compactly enough to send on
// every resync tick. Vector says which operations the replica holds;
// Digest is a BLAKE3 hash over the vector and the visible text.
type Summary struct {
	Vector Vector `cbor:"vec"`
	Digest []byte `cbor:"dig"`
}

// Equal reports whether two summaries describe the same state.
func (s Summary) Equal(other Summary) bool {
	return bytes.Equal(s.Digest, other.Digest)
}

// Summary returns the store's current state summary.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest == nil {
		s.digest = s.digestLocked()
	}
	return Summary{Vector: s.vector.Clone(), Digest: bytes.Clone(s.digest)}
}

func (s *Store) digestLocked() []byte {
	hasher := blake3.New()
	var scratch [binary.MaxVarintLen64]byte
	for _, replica := range s.vector.Replicas() {
		hasher.Write(binary.AppendUvarint(scratch[:0], uint64(len(replica))))
		io.WriteString(hasher, replica)
		hasher.Write(binary.AppendUvarint(scratch[:0], s.vector[replica]))
	}
	hasher.Write([]byte{0})
	io.WriteString(hasher, s.snapshotLocked())
	return hasher.Sum(nil)
}

// Delta returns, in causal order, every integrated operation remote
// does not hold. Parked operations are never included.
func (s *Store) Delta(remote Vector) []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var delta []Operation
	for _, op := range s.log {
		if op.Sequence > remote[op.Replica] {
			delta = append(delta, op)
		}
	}
	return delta
}

// Missing reports whether remote holds operations this store has not
// integrated. Parked operations count as missing: their context is
// still on the remote side.
func (s *Store) Missing(remote Vector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.vector.Covers(remote)
}

// Vector returns a copy of the store's version vector.
func (s *Store) Vector() Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vector.Clone()
}
