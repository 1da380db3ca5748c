// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"fmt"
	"maps"
	"slices"
)

// ID identifies one rune. The zero ID is the document head: inserting
// after it places text at the start of the document.
type ID struct {
	Replica string `cbor:"r"`
	Clock   uint64 `cbor:"c"`
}

// IsHead reports whether id is the document head.
func (id ID) IsHead() bool { return id == ID{} }

// Compare orders IDs by clock and then by replica.
func (id ID) Compare(other ID) int {
	switch {
	case id.Clock < other.Clock:
		return -1
	case id.Clock > other.Clock:
		return 1
	case id.Replica < other.Replica:
		return -1
	case id.Replica > other.Replica:
		return 1
	}
	return 0
}

func (id ID) String() string {
	if id.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%d@%s", id.Clock, id.Replica)
}

// Vector maps a replica to the number of its operations integrated.
type Vector map[string]uint64

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	if v == nil {
		return Vector{}
	}
	return maps.Clone(v)
}

// Covers reports whether v includes every operation other includes.
func (v Vector) Covers(other Vector) bool {
	for replica, sequence := range other {
		if v[replica] < sequence {
			return false
		}
	}
	return true
}

// Replicas returns the vector's replicas in sorted order.
func (v Vector) Replicas() []string {
	return slices.Sorted(maps.Keys(v))
}
