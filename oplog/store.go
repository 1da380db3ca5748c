// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrInvalidEdit is returned by ApplyLocal for an edit range
	// outside the document.
	ErrInvalidEdit = errors.New("edit range outside document")

	// ErrEmptyEdit is returned by ApplyLocal for an edit that neither
	// deletes nor inserts.
	ErrEmptyEdit = errors.New("edit changes nothing")
)

// Edit is a local change expressed in visible rune offsets.
type Edit struct {
	// Position is the rune offset where the edit starts.
	Position int `json:"position"`
	// Delete is the number of runes removed starting at Position.
	Delete int `json:"delete,omitempty"`
	// Insert is placed at Position after the removal.
	Insert string `json:"insert,omitempty"`
}

type operationKey struct {
	replica  string
	sequence uint64
}

// element is one rune in the sequence, alive or tombstoned.
type element struct {
	id      ID
	value   rune
	deleted bool
	next    *element
}

// Store is one replica of one document. It is safe for concurrent
// use; no method blocks on anything but the store's own lock.
type Store struct {
	document string
	replica  string
	logger   *slog.Logger

	mu sync.Mutex

	// head is a sentinel before the first rune.
	head    *element
	index   map[ID]*element
	visible int

	clock    uint64
	sequence uint64
	vector   Vector

	// log holds integrated operations in integration order, which is
	// a causal order.
	log     []Operation
	pending map[operationKey]Operation

	snapshot      string
	snapshotDirty bool
	digest        []byte
}

// Config configures a Store.
type Config struct {
	// Document is the key every operation must carry.
	Document string
	// Replica names this store's local edits. It must be unique among
	// every replica that will ever edit the document.
	Replica string
	Logger  *slog.Logger
}

// New returns an empty document replica.
func New(config Config) (*Store, error) {
	if config.Document == "" {
		return nil, errors.New("oplog: document key is required")
	}
	if config.Replica == "" {
		return nil, errors.New("oplog: replica id is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	head := &element{}
	return &Store{
		document: config.Document,
		replica:  config.Replica,
		logger:   logger.With("document", config.Document, "replica", config.Replica),
		head:     head,
		index:    map[ID]*element{{}: head},
		vector:   Vector{},
		pending:  make(map[operationKey]Operation),
	}, nil
}

// Document returns the document key.
func (s *Store) Document() string { return s.document }

// Replica returns the local replica id.
func (s *Store) Replica() string { return s.replica }

// ApplyLocal converts edit into an operation, integrates it, and
// returns it for transmission.
func (s *Store) ApplyLocal(edit Edit) (Operation, error) {
	if edit.Delete == 0 && edit.Insert == "" {
		return Operation{}, ErrEmptyEdit
	}
	if !utf8.ValidString(edit.Insert) {
		return Operation{}, fmt.Errorf("%w: insert is not valid UTF-8", ErrInvalidEdit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if edit.Position < 0 || edit.Delete < 0 ||
		edit.Position > s.visible || edit.Delete > s.visible-edit.Position {
		return Operation{}, fmt.Errorf("%w: position %d delete %d in %d runes",
			ErrInvalidEdit, edit.Position, edit.Delete, s.visible)
	}

	origin, deletes := s.locate(edit.Position, edit.Delete)
	op := Operation{
		Document: s.document,
		Replica:  s.replica,
		Sequence: s.sequence + 1,
		Clock:    s.clock + 1,
		Deletes:  deletes,
	}
	if edit.Insert != "" {
		op.Origin = origin
		op.Text = edit.Insert
	}

	if err := op.validate(s.document); err != nil {
		// Only reachable through a bug in locate.
		return Operation{}, err
	}
	s.integrate(op)
	return op, nil
}

// locate returns the ID of the visible rune before position (the head
// for position 0) and the IDs of the count visible runes starting at
// position.
func (s *Store) locate(position, count int) (ID, []ID) {
	origin := s.head.id
	var deletes []ID
	seen := 0
	for node := s.head.next; node != nil && seen < position+count; node = node.next {
		if node.deleted {
			continue
		}
		if seen < position {
			origin = node.id
		} else {
			deletes = append(deletes, node.id)
		}
		seen++
	}
	return origin, deletes
}

// MergeRemote integrates a remote operation. It returns the number of
// operations integrated by this call: zero for a duplicate or an
// operation parked on missing context, more than one when op unparks
// earlier arrivals.
func (s *Store) MergeRemote(op Operation) (int, error) {
	if err := op.validate(s.document); err != nil {
		s.logger.Warn("rejected remote operation", "error", err)
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known(op) {
		return 0, nil
	}
	if err := s.checkConflicts(op); err != nil {
		s.logger.Warn("rejected remote operation", "error", err)
		return 0, err
	}
	if !s.ready(op) {
		s.pending[op.key()] = op
		s.logger.Debug("parked operation awaiting causal context",
			"from", op.Replica, "sequence", op.Sequence, "pending", len(s.pending))
		return 0, nil
	}

	s.integrate(op)
	return 1 + s.drainPending(), nil
}

// known reports whether op was already integrated or parked.
func (s *Store) known(op Operation) bool {
	if op.Sequence <= s.vector[op.Replica] {
		return true
	}
	_, parked := s.pending[op.key()]
	return parked
}

// checkConflicts rejects an operation that would reuse a rune ID
// already present in the sequence.
func (s *Store) checkConflicts(op Operation) error {
	if op.Replica == s.replica {
		return op.protocolError(ErrConflictingOperation, "carries the local replica id")
	}
	for _, id := range op.InsertedIDs() {
		if _, exists := s.index[id]; exists {
			return op.protocolError(ErrConflictingOperation, "rune %s already exists", id)
		}
	}
	return nil
}

// ready reports whether op's causal context has been integrated.
func (s *Store) ready(op Operation) bool {
	if op.Sequence != s.vector[op.Replica]+1 {
		return false
	}
	if _, ok := s.index[op.Origin]; !ok {
		return false
	}
	for _, target := range op.Deletes {
		if _, ok := s.index[target]; !ok {
			return false
		}
	}
	return true
}

// drainPending integrates parked operations until none is ready.
func (s *Store) drainPending() int {
	integrated := 0
	for progress := true; progress; {
		progress = false
		for key, op := range s.pending {
			if !s.ready(op) {
				continue
			}
			delete(s.pending, key)
			s.integrate(op)
			integrated++
			progress = true
		}
	}
	return integrated
}

// integrate applies a validated, ready operation. Deletes run first so
// an operation that replaces a selection never observes its own
// inserted runes as targets.
func (s *Store) integrate(op Operation) {
	for _, target := range op.Deletes {
		node := s.index[target]
		if !node.deleted {
			node.deleted = true
			s.visible--
		}
	}

	if op.Text != "" {
		left := s.index[op.Origin]
		id := ID{Replica: op.Replica, Clock: op.Clock}
		for _, value := range op.Text {
			node := &element{id: id, value: value}
			s.insertAfter(left, node)
			left = node
			id.Clock++
		}
	}

	s.clock = max(s.clock, op.LastClock())
	if op.Replica == s.replica {
		s.sequence = op.Sequence
	}
	s.vector[op.Replica] = op.Sequence
	s.log = append(s.log, op)
	s.snapshotDirty = true
	s.digest = nil
}

// insertAfter places node after origin, skipping every following rune
// whose ID is greater. Runes inserted concurrently after the same
// origin therefore sort by descending ID, and each one's descendants
// (which all carry greater IDs) stay attached to it.
func (s *Store) insertAfter(origin, node *element) {
	left := origin
	for left.next != nil && left.next.id.Compare(node.id) > 0 {
		left = left.next
	}
	node.next = left.next
	left.next = node
	s.index[node.id] = node
	s.visible++
}

// Snapshot returns the visible text.
func (s *Store) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() string {
	if !s.snapshotDirty {
		return s.snapshot
	}
	var builder strings.Builder
	for node := s.head.next; node != nil; node = node.next {
		if !node.deleted {
			builder.WriteRune(node.value)
		}
	}
	s.snapshot = builder.String()
	s.snapshotDirty = false
	return s.snapshot
}

// Len returns the number of visible runes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Pending returns the number of parked operations.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Locate returns the ID of the visible rune at position, or the head
// for position 0. Awareness cursors are anchored this way so they
// survive concurrent edits.
func (s *Store) Locate(position int) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	origin, _ := s.locate(position, 0)
	return origin
}

// Position returns the visible rune offset just after id. A
// tombstoned id resolves to the offset of its nearest visible
// predecessor; an unknown id reports false.
func (s *Store) Position(id ID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.index[id]
	if !ok {
		return 0, false
	}
	position := 0
	for node := s.head; node != nil; node = node.next {
		if node != s.head && !node.deleted {
			position++
		}
		if node == target {
			return position, true
		}
	}
	return 0, false
}
