// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"math/rand/v2"
	"testing"
)

// concurrentHistory builds a history in which three replicas edit
// offline, one of them catches up, and then edits on top of what it
// learned. It returns every operation and the converged text.
func concurrentHistory(t *testing.T) ([]Operation, string) {
	t.Helper()
	alice := newTestStore(t, "alice")
	bob := newTestStore(t, "bob")
	carol := newTestStore(t, "carol")

	seed := mustApply(t, alice, Edit{Position: 0, Insert: "print(x)"})
	mustMerge(t, bob, seed)
	mustMerge(t, carol, seed)

	ops := []Operation{seed}
	ops = append(ops, mustApply(t, alice, Edit{Position: 6, Delete: 1, Insert: "y"}))
	ops = append(ops, mustApply(t, bob, Edit{Position: 0, Insert: "# bob\n"}))
	ops = append(ops, mustApply(t, bob, Edit{Position: 12, Insert: "  "}))
	ops = append(ops, mustApply(t, carol, Edit{Position: 6, Delete: 1}))
	ops = append(ops, mustApply(t, carol, Edit{Position: 6, Insert: "z"}))

	mustMerge(t, alice, bob.Delta(alice.Vector())...)
	ops = append(ops, mustApply(t, alice, Edit{Position: 2, Delete: 3, Insert: "alice"}))

	reference := newTestStore(t, "reference")
	mustMerge(t, reference, ops...)
	if reference.Pending() != 0 {
		t.Fatalf("reference left %d operations parked", reference.Pending())
	}
	return ops, reference.Snapshot()
}

// permute calls visit with every ordering of ops (Heap's algorithm).
func permute(ops []Operation, visit func([]Operation)) {
	working := append([]Operation(nil), ops...)
	counters := make([]int, len(working))
	visit(working)
	for index := 0; index < len(working); {
		if counters[index] < index {
			if index%2 == 0 {
				working[0], working[index] = working[index], working[0]
			} else {
				working[counters[index]], working[index] = working[index], working[counters[index]]
			}
			visit(working)
			counters[index]++
			index = 0
		} else {
			counters[index] = 0
			index++
		}
	}
}

func TestConvergence_EveryDeliveryOrder(t *testing.T) {
	ops, want := concurrentHistory(t)

	orders := 0
	permute(ops, func(order []Operation) {
		orders++
		store := newTestStore(t, "receiver")
		for _, op := range order {
			if _, err := store.MergeRemote(op); err != nil {
				t.Fatalf("order %d: MergeRemote: %v", orders, err)
			}
		}
		if store.Pending() != 0 {
			t.Fatalf("order %d: %d operations still parked", orders, store.Pending())
		}
		if got := store.Snapshot(); got != want {
			t.Fatalf("order %d: Snapshot() = %q, want %q", orders, got, want)
		}
	})
	if orders != 5040 {
		t.Fatalf("visited %d orders, want 7!", orders)
	}
}

func TestConvergence_DuplicatedRandomDelivery(t *testing.T) {
	ops, want := concurrentHistory(t)
	random := rand.New(rand.NewPCG(1, 2))

	for trial := range 200 {
		var stream []Operation
		for _, op := range ops {
			for range 1 + random.IntN(3) {
				stream = append(stream, op)
			}
		}
		random.Shuffle(len(stream), func(i, j int) { stream[i], stream[j] = stream[j], stream[i] })

		left := newTestStore(t, "left")
		right := newTestStore(t, "right")
		mustMerge(t, left, stream...)
		for index := len(stream) - 1; index >= 0; index-- {
			mustMerge(t, right, stream[index])
		}

		if left.Snapshot() != want || right.Snapshot() != want {
			t.Fatalf("trial %d: left = %q, right = %q, want %q", trial, left.Snapshot(), right.Snapshot(), want)
		}
		if !left.Summary().Equal(right.Summary()) {
			t.Fatalf("trial %d: summaries differ", trial)
		}
	}
}

func TestConvergence_PeersExchangingDeltas(t *testing.T) {
	replicas := []*Store{newTestStore(t, "p1"), newTestStore(t, "p2"), newTestStore(t, "p3")}
	random := rand.New(rand.NewPCG(7, 11))
	words := []string{"let ", "x", " = ", "1", ";\n", "fn", "()"}

	for round := range 60 {
		editor := replicas[random.IntN(len(replicas))]
		length := editor.Len()
		if length > 0 && random.IntN(3) == 0 {
			position := random.IntN(length)
			count := 1 + random.IntN(min(3, length-position))
			mustApply(t, editor, Edit{Position: position, Delete: count})
		} else {
			mustApply(t, editor, Edit{Position: random.IntN(length + 1), Insert: words[random.IntN(len(words))]})
		}

		if round%5 == 0 {
			from := replicas[random.IntN(len(replicas))]
			to := replicas[random.IntN(len(replicas))]
			if from != to {
				mustMerge(t, to, from.Delta(to.Vector())...)
			}
		}
	}

	for _, from := range replicas {
		for _, to := range replicas {
			if from != to {
				mustMerge(t, to, from.Delta(to.Vector())...)
			}
		}
	}

	for _, replica := range replicas[1:] {
		if replica.Snapshot() != replicas[0].Snapshot() {
			t.Fatalf("%s = %q, %s = %q", replica.Replica(), replica.Snapshot(), replicas[0].Replica(), replicas[0].Snapshot())
		}
		if !replica.Summary().Equal(replicas[0].Summary()) {
			t.Fatalf("%s summary differs", replica.Replica())
		}
	}
}
