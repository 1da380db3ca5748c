// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows serves string rows through the pgx.Rows interface.
type fakeRows struct {
	rows    [][]string
	index   int
	scanErr error
	closed  bool
}

func (r *fakeRows) Close() { r.closed = true }
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte { return nil }
func (r *fakeRows) Conn() *pgx.Conn { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.index >= len(r.rows) {
		return false
	}
	r.index++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.rows[r.index-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan into %d targets, row has %d columns", len(dest), len(row))
	}
	for i, value := range row {
		target, ok := dest[i].(*string)
		if !ok {
			return fmt.Errorf("column %d: unsupported target %T", i, dest[i])
		}
		*target = value
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	row := r.rows[r.index-1]
	values := make([]any, len(row))
	for i, value := range row {
		values[i] = value
	}
	return values, nil
}

type fakeQuerier struct {
	rows     *fakeRows
	queryErr error
	args     []any
}

func (q *fakeQuerier) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	q.args = args
	if q.queryErr != nil {
		return nil, q.queryErr
	}
	return q.rows, nil
}

func TestPostgres_Members(t *testing.T) {
	db := &fakeQuerier{rows: &fakeRows{rows: [][]string{
		{"alice", "Alice"},
		{"bob", ""},
	}}}
	store := NewPostgres(db)

	members, err := store.Members(context.Background(), "interview")
	if err != nil {
		t.Fatal(err)
	}
	if len(db.args) != 1 || db.args[0] != "interview" {
		t.Errorf("query args = %v, want [interview]", db.args)
	}
	if len(members) != 2 {
		t.Fatalf("members = %+v, want two", members)
	}
	if members[0].Name() != "Alice" || members[1].Name() != "bob" {
		t.Errorf("names = %q, %q; want Alice and the id fallback bob", members[0].Name(), members[1].Name())
	}
	if !db.rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgres_Errors(t *testing.T) {
	queryFailure := errors.New("connection refused")
	store := NewPostgres(&fakeQuerier{queryErr: queryFailure})
	if _, err := store.Members(context.Background(), "interview"); !errors.Is(err, queryFailure) {
		t.Errorf("query failure: error = %v", err)
	}

	scanFailure := errors.New("bad column")
	store = NewPostgres(&fakeQuerier{rows: &fakeRows{rows: [][]string{{"alice", "Alice"}}, scanErr: scanFailure}})
	if _, err := store.Members(context.Background(), "interview"); !errors.Is(err, scanFailure) {
		t.Errorf("scan failure: error = %v", err)
	}
}

func TestStatic_MembersAndLookup(t *testing.T) {
	static := NewStatic()
	static.Add("interview", Participant{ID: "bob"})
	static.Add("interview", Participant{ID: "alice", DisplayName: "Alice"})
	static.Add("interview", Participant{ID: "alice", DisplayName: "Alice L."})
	static.Add("standup", Participant{ID: "carol"})

	members, err := static.Members(context.Background(), "interview")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].ID != "alice" || members[0].DisplayName != "Alice L." || members[1].ID != "bob" {
		t.Errorf("members = %+v", members)
	}

	found, err := Lookup(context.Background(), static, "interview", "bob")
	if err != nil || found.Name() != "bob" {
		t.Errorf("Lookup(bob) = %+v, %v", found, err)
	}
	if _, err := Lookup(context.Background(), static, "interview", "carol"); !errors.Is(err, ErrNotMember) {
		t.Errorf("Lookup(carol) error = %v, want ErrNotMember", err)
	}
	if members, _ := static.Members(context.Background(), "unknown"); len(members) != 0 {
		t.Errorf("unknown session members = %+v", members)
	}
}
