// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// membersQuery reads the identity store's membership table:
//
//	session_participants(session_id text, participant_id text, display_name text null)
const membersQuery = `
SELECT participant_id, COALESCE(display_name, '')
FROM session_participants
WHERE session_id = $1
ORDER BY participant_id`

// Querier is the part of *pgxpool.Pool the roster uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres reads rosters from PostgreSQL.
type Postgres struct {
	db   Querier
	pool *pgxpool.Pool
}

// Open connects a pool to databaseURL and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening roster database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to roster database: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// NewPostgres wraps an existing connection or pool. Close does not
// close it.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// Members implements Source.
func (p *Postgres) Members(ctx context.Context, session string) ([]Participant, error) {
	rows, err := p.db.Query(ctx, membersQuery, session)
	if err != nil {
		return nil, fmt.Errorf("querying roster for %s: %w", session, err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Participant, error) {
		var participant Participant
		err := row.Scan(&participant.ID, &participant.DisplayName)
		return participant, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading roster for %s: %w", session, err)
	}
	return members, nil
}

// Close releases a pool opened by Open.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
