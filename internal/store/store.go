package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store mirrors processed persona records into Postgres so they can be
// queried alongside the JSONL files.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS parley_records (
	id              uuid PRIMARY KEY,
	run_id          uuid NOT NULL,
	persona         text NOT NULL,
	seq             integer NOT NULL,
	timestamp_start text NOT NULL,
	timestamp_end   text NOT NULL,
	messages        jsonb NOT NULL,
	created_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS parley_records_persona_idx ON parley_records (persona, seq);

CREATE TABLE IF NOT EXISTS parley_runs (
	run_id       uuid NOT NULL,
	persona      text NOT NULL,
	messages     integer NOT NULL,
	chunks       integer NOT NULL,
	records      integer NOT NULL,
	oracle_calls integer NOT NULL,
	created_at   timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, persona)
);`

// EnsureSchema creates the mirror tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
