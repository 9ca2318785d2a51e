// Package postgres implements the durable PriceStore and DeadLetterStore
// on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS price_points (
	asset       TEXT        NOT NULL,
	quote       TEXT        NOT NULL,
	source      TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	price       NUMERIC     NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset, quote, source, ts)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id            UUID        PRIMARY KEY,
	task_id       UUID        NOT NULL,
	asset         TEXT        NOT NULL,
	quote         TEXT        NOT NULL,
	source        TEXT        NOT NULL,
	scheduled_at  TIMESTAMPTZ NOT NULL,
	attempt_count INT         NOT NULL,
	last_error    TEXT        NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_pair_failed_at
	ON dead_letters (asset, quote, source, failed_at);
`

// Store carries the shared connection pool for both stores.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the tables and indexes if they do not exist. The primary key
// on (asset, quote, source, ts) is the composite index serving both the
// upsert key lookup and the filtered range scan.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Health pings the pool.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Prices returns the PriceStore view over the pool.
func (s *Store) Prices() *PriceStore { return &PriceStore{pool: s.pool} }

// DeadLetters returns the DeadLetterStore view over the pool.
func (s *Store) DeadLetters() *DeadLetterStore { return &DeadLetterStore{pool: s.pool} }
