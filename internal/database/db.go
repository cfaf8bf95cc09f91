// internal/database/db.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres persistence for users, finished competitions and ratings.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           UUID PRIMARY KEY,
	email        TEXT UNIQUE,
	password     TEXT NOT NULL DEFAULT '',
	username     TEXT NOT NULL,
	is_ephemeral BOOLEAN NOT NULL DEFAULT TRUE,
	rating       INTEGER NOT NULL DEFAULT 1500,
	rating_dev   DOUBLE PRECISION NOT NULL DEFAULT 350,
	volatility   DOUBLE PRECISION NOT NULL DEFAULT 0.06,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS competitions (
	id          UUID PRIMARY KEY,
	room_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	text_length INTEGER NOT NULL,
	start_time  BIGINT NOT NULL,
	end_time    BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (room_id, end_time)
);

CREATE TABLE IF NOT EXISTS competition_results (
	competition_id UUID NOT NULL REFERENCES competitions(id) ON DELETE CASCADE,
	user_id        TEXT NOT NULL,
	username       TEXT NOT NULL,
	rank           INTEGER NOT NULL,
	wpm            DOUBLE PRECISION NOT NULL,
	accuracy       DOUBLE PRECISION NOT NULL,
	progress       DOUBLE PRECISION NOT NULL,
	finished       BOOLEAN NOT NULL,
	finish_time    BIGINT,
	PRIMARY KEY (competition_id, user_id)
);

CREATE TABLE IF NOT EXISTS rating_history (
	user_id        UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	competition_id UUID NOT NULL REFERENCES competitions(id) ON DELETE CASCADE,
	old_rating     INTEGER NOT NULL,
	new_rating     INTEGER NOT NULL,
	PRIMARY KEY (user_id, competition_id)
);
`

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
