package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool and verifies connectivity. The pool
// is the single process-wide connection to Postgres; it is constructed here
// and passed explicitly to every component that needs it.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the application tables if they do not exist. River's
// own job tables are managed by its migration tool and are not touched here.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key          TEXT PRIMARY KEY,
			state        TEXT NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			expires_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS comment_threads (
			thread_id   TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			repo        TEXT NOT NULL,
			pr_number   INTEGER NOT NULL,
			head_sha    TEXT NOT NULL,
			anchor_file TEXT NOT NULL DEFAULT '',
			anchor_line INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL,
			finding     JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS comment_threads_pr_idx
			ON comment_threads (owner, repo, pr_number)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id              BIGSERIAL PRIMARY KEY,
			thread_id       TEXT NOT NULL REFERENCES comment_threads(thread_id),
			host_message_id TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL,
			body            TEXT NOT NULL,
			posted_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversation_messages_host_idx
			ON conversation_messages (thread_id, host_message_id)
			WHERE host_message_id <> ''`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id            BIGSERIAL PRIMARY KEY,
			job_id        TEXT NOT NULL UNIQUE,
			final_error   TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			payload       JSONB,
			recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	return nil
}
