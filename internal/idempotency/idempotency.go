// Package idempotency gates job processing so that redelivered jobs do not
// repeat externally visible effects. Keys live in Postgres with a TTL; an
// in_progress claim left behind by a crashed worker becomes stale after a
// grace period and can be taken over.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Decision is the outcome of attempting to claim a key.
type Decision int

const (
	// Proceed means the caller owns the key and should do the work.
	Proceed Decision = iota
	// AlreadyCompleted means the work finished previously; ack without
	// repeating effects.
	AlreadyCompleted
	// Busy means another worker holds a live claim; retry later.
	Busy
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyCompleted:
		return "already_completed"
	case Busy:
		return "busy"
	}
	return "unknown"
}

type Store struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
	ttl        time.Duration
}

func NewStore(pool *pgxpool.Pool, staleAfter, ttl time.Duration) *Store {
	return &Store{pool: pool, staleAfter: staleAfter, ttl: ttl}
}

// Begin claims the key for processing. The row is locked for the duration of
// the transaction so two workers racing on the same key serialize here.
func (s *Store) Begin(ctx context.Context, key string) (Decision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Busy, fmt.Errorf("beginning idempotency tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		state     string
		startedAt time.Time
		expiresAt time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT state, started_at, expires_at
		FROM idempotency_keys WHERE key = $1
		FOR UPDATE`, key).Scan(&state, &startedAt, &expiresAt)

	now := time.Now()

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, state, started_at, expires_at)
			VALUES ($1, 'in_progress', $2, $3)`,
			key, now, now.Add(s.ttl)); err != nil {
			return Busy, fmt.Errorf("claiming idempotency key: %w", err)
		}
		return Proceed, tx.Commit(ctx)

	case err != nil:
		return Busy, fmt.Errorf("reading idempotency key: %w", err)
	}

	// Expired rows are treated as absent regardless of state.
	if now.After(expiresAt) {
		if _, err := tx.Exec(ctx, `
			UPDATE idempotency_keys
			SET state = 'in_progress', started_at = $2, completed_at = NULL, expires_at = $3
			WHERE key = $1`, key, now, now.Add(s.ttl)); err != nil {
			return Busy, fmt.Errorf("reclaiming expired key: %w", err)
		}
		return Proceed, tx.Commit(ctx)
	}

	switch state {
	case "completed":
		return AlreadyCompleted, tx.Commit(ctx)
	case "in_progress":
		if now.Sub(startedAt) >= s.staleAfter {
			log.Warn().
				Str("key", key).
				Time("claimed_at", startedAt).
				Msg("taking over stale idempotency claim")
			if _, err := tx.Exec(ctx, `
				UPDATE idempotency_keys SET started_at = $2 WHERE key = $1`,
				key, now); err != nil {
				return Busy, fmt.Errorf("taking over stale key: %w", err)
			}
			return Proceed, tx.Commit(ctx)
		}
		return Busy, tx.Commit(ctx)
	}
	return Busy, fmt.Errorf("idempotency key %s in unknown state %q", key, state)
}

// Release drops an in_progress claim after a failed attempt so the queue's
// own retry schedule governs the redelivery instead of the claim blocking it
// until the stale-takeover window. Completed keys are untouched; stale
// takeover stays as the crash-only fallback.
func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND state = 'in_progress'`, key)
	if err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// Complete marks the key's work done. It must follow a successful Begin that
// returned Proceed; anything else indicates a logic error.
func (s *Store) Complete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys
		SET state = 'completed', completed_at = now()
		WHERE key = $1 AND state = 'in_progress'`, key)
	if err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s was not in progress at completion", key)
	}
	return nil
}
