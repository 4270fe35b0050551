// Package prlock serializes processing per pull request using Postgres
// advisory locks. Two jobs for the same PR never run concurrently even
// across worker processes.
package prlock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type Locker struct {
	pool *pgxpool.Pool
}

func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// TryAcquire attempts to take the lock without blocking. It returns a release
// function on success and false when another worker holds the lock. The lock
// is session-scoped, so the connection is pinned until release.
func (l *Locker) TryAcquire(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("taking advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on a background context so a canceled job still releases.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			log.Error().Err(err).Int64("key", key).Msg("releasing advisory lock failed")
		}
		conn.Release()
	}
	return release, true, nil
}
