// Package deadletter keeps a durable record of jobs that exhausted their
// retries or failed permanently, preserving the payload for later inspection
// and manual replay.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type Entry struct {
	ID         int64
	JobID      string
	FinalError string
	Attempts   int
	Payload    []byte
	RecordedAt time.Time
}

type Sink struct {
	pool *pgxpool.Pool
}

func NewSink(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// Record stores a failed job. Recording the same job ID twice keeps only the
// first entry so retried final attempts do not duplicate.
func (s *Sink) Record(ctx context.Context, jobID, finalError string, attempts int, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (job_id, final_error, attempt_count, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, finalError, attempts, payload,
	)
	if err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}
	log.Error().
		Str("job_id", jobID).
		Int("attempts", attempts).
		Str("error", finalError).
		Msg("job dead-lettered")
	return nil
}

// List returns dead letters newest first, up to limit.
func (s *Sink) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, final_error, attempt_count, payload, recorded_at
		FROM dead_letters ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.JobID, &e.FinalError, &e.Attempts, &e.Payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
