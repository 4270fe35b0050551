// Package jobqueue wraps the river job queue. The gateway uses an
// insert-only client to enqueue work; the worker process runs the full
// client with registered workers.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/internal/config"
	"github.com/codescribe/codescribe/pkg/models"
)

// ReviewJobArgs asks for a full review of a pull request revision.
type ReviewJobArgs struct {
	JobID          string                `json:"job_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	PullRequest    models.PullRequestRef `json:"pull_request"`
	InstallationID int64                 `json:"installation_id"`
	EventID        string                `json:"event_id"`
}

func (ReviewJobArgs) Kind() string { return "pr_review" }

// ReplyJobArgs asks for a response to a human comment in a review thread.
type ReplyJobArgs struct {
	JobID          string                `json:"job_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	PullRequest    models.PullRequestRef `json:"pull_request"`
	InstallationID int64                 `json:"installation_id"`
	ThreadID       string                `json:"thread_id"`
	HostMessageID  string                `json:"host_message_id"`
	Author         string                `json:"author"`
	Body           string                `json:"body"`
	PostedAt       time.Time             `json:"posted_at"`
}

func (ReplyJobArgs) Kind() string { return "thread_reply" }

// ThreadCloseArgs closes all threads on a pull request after it is closed or
// merged.
type ThreadCloseArgs struct {
	JobID          string                `json:"job_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	PullRequest    models.PullRequestRef `json:"pull_request"`
}

func (ThreadCloseArgs) Kind() string { return "thread_close" }

// Queue is a thin seam over the river client so the gateway and worker share
// one enqueue surface.
type Queue struct {
	client *river.Client[pgx.Tx]
	cfg    config.QueueConfig
}

// NewInsertOnly builds a queue handle that can enqueue but not work jobs.
// The gateway uses this.
func NewInsertOnly(pool *pgxpool.Pool, cfg config.QueueConfig) (*Queue, error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating insert-only queue client: %w", err)
	}
	return &Queue{client: client, cfg: cfg}, nil
}

// New builds a working queue client with the given workers registered.
func New(pool *pgxpool.Pool, cfg config.QueueConfig, workers *river.Workers) (*Queue, error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:              workers,
		RescueStuckJobsAfter: cfg.RescueAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("creating queue client: %w", err)
	}
	return &Queue{client: client, cfg: cfg}, nil
}

func (q *Queue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("starting queue client: %w", err)
	}
	log.Info().Int("max_workers", q.cfg.MaxWorkers).Msg("job queue started")
	return nil
}

func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

func (q *Queue) insertOpts() *river.InsertOpts {
	return &river.InsertOpts{MaxAttempts: q.cfg.MaxAttempts}
}

// EnqueueReview inserts a review job for the pull request revision.
func (q *Queue) EnqueueReview(ctx context.Context, args ReviewJobArgs) error {
	if _, err := q.client.Insert(ctx, args, q.insertOpts()); err != nil {
		return fmt.Errorf("enqueueing review job: %w", err)
	}
	log.Info().
		Str("pr", args.PullRequest.String()).
		Str("sha", args.PullRequest.HeadSHA).
		Msg("review job enqueued")
	return nil
}

// EnqueueReply inserts a reply job for a thread comment.
func (q *Queue) EnqueueReply(ctx context.Context, args ReplyJobArgs) error {
	if _, err := q.client.Insert(ctx, args, q.insertOpts()); err != nil {
		return fmt.Errorf("enqueueing reply job: %w", err)
	}
	log.Info().
		Str("pr", args.PullRequest.String()).
		Str("thread", args.ThreadID).
		Msg("reply job enqueued")
	return nil
}

// EnqueueClose inserts a thread-close job.
func (q *Queue) EnqueueClose(ctx context.Context, args ThreadCloseArgs) error {
	if _, err := q.client.Insert(ctx, args, q.insertOpts()); err != nil {
		return fmt.Errorf("enqueueing close job: %w", err)
	}
	return nil
}
