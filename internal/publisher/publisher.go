// Package publisher posts review results to the hosting platform. It owns
// outbound rate limiting and deduplication against comments that already
// exist, so redelivered jobs and takeovers of abandoned work never double
// post.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/codescribe/codescribe/internal/retry"
	"github.com/codescribe/codescribe/pkg/models"
)

// ExistingComment is a review comment already present on the pull request,
// used for deduplication and for reconciling work a dead worker left behind.
type ExistingComment struct {
	ID        string
	ThreadID  string
	File      string
	Line      int
	Author    string
	Body      string
	CreatedAt time.Time
}

// CommentAPI is the hosting platform surface the publisher drives.
type CommentAPI interface {
	// CreateReviewComment posts an inline comment anchored to a diff line and
	// returns the platform's thread identifier.
	CreateReviewComment(ctx context.Context, ref models.PullRequestRef, finding models.ReviewFinding) (string, error)
	// CreatePRComment posts a pull-request-level comment, used when a finding
	// has no valid inline anchor.
	CreatePRComment(ctx context.Context, ref models.PullRequestRef, body string) error
	// ReplyToThread posts into an existing comment thread and returns the new
	// comment's identifier.
	ReplyToThread(ctx context.Context, ref models.PullRequestRef, threadID string, body string) (string, error)
	// ListExistingComments returns the review comments currently on the PR.
	ListExistingComments(ctx context.Context, ref models.PullRequestRef) ([]ExistingComment, error)
}

// PublishedFinding pairs a finding with the thread the platform created
// for it.
type PublishedFinding struct {
	Finding  models.ReviewFinding
	ThreadID string
}

type Publisher struct {
	api      CommentAPI
	limiter  *rate.Limiter
	retryCfg retry.RetryConfig
	botLogin string
}

func New(api CommentAPI, limiter *rate.Limiter, retryCfg retry.RetryConfig, botLogin string) *Publisher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(1), 2)
	}
	return &Publisher{api: api, limiter: limiter, retryCfg: retryCfg, botLogin: botLogin}
}

// PublishFindings posts each finding as an inline comment, skipping those the
// bot already posted at the same anchor. Skipping against the platform's own
// listing, rather than local state, also covers effects left behind by a
// worker that died mid-publish. Skipped findings are still returned, carrying
// the existing comment's thread ID, so the caller can reconcile thread records
// the dead worker never wrote.
func (p *Publisher) PublishFindings(ctx context.Context, ref models.PullRequestRef, findings []models.ReviewFinding) ([]PublishedFinding, error) {
	existing, err := p.api.ListExistingComments(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("listing existing comments: %w", err)
	}

	// anchor -> thread ID of the bot comment already covering it
	posted := make(map[string]string, len(existing))
	for _, c := range existing {
		if p.botLogin == "" || c.Author == p.botLogin {
			posted[anchorKey(c.File, c.Line)] = c.ThreadID
		}
	}

	var published []PublishedFinding
	for _, finding := range findings {
		key := anchorKey(finding.File, finding.Lines.Start)
		if existingThread, ok := posted[key]; ok {
			log.Info().
				Str("file", finding.File).
				Int("line", finding.Lines.Start).
				Str("thread", existingThread).
				Msg("comment already present at anchor, reusing its thread")
			published = append(published, PublishedFinding{Finding: finding, ThreadID: existingThread})
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return published, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		var threadID string
		result := retry.WithBackoff(ctx, p.retryCfg, func() error {
			id, err := p.api.CreateReviewComment(ctx, ref, finding)
			if err != nil {
				return err
			}
			threadID = id
			return nil
		})
		if !result.Success {
			return published, fmt.Errorf("publishing finding at %s: %w", key, result.LastError)
		}

		posted[key] = threadID
		published = append(published, PublishedFinding{Finding: finding, ThreadID: threadID})
	}
	return published, nil
}

// ReplyPostedSince reports whether the bot already answered in the thread
// after the given time, returning that comment when it exists. Redelivered
// reply jobs use it to detect an answer a dead worker posted but never
// recorded.
func (p *Publisher) ReplyPostedSince(ctx context.Context, ref models.PullRequestRef, threadID string, since time.Time) (*ExistingComment, error) {
	// Without a known bot login there is no way to tell our replies from
	// later human ones; skip the check rather than misattribute.
	if p.botLogin == "" {
		return nil, nil
	}

	existing, err := p.api.ListExistingComments(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("listing existing comments: %w", err)
	}
	for _, c := range existing {
		if c.ThreadID != threadID || c.ID == threadID {
			continue
		}
		if c.Author != p.botLogin {
			continue
		}
		if c.CreatedAt.After(since) {
			reply := c
			return &reply, nil
		}
	}
	return nil, nil
}

// PublishSummary posts a PR-level comment.
func (p *Publisher) PublishSummary(ctx context.Context, ref models.PullRequestRef, body string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	result := retry.WithBackoff(ctx, p.retryCfg, func() error {
		return p.api.CreatePRComment(ctx, ref, body)
	})
	if !result.Success {
		return fmt.Errorf("publishing summary: %w", result.LastError)
	}
	return nil
}

// Reply posts into an existing thread and returns the new comment ID.
func (p *Publisher) Reply(ctx context.Context, ref models.PullRequestRef, threadID, body string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var messageID string
	result := retry.WithBackoff(ctx, p.retryCfg, func() error {
		id, err := p.api.ReplyToThread(ctx, ref, threadID, body)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	})
	if !result.Success {
		return "", fmt.Errorf("replying to thread %s: %w", threadID, result.LastError)
	}
	return messageID, nil
}

func anchorKey(file string, line int) string {
	return fmt.Sprintf("%s:%d", file, line)
}
