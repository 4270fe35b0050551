// Package worker executes review, reply, and thread-close jobs. The
// Processor holds the pipeline logic; the river workers in this package wrap
// it with queue semantics (snooze, cancel, dead-letter).
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/internal/conversation"
	"github.com/codescribe/codescribe/internal/idempotency"
	"github.com/codescribe/codescribe/internal/jobqueue"
	"github.com/codescribe/codescribe/internal/publisher"
	"github.com/codescribe/codescribe/pkg/models"
)

// cleanReviewSummary is posted when the review finds nothing to flag, so
// every reviewed revision leaves at least one comment on the pull request.
const cleanReviewSummary = "Automated review found no issues in this change."

// ErrBusy signals that the job cannot run right now because another worker
// holds the pull request lock or an idempotency claim. The job should come
// back after a short delay rather than count a failure.
var ErrBusy = errors.New("pull request busy, retry later")

// PermanentError marks failures that no retry can fix, like a deleted pull
// request. The wrapping job is cancelled and dead-lettered instead of
// retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func permanent(err error) error { return &PermanentError{Err: err} }

// StageTimeouts bounds each external dependency call independently so one
// slow stage cannot consume the whole job budget.
type StageTimeouts struct {
	Diff      time.Duration
	Retrieval time.Duration
	Model     time.Duration
	Publish   time.Duration
}

// IdempotencyGate is the slice of the idempotency store the processor uses.
type IdempotencyGate interface {
	Begin(ctx context.Context, key string) (idempotency.Decision, error)
	Release(ctx context.Context, key string) error
	Complete(ctx context.Context, key string) error
}

// PRLocker serializes work per pull request.
type PRLocker interface {
	TryAcquire(ctx context.Context, key int64) (func(), bool, error)
}

// DiffAnalyzer turns raw diff text into an annotated change set.
type DiffAnalyzer interface {
	Analyze(diffText string, sources map[string]string) (models.DiffChangeSet, error)
}

// Retriever fetches project context for the change set.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (models.RetrievalResult, error)
}

// Reviewer produces findings and thread replies from the model.
type Reviewer interface {
	ReviewChanges(ctx context.Context, changeSet models.DiffChangeSet, retrieval models.RetrievalResult) ([]models.ReviewFinding, bool, error)
	Reply(ctx context.Context, thread conversation.Thread, history []conversation.Message) (string, error)
}

// CommentPublisher posts results to the hosting platform.
type CommentPublisher interface {
	PublishFindings(ctx context.Context, ref models.PullRequestRef, findings []models.ReviewFinding) ([]publisher.PublishedFinding, error)
	PublishSummary(ctx context.Context, ref models.PullRequestRef, body string) error
	Reply(ctx context.Context, ref models.PullRequestRef, threadID, body string) (string, error)
	ReplyPostedSince(ctx context.Context, ref models.PullRequestRef, threadID string, since time.Time) (*publisher.ExistingComment, error)
}

// ThreadStore persists comment threads and their conversations.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread conversation.Thread) error
	GetThread(ctx context.Context, threadID string) (conversation.Thread, error)
	History(ctx context.Context, threadID string) ([]conversation.Message, error)
	AppendMessage(ctx context.Context, msg conversation.Message) error
	TransitionState(ctx context.Context, threadID string, from, to conversation.ThreadState) error
	CloseThreadsForPR(ctx context.Context, ref models.PullRequestRef) (int, error)
}

// Processor runs the pipeline for one job at a time.
type Processor struct {
	idem      IdempotencyGate
	locker    PRLocker
	source    publisher.ChangeSource
	files     FileSource
	analyzer  DiffAnalyzer
	retriever Retriever
	reviewer  Reviewer
	publisher CommentPublisher
	threads   ThreadStore
	timeouts  StageTimeouts
}

// FileSource fetches file contents at the pull request's head revision, used
// to annotate diffs with the declarations they touch. Optional; without it
// hunks stay unannotated.
type FileSource interface {
	FetchFile(ctx context.Context, ref models.PullRequestRef, path string) (string, error)
}

type ProcessorDeps struct {
	Idempotency IdempotencyGate
	Locker      PRLocker
	Source      publisher.ChangeSource
	Files       FileSource
	Analyzer    DiffAnalyzer
	Retriever   Retriever
	Reviewer    Reviewer
	Publisher   CommentPublisher
	Threads     ThreadStore
	Timeouts    StageTimeouts
}

// releaseClaim drops the in_progress claim after a failed attempt so the
// queue's retry schedule, not the stale-takeover window, drives redelivery.
// Completed claims are untouched by Release, so deferring it unconditionally
// is safe on success paths too. Runs on a detached context so a canceled job
// still cleans up.
func (p *Processor) releaseClaim(ctx context.Context, key string) {
	if err := p.idem.Release(context.WithoutCancel(ctx), key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("releasing idempotency claim failed")
	}
}

func NewProcessor(deps ProcessorDeps) *Processor {
	return &Processor{
		idem:      deps.Idempotency,
		locker:    deps.Locker,
		source:    deps.Source,
		files:     deps.Files,
		analyzer:  deps.Analyzer,
		retriever: deps.Retriever,
		reviewer:  deps.Reviewer,
		publisher: deps.Publisher,
		threads:   deps.Threads,
		timeouts:  deps.Timeouts,
	}
}

// ProcessReview runs the full review pipeline for a pull request revision.
func (p *Processor) ProcessReview(ctx context.Context, args jobqueue.ReviewJobArgs) error {
	logger := log.With().
		Str("job_id", args.JobID).
		Str("pr", args.PullRequest.String()).
		Logger()

	if err := args.PullRequest.Validate(); err != nil {
		return permanent(fmt.Errorf("invalid pull request reference: %w", err))
	}

	decision, err := p.idem.Begin(ctx, args.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	switch decision {
	case idempotency.AlreadyCompleted:
		logger.Info().Msg("review already completed, acknowledging duplicate")
		return nil
	case idempotency.Busy:
		return ErrBusy
	}
	defer p.releaseClaim(ctx, args.IdempotencyKey)

	release, ok, err := p.locker.TryAcquire(ctx, args.PullRequest.LockKey())
	if err != nil {
		return fmt.Errorf("acquiring pull request lock: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	defer release()

	changeSet, err := p.buildChangeSet(ctx, args.PullRequest)
	if err != nil {
		return err
	}
	if len(changeSet.Files) == 0 {
		logger.Info().Msg("empty diff, nothing to review")
		return p.idem.Complete(ctx, args.IdempotencyKey)
	}

	retrievalCtx, cancelRetrieval := context.WithTimeout(ctx, p.timeouts.Retrieval)
	retrieval, err := p.retriever.Retrieve(retrievalCtx, changeSet.Summary())
	cancelRetrieval()
	if err != nil {
		return fmt.Errorf("retrieving context: %w", err)
	}

	modelCtx, cancelModel := context.WithTimeout(ctx, p.timeouts.Model)
	findings, degraded, err := p.reviewer.ReviewChanges(modelCtx, changeSet, retrieval)
	cancelModel()
	if err != nil {
		return fmt.Errorf("reviewing changes: %w", err)
	}
	if degraded {
		logger.Warn().Msg("publishing degraded fallback review")
	}

	publishCtx, cancelPublish := context.WithTimeout(ctx, p.timeouts.Publish)
	var published []publisher.PublishedFinding
	if len(findings) == 0 {
		// A clean review still leaves a visible trace on the pull request.
		err = p.publisher.PublishSummary(publishCtx, args.PullRequest, cleanReviewSummary)
	} else {
		published, err = p.publisher.PublishFindings(publishCtx, args.PullRequest, findings)
	}
	cancelPublish()
	if err != nil {
		return fmt.Errorf("publishing findings: %w", err)
	}

	// PublishFindings reports dedup-skipped findings with their existing
	// thread IDs, and CreateThread is a no-op for known threads, so this
	// also backfills thread records a dead worker never got to write.
	for _, pf := range published {
		file, line := pf.Finding.Anchor()
		thread := conversation.Thread{
			ThreadID:    pf.ThreadID,
			PullRequest: args.PullRequest,
			AnchorFile:  file,
			AnchorLine:  line,
			State:       conversation.StateOpen,
			Finding:     pf.Finding,
		}
		if err := p.threads.CreateThread(ctx, thread); err != nil {
			return fmt.Errorf("recording thread %s: %w", pf.ThreadID, err)
		}
	}

	if err := p.idem.Complete(ctx, args.IdempotencyKey); err != nil {
		return err
	}

	logger.Info().
		Int("findings", len(findings)).
		Int("published", len(published)).
		Msg("review completed")
	return nil
}

func (p *Processor) buildChangeSet(ctx context.Context, ref models.PullRequestRef) (models.DiffChangeSet, error) {
	diffCtx, cancel := context.WithTimeout(ctx, p.timeouts.Diff)
	diffText, err := p.source.FetchDiff(diffCtx, ref)
	cancel()
	if err != nil {
		if errors.Is(err, publisher.ErrPullRequestGone) {
			return models.DiffChangeSet{}, permanent(err)
		}
		return models.DiffChangeSet{}, fmt.Errorf("fetching diff: %w", err)
	}

	sources := p.fetchSources(ctx, ref, diffText)

	changeSet, err := p.analyzer.Analyze(diffText, sources)
	if err != nil {
		return models.DiffChangeSet{}, fmt.Errorf("analyzing diff: %w", err)
	}
	return changeSet, nil
}

// fetchSources pulls head-revision contents for the Go files in the diff so
// the analyzer can map hunks to declarations. Fetch failures just leave the
// file unannotated.
func (p *Processor) fetchSources(ctx context.Context, ref models.PullRequestRef, diffText string) map[string]string {
	if p.files == nil {
		return nil
	}

	sources := make(map[string]string)
	for _, path := range changedPaths(diffText) {
		if !strings.HasSuffix(path, ".go") {
			continue
		}
		content, err := p.files.FetchFile(ctx, ref, path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("could not fetch source, skipping annotation")
			continue
		}
		sources[path] = content
	}
	return sources
}

func changedPaths(diffText string) []string {
	var paths []string
	for _, line := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			paths = append(paths, strings.TrimPrefix(line, "+++ b/"))
		}
	}
	return paths
}

// ProcessReply handles a human comment in a review thread. Only the worker
// mutates thread state, so the triggering message is appended here rather
// than at webhook receipt.
func (p *Processor) ProcessReply(ctx context.Context, args jobqueue.ReplyJobArgs) error {
	logger := log.With().
		Str("job_id", args.JobID).
		Str("thread", args.ThreadID).
		Logger()

	decision, err := p.idem.Begin(ctx, args.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	switch decision {
	case idempotency.AlreadyCompleted:
		logger.Info().Msg("reply already handled, acknowledging duplicate")
		return nil
	case idempotency.Busy:
		return ErrBusy
	}
	defer p.releaseClaim(ctx, args.IdempotencyKey)

	release, ok, err := p.locker.TryAcquire(ctx, args.PullRequest.LockKey())
	if err != nil {
		return fmt.Errorf("acquiring pull request lock: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	defer release()

	thread, err := p.threads.GetThread(ctx, args.ThreadID)
	if errors.Is(err, conversation.ErrThreadNotFound) {
		logger.Info().Msg("comment on unknown thread, ignoring")
		return p.idem.Complete(ctx, args.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("loading thread: %w", err)
	}
	if thread.State == conversation.StateClosed {
		logger.Info().Msg("comment on closed thread, ignoring")
		return p.idem.Complete(ctx, args.IdempotencyKey)
	}

	if err := p.threads.AppendMessage(ctx, conversation.Message{
		ThreadID:      args.ThreadID,
		HostMessageID: args.HostMessageID,
		Role:          conversation.RoleHuman,
		Text:          args.Body,
		PostedAt:      args.PostedAt,
	}); err != nil {
		return fmt.Errorf("recording human message: %w", err)
	}

	if thread.State != conversation.StateAwaitingReply {
		if err := p.threads.TransitionState(ctx, args.ThreadID, thread.State, conversation.StateAwaitingReply); err != nil {
			return fmt.Errorf("marking thread awaiting reply: %w", err)
		}
		thread.State = conversation.StateAwaitingReply
	}

	// A previous attempt may have posted the answer and died before
	// recording it. Check the platform before generating so a redelivery
	// reconciles the existing reply instead of posting a second one.
	prior, err := p.publisher.ReplyPostedSince(ctx, args.PullRequest, args.ThreadID, args.PostedAt)
	if err != nil {
		return fmt.Errorf("checking for existing reply: %w", err)
	}
	if prior != nil {
		logger.Info().Str("comment", prior.ID).Msg("reply already posted, reconciling")
		if err := p.threads.AppendMessage(ctx, conversation.Message{
			ThreadID:      args.ThreadID,
			HostMessageID: prior.ID,
			Role:          conversation.RoleAgent,
			Text:          prior.Body,
			PostedAt:      prior.CreatedAt,
		}); err != nil {
			return fmt.Errorf("recording reconciled reply: %w", err)
		}
		if err := p.threads.TransitionState(ctx, args.ThreadID, conversation.StateAwaitingReply, conversation.StateReplied); err != nil {
			return fmt.Errorf("marking thread replied: %w", err)
		}
		return p.idem.Complete(ctx, args.IdempotencyKey)
	}

	history, err := p.threads.History(ctx, args.ThreadID)
	if err != nil {
		return fmt.Errorf("loading thread history: %w", err)
	}

	modelCtx, cancelModel := context.WithTimeout(ctx, p.timeouts.Model)
	replyText, err := p.reviewer.Reply(modelCtx, thread, history)
	cancelModel()
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}

	publishCtx, cancelPublish := context.WithTimeout(ctx, p.timeouts.Publish)
	messageID, err := p.publisher.Reply(publishCtx, args.PullRequest, args.ThreadID, replyText)
	cancelPublish()
	if err != nil {
		return fmt.Errorf("posting reply: %w", err)
	}

	if err := p.threads.AppendMessage(ctx, conversation.Message{
		ThreadID:      args.ThreadID,
		HostMessageID: messageID,
		Role:          conversation.RoleAgent,
		Text:          replyText,
		PostedAt:      time.Now(),
	}); err != nil {
		return fmt.Errorf("recording agent message: %w", err)
	}
	if err := p.threads.TransitionState(ctx, args.ThreadID, conversation.StateAwaitingReply, conversation.StateReplied); err != nil {
		return fmt.Errorf("marking thread replied: %w", err)
	}

	if err := p.idem.Complete(ctx, args.IdempotencyKey); err != nil {
		return err
	}

	logger.Info().Msg("reply posted")
	return nil
}

// ProcessClose closes every thread on a pull request.
func (p *Processor) ProcessClose(ctx context.Context, args jobqueue.ThreadCloseArgs) error {
	decision, err := p.idem.Begin(ctx, args.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	switch decision {
	case idempotency.AlreadyCompleted:
		return nil
	case idempotency.Busy:
		return ErrBusy
	}
	defer p.releaseClaim(ctx, args.IdempotencyKey)

	release, ok, err := p.locker.TryAcquire(ctx, args.PullRequest.LockKey())
	if err != nil {
		return fmt.Errorf("acquiring pull request lock: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	defer release()

	closed, err := p.threads.CloseThreadsForPR(ctx, args.PullRequest)
	if err != nil {
		return fmt.Errorf("closing threads: %w", err)
	}
	log.Info().
		Str("pr", args.PullRequest.String()).
		Int("closed", closed).
		Msg("threads closed")

	return p.idem.Complete(ctx, args.IdempotencyKey)
}
