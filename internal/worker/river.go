package worker

import (
	"context"
	"errors"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/internal/jobqueue"
)

// DeadLetterSink records jobs that failed for good.
type DeadLetterSink interface {
	Record(ctx context.Context, jobID, finalError string, attempts int, payload []byte) error
}

// queueSemantics translates pipeline errors into river verdicts: busy jobs
// snooze, permanent failures cancel, and the final failed attempt is
// dead-lettered before the error is returned.
type queueSemantics struct {
	sink       DeadLetterSink
	snoozeBusy time.Duration
}

func (q queueSemantics) resolve(ctx context.Context, err error, jobID string, attempt, maxAttempts int, payload []byte) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBusy) {
		return river.JobSnooze(q.snoozeBusy)
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		if sinkErr := q.sink.Record(ctx, jobID, err.Error(), attempt, payload); sinkErr != nil {
			log.Error().Err(sinkErr).Str("job_id", jobID).Msg("recording dead letter failed")
		}
		return river.JobCancel(err)
	}

	if attempt >= maxAttempts {
		if sinkErr := q.sink.Record(ctx, jobID, err.Error(), attempt, payload); sinkErr != nil {
			log.Error().Err(sinkErr).Str("job_id", jobID).Msg("recording dead letter failed")
		}
	}
	return err
}

// ReviewWorker works pr_review jobs.
type ReviewWorker struct {
	river.WorkerDefaults[jobqueue.ReviewJobArgs]
	processor *Processor
	semantics queueSemantics
}

// ReplyWorker works thread_reply jobs.
type ReplyWorker struct {
	river.WorkerDefaults[jobqueue.ReplyJobArgs]
	processor *Processor
	semantics queueSemantics
}

// CloseWorker works thread_close jobs.
type CloseWorker struct {
	river.WorkerDefaults[jobqueue.ThreadCloseArgs]
	processor *Processor
	semantics queueSemantics
}

func NewReviewWorker(p *Processor, sink DeadLetterSink, snoozeBusy time.Duration) *ReviewWorker {
	return &ReviewWorker{processor: p, semantics: queueSemantics{sink: sink, snoozeBusy: snoozeBusy}}
}

func NewReplyWorker(p *Processor, sink DeadLetterSink, snoozeBusy time.Duration) *ReplyWorker {
	return &ReplyWorker{processor: p, semantics: queueSemantics{sink: sink, snoozeBusy: snoozeBusy}}
}

func NewCloseWorker(p *Processor, sink DeadLetterSink, snoozeBusy time.Duration) *CloseWorker {
	return &CloseWorker{processor: p, semantics: queueSemantics{sink: sink, snoozeBusy: snoozeBusy}}
}

func (w *ReviewWorker) Work(ctx context.Context, job *river.Job[jobqueue.ReviewJobArgs]) error {
	err := w.processor.ProcessReview(ctx, job.Args)
	return w.semantics.resolve(ctx, err, job.Args.JobID, job.Attempt, job.MaxAttempts, job.EncodedArgs)
}

func (w *ReplyWorker) Work(ctx context.Context, job *river.Job[jobqueue.ReplyJobArgs]) error {
	err := w.processor.ProcessReply(ctx, job.Args)
	return w.semantics.resolve(ctx, err, job.Args.JobID, job.Attempt, job.MaxAttempts, job.EncodedArgs)
}

func (w *CloseWorker) Work(ctx context.Context, job *river.Job[jobqueue.ThreadCloseArgs]) error {
	err := w.processor.ProcessClose(ctx, job.Args)
	return w.semantics.resolve(ctx, err, job.Args.JobID, job.Attempt, job.MaxAttempts, job.EncodedArgs)
}
