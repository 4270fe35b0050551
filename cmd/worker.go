package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/codescribe/codescribe/internal/config"
	"github.com/codescribe/codescribe/internal/conversation"
	"github.com/codescribe/codescribe/internal/database"
	"github.com/codescribe/codescribe/internal/deadletter"
	"github.com/codescribe/codescribe/internal/diff"
	"github.com/codescribe/codescribe/internal/idempotency"
	"github.com/codescribe/codescribe/internal/jobqueue"
	"github.com/codescribe/codescribe/internal/llm"
	"github.com/codescribe/codescribe/internal/orchestrator"
	"github.com/codescribe/codescribe/internal/prlock"
	"github.com/codescribe/codescribe/internal/publisher"
	"github.com/codescribe/codescribe/internal/retrieval"
	"github.com/codescribe/codescribe/internal/retry"
	"github.com/codescribe/codescribe/internal/worker"
)

// WorkerCommand returns the CLI command for the review worker.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Start the review worker pool",
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	modelRetry := retry.ModelRetryConfig()
	modelRetry.MaxRetries = cfg.Model.MaxRetries
	model, err := llm.NewClient(ctx, llm.Config{
		Provider:    cfg.Model.Provider,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Name,
		BaseURL:     cfg.Model.BaseURL,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	}, modelRetry)
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	appAuth, err := publisher.NewAppAuth(cfg.GitHub.AppID, cfg.GitHub.PrivateKeyPath, cfg.GitHub.APIBaseURL)
	if err != nil {
		return fmt.Errorf("configuring GitHub App auth: %w", err)
	}
	github, err := publisher.NewGitHubClient(
		appAuth.HTTPClient(ctx, cfg.GitHub.InstallationID), cfg.GitHub.APIBaseURL)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.GitHub.RequestsPerSecond), cfg.GitHub.Burst)
	pub := publisher.New(github, limiter, retry.DefaultRetryConfig(), cfg.GitHub.BotLogin)

	retrievalRetry := retry.DefaultRetryConfig()
	retrievalRetry.MaxRetries = cfg.Retrieval.MaxRetries
	retrievalRetry.BaseDelay = cfg.Retrieval.BaseDelay
	retriever := retrieval.NewClient(retrieval.Config{
		Endpoint:   cfg.Retrieval.Endpoint,
		Collection: cfg.Retrieval.Collection,
		TopK:       cfg.Retrieval.TopK,
		MinScore:   cfg.Retrieval.MinScore,
		Timeout:    cfg.Timeouts.Retrieval,
		Retry:      retrievalRetry,
	})

	sink := deadletter.NewSink(pool)
	processor := worker.NewProcessor(worker.ProcessorDeps{
		Idempotency: idempotency.NewStore(pool, cfg.Idempotency.StaleAfter, cfg.Idempotency.TTL),
		Locker:      prlock.NewLocker(pool),
		Source:      github,
		Files:       github,
		Analyzer:    diff.NewAnalyzer(),
		Retriever:   retriever,
		Reviewer:    orchestrator.New(model, cfg.Model.CorrectiveRetries),
		Publisher:   pub,
		Threads:     conversation.NewStore(pool),
		Timeouts: worker.StageTimeouts{
			Diff:      cfg.Timeouts.Diff,
			Retrieval: cfg.Timeouts.Retrieval,
			Model:     cfg.Timeouts.Model,
			Publish:   cfg.Timeouts.Publish,
		},
	})

	workers := river.NewWorkers()
	river.AddWorker(workers, worker.NewReviewWorker(processor, sink, cfg.Queue.SnoozeBusy))
	river.AddWorker(workers, worker.NewReplyWorker(processor, sink, cfg.Queue.SnoozeBusy))
	river.AddWorker(workers, worker.NewCloseWorker(processor, sink, cfg.Queue.SnoozeBusy))

	queue, err := jobqueue.New(pool, cfg.Queue, workers)
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("profile", cfg.Queue.Profile).Msg("worker pool running")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return queue.Stop(stopCtx)
}
