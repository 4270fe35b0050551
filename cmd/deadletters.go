package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/codescribe/codescribe/internal/config"
	"github.com/codescribe/codescribe/internal/database"
	"github.com/codescribe/codescribe/internal/deadletter"
)

// DeadLettersCommand returns the CLI command for inspecting failed jobs.
func DeadLettersCommand() *cli.Command {
	return &cli.Command{
		Name:  "dead-letters",
		Usage: "List jobs that failed permanently",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum entries to show",
				Value: 50,
			},
		},
		Action: runDeadLetters,
	}
}

func runDeadLetters(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	entries, err := deadletter.NewSink(pool).List(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No dead letters")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  job=%s  attempts=%d\n  %s\n",
			e.RecordedAt.Format("2006-01-02 15:04:05"), e.JobID, e.Attempts, e.FinalError)
	}
	return nil
}
