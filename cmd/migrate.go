package cmd

import (
	"context"
	"fmt"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/urfave/cli/v2"

	"github.com/codescribe/codescribe/internal/config"
	"github.com/codescribe/codescribe/internal/database"
)

// MigrateCommand returns the CLI command that prepares the database: the
// queue's own tables plus the application schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Create or update the database schema",
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
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

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("creating queue migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrating queue tables: %w", err)
	}

	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	fmt.Println("Database schema is up to date")
	return nil
}
