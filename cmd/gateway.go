package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/codescribe/codescribe/internal/config"
	"github.com/codescribe/codescribe/internal/database"
	"github.com/codescribe/codescribe/internal/gateway"
	"github.com/codescribe/codescribe/internal/jobqueue"
)

// GatewayCommand returns the CLI command for the webhook gateway.
func GatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the webhook gateway",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the gateway server",
			},
		},
		Action: runGateway,
	}
}

func runGateway(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.Int("port") != 0 {
		cfg.Server.Port = c.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	queue, err := jobqueue.NewInsertOnly(pool, cfg.Queue)
	if err != nil {
		return err
	}

	server := gateway.NewServer(queue, cfg.Server.Secret, cfg.GitHub.BotLogin)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()
	log.Info().Int("port", cfg.Server.Port).Msg("gateway listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
