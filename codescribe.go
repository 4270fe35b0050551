package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/codescribe/codescribe/cmd"
	"github.com/codescribe/codescribe/internal/logging"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "codescribe",
		Usage:   "Automated pull request review service",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human-readable log output",
			},
		},
		Before: func(c *cli.Context) error {
			logging.Setup(c.String("log-level"), c.Bool("pretty"))
			return nil
		},
		Commands: []*cli.Command{
			cmd.GatewayCommand(),
			cmd.WorkerCommand(),
			cmd.MigrateCommand(),
			cmd.DeadLettersCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
