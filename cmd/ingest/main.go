package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/config"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "ingest",
		Usage: "Continuously move fresh telemetry records from landing storage into batched CSV output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Optional YAML/JSON/TOML config file; environment variables take precedence",
				EnvVars: []string{"INGEST_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			uploadCommand(),
			checkpointCommand(),
		},
	}
}

// loadConfig reads configuration and applies the log settings.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Log.Error().Err(err).Msg("ingest failed")
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}
