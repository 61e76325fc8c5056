package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/checkpoint"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

func checkpointCommand() *cli.Command {
	instanceFlag := &cli.StringFlag{
		Name:    "instance",
		Usage:   "Pipeline instance name; overrides PIPELINE_INSTANCE",
		EnvVars: []string{"INGEST_INSTANCE"},
	}
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "Inspect or reset a pipeline instance's checkpoint",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the stored checkpoint as JSON",
				Flags:  []cli.Flag{instanceFlag},
				Action: showCheckpoint,
			},
			{
				Name:  "reset",
				Usage: "Delete the stored checkpoint so the instance starts from the beginning",
				Flags: []cli.Flag{
					instanceFlag,
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Confirm the reset",
					},
				},
				Action: resetCheckpoint,
			},
		},
	}
}

func withCheckpointStore(c *cli.Context, fn func(store checkpoint.Store, instance string) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	instance := cfg.Pipeline.Instance
	if name := c.String("instance"); name != "" {
		instance = name
	}

	store, closeStore, err := openCheckpointStore(c.Context, cfg.Checkpoint, cfg.Pipeline.CheckpointTimeout)
	if err != nil {
		return err
	}
	defer closeStore()

	// Holding the lease keeps an in-process pipeline from racing the change.
	lease, err := checkpoint.AcquireLease(store, instance)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(store, instance)
}

func showCheckpoint(c *cli.Context) error {
	return withCheckpointStore(c, func(store checkpoint.Store, instance string) error {
		cp, err := store.Load(c.Context, instance)
		if err != nil {
			return err
		}
		if cp == nil {
			fmt.Fprintf(c.App.Writer, "no checkpoint for %s in %s\n", instance, store.Name())
			return nil
		}
		out, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return nil
	})
}

func resetCheckpoint(c *cli.Context) error {
	if !c.Bool("yes") {
		return cli.Exit("refusing to reset without --yes", 2)
	}
	return withCheckpointStore(c, func(store checkpoint.Store, instance string) error {
		if err := store.Delete(c.Context, instance); err != nil {
			return err
		}
		logger.Log.Info().Str("instance", instance).Str("store", store.Name()).Msg("checkpoint reset")
		return nil
	})
}
