package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/batch"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/checkpoint"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/config"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/filter"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/pipeline"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/sink"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/source"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/status"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the ingestion pipeline until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "instance",
				Usage:   "Pipeline instance name; overrides PIPELINE_INSTANCE",
				EnvVars: []string{"INGEST_INSTANCE"},
			},
		},
		Action: runPipeline,
	}
}

func runPipeline(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if name := c.String("instance"); name != "" {
		cfg.Pipeline.Instance = name
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log := logger.Component("ingest").With().Str("instance", cfg.Pipeline.Instance).Str("run_id", runID).Logger()

	sourceStore, err := storage.Open(ctx, cfg.Source.Storage)
	if err != nil {
		return fmt.Errorf("open source storage: %w", err)
	}
	outputStore, err := storage.Open(ctx, cfg.Output.Storage)
	if err != nil {
		return fmt.Errorf("open output storage: %w", err)
	}
	badStore, err := storage.Open(ctx, cfg.BadRecords.Storage)
	if err != nil {
		return fmt.Errorf("open bad records storage: %w", err)
	}

	cpStore, closeStore, err := openCheckpointStore(ctx, cfg.Checkpoint, cfg.Pipeline.CheckpointTimeout)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer closeStore()

	manager, err := checkpoint.Open(ctx, cpStore, cfg.Pipeline.Instance, runID)
	if err != nil {
		return err
	}
	defer manager.Release()

	reader, err := source.NewReader(sourceStore, source.Config{
		Prefix:            cfg.Source.Prefix,
		MaxRecordsPerPoll: cfg.Source.MaxRecordsPerPoll,
		MaxBytesPerPoll:   cfg.Source.MaxBytesPerPoll,
		MaxUnitsPerPoll:   cfg.Source.MaxUnitsPerPoll,
		Mode:              source.Mode(cfg.Source.MalformedRecordMode),
		ReadConcurrency:   cfg.Source.ReadConcurrency,
		MaxReadAttempts:   cfg.Source.MaxReadAttempts,
	})
	if err != nil {
		return err
	}

	admit, err := filter.New(filter.Config{
		StalenessWindow: cfg.Pipeline.StalenessWindow,
		Rules:           cfg.Pipeline.FilterRules,
		ProvenanceField: cfg.Pipeline.ProvenanceField,
		OffsetField:     cfg.Pipeline.OffsetField,
	})
	if err != nil {
		return err
	}

	writer, err := batch.NewWriter(outputStore, batch.Config{
		Prefix:            cfg.Output.Prefix,
		Instance:          cfg.Pipeline.Instance,
		MaxRecordsPerFile: cfg.Output.MaxRecordsPerFile,
		MaxBytesPerFile:   cfg.Output.MaxBytesPerFile,
		Mode:              batch.Mode(cfg.Output.AppendMode),
		FlushTimeout:      cfg.Output.FlushTimeout,
	}, manager.Current().NextSeq, manager.Fresh())
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics(registry, cfg.Pipeline.Instance)

	badRecords := sink.New(badStore, sink.Config{
		Prefix:    cfg.BadRecords.Prefix,
		Instance:  cfg.Pipeline.Instance,
		RunID:     runID,
		QueueSize: cfg.BadRecords.QueueSize,
		OnDrop:    func(n int, _ string) { metrics.SinkDropped.Add(float64(n)) },
	})

	p, err := pipeline.New(pipelineConfig(cfg), pipeline.Components{
		Reader:      reader,
		Filter:      admit,
		Writer:      writer,
		Checkpoints: manager,
		Sink:        badRecords,
		Metrics:     metrics,
		RunID:       runID,
	})
	if err != nil {
		return err
	}

	var server *status.Server
	if cfg.Status.Enabled {
		gin.SetMode(ginMode(cfg.Status.Mode))
		server = status.NewServer(":"+cfg.Status.Port, status.NewRouter(p, registry, cfg.Status.AllowedOrigins))
		server.Start()
	}

	log.Info().
		Str("source", sourceStore.Location()).
		Str("output", outputStore.Location()).
		Str("bad_records", badStore.Location()).
		Str("checkpoints", cpStore.Name()).
		Msg("pipeline wired")

	runErr := p.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := badRecords.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("bad records sink did not drain")
	}
	if server != nil {
		if err := server.Shutdown(closeCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, checkpoint.ErrCheckpointWrite) || errors.Is(runErr, source.ErrSourceCorrupt) {
			return cli.Exit(runErr.Error(), 1)
		}
		return runErr
	}
	log.Info().Msg("ingest exiting")
	return nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Instance:            cfg.Pipeline.Instance,
		TriggerInterval:     cfg.Pipeline.TriggerInterval,
		PollTimeout:         cfg.Pipeline.PollTimeout,
		CheckpointTimeout:   cfg.Pipeline.CheckpointTimeout,
		ShutdownTimeout:     cfg.Pipeline.ShutdownTimeout,
		RetryBackoffInitial: cfg.Pipeline.RetryBackoffInitial,
		RetryBackoffMax:     cfg.Pipeline.RetryBackoffMax,
	}
}

func ginMode(mode string) string {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		return mode
	default:
		return gin.ReleaseMode
	}
}
