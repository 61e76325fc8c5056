package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/checkpoint"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/config"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
)

// openCheckpointStore builds the configured checkpoint backend. The returned func
// releases its connections.
func openCheckpointStore(ctx context.Context, cfg config.CheckpointConfig, timeout time.Duration) (checkpoint.Store, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case "object":
		objects, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("open checkpoint storage: %w", err)
		}
		return checkpoint.NewObjectStore(objects, cfg.Prefix), noop, nil

	case "redis":
		client, err := checkpoint.NewRedisClient(ctx, checkpoint.RedisConfig{
			URL:      cfg.RedisURL,
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return checkpoint.NewRedisStore(client, cfg.RedisPrefix, timeout), func() { client.Close() }, nil

	case "postgres":
		db, err := checkpoint.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := checkpoint.NewPostgresStore(db, cfg.Table)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported checkpoint kind %q", cfg.Kind)
	}
}
