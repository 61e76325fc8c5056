package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/drive"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/transfer"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:  "upload",
		Usage: "Upload a local directory (or a staged Google Drive folder) into a dated storage folder",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Local directory to upload",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Destination prefix inside the transfer bucket",
				Value: "landing",
			},
			&cli.StringFlag{
				Name:    "container",
				Usage:   "Destination bucket/container; overrides TRANSFER_STORAGE_BUCKET",
				EnvVars: []string{"UPLOAD_CONTAINER"},
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop at the first failed file",
			},
			&cli.BoolFlag{
				Name:  "no-date-folder",
				Usage: "Upload directly under the prefix",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Parallel uploads; 0 uses the configured value",
			},
			&cli.StringFlag{
				Name:  "drive-folder-id",
				Usage: "Stage this Google Drive folder locally before uploading",
			},
			&cli.StringFlag{
				Name:  "drive-folder-path",
				Usage: "Slash separated Drive folder path, resolved from My Drive",
			},
			&cli.StringFlag{
				Name:    "drive-credentials",
				Usage:   "Service account JSON, or a path to it",
				EnvVars: []string{"GOOGLE_DRIVE_CREDENTIALS_JSON"},
			},
		},
		Action: runUpload,
	}
}

func runUpload(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	dir := c.String("dir")
	if c.String("drive-folder-id") != "" || c.String("drive-folder-path") != "" {
		staged, cleanup, err := stageFromDrive(c)
		if err != nil {
			return err
		}
		defer cleanup()
		dir = staged
	}
	if dir == "" {
		return cli.Exit("one of --dir, --drive-folder-id or --drive-folder-path is required", 2)
	}

	storeCfg := cfg.Transfer.Storage
	if container := c.String("container"); container != "" {
		storeCfg.Bucket = container
	}
	store, err := storage.Open(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("open transfer storage: %w", err)
	}

	concurrency := c.Int("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Transfer.Concurrency
	}
	uploader := transfer.NewUploader(store, transfer.Options{
		Concurrency:  concurrency,
		FailFast:     c.Bool("fail-fast") || cfg.Transfer.FailFast,
		NoDateFolder: c.Bool("no-date-folder"),
	})

	report, err := uploader.UploadDirectory(ctx, dir, c.String("prefix"))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode upload report: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(out))
	if err := report.Err(); err != nil {
		return cli.Exit(fmt.Sprintf("%d file(s) failed: %v", len(report.Failed), err), 1)
	}
	return nil
}

func stageFromDrive(c *cli.Context) (string, func(), error) {
	ctx := c.Context
	creds, err := driveCredentials(c.String("drive-credentials"))
	if err != nil {
		return "", nil, err
	}
	svc, err := drive.NewService(ctx, creds)
	if err != nil {
		return "", nil, err
	}

	folderID := c.String("drive-folder-id")
	if folderID == "" {
		folderID, err = svc.FindFolderByPath(ctx, c.String("drive-folder-path"))
		if err != nil {
			return "", nil, err
		}
	}

	dir, err := os.MkdirTemp("", "ingest-drive-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	files, err := drive.NewStager(svc).StageFolder(ctx, folderID, dir)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	logger.Log.Info().Str("folder_id", folderID).Int("files", len(files)).Msg("staged drive folder")
	return dir, cleanup, nil
}

func driveCredentials(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, cli.Exit("--drive-credentials (or GOOGLE_DRIVE_CREDENTIALS_JSON) is required for Drive staging", 2)
	}
	if strings.HasPrefix(value, "{") {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("read drive credentials: %w", err)
	}
	return data, nil
}
