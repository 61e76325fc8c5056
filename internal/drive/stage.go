package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

// Source is what the stager needs from Drive.
type Source interface {
	ListFiles(ctx context.Context, folderID string) ([]File, error)
	DownloadFile(ctx context.Context, fileID string, w io.Writer) error
}

// Stager downloads a folder's flat files into a local directory.
type Stager struct {
	source Source
	log    zerolog.Logger
}

func NewStager(source Source) *Stager {
	return &Stager{source: source, log: logger.Component("drive")}
}

// StageFolder downloads every CSV, JSON lines and XLSX file of a folder into dir and
// returns the local paths. XLSX files are converted to CSV from their first sheet and
// never touch the disk in workbook form.
func (s *Stager) StageFolder(ctx context.Context, folderID, dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	files, err := s.source.ListFiles(ctx, folderID)
	if err != nil {
		return nil, err
	}

	var staged []string
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return staged, err
		}

		name := filepath.Base(f.Name)
		switch ext := strings.ToLower(filepath.Ext(name)); ext {
		case ".csv", ".json", ".jsonl", ".ndjson":
			path := filepath.Join(dir, name)
			if err := s.download(ctx, f, path); err != nil {
				return staged, err
			}
			staged = append(staged, path)
		case ".xlsx":
			path := filepath.Join(dir, strings.TrimSuffix(name, filepath.Ext(name))+".csv")
			if err := s.convert(ctx, f, path); err != nil {
				return staged, err
			}
			staged = append(staged, path)
		default:
			s.log.Debug().Str("name", f.Name).Str("mime", f.MimeType).Msg("skipping unsupported file")
		}
	}
	s.log.Info().Str("folder", folderID).Int("staged", len(staged)).Msg("drive folder staged")
	return staged, nil
}

// convert downloads a workbook into memory and writes its first sheet to path. A failed
// conversion leaves nothing behind.
func (s *Stager) convert(ctx context.Context, f File, path string) error {
	var book bytes.Buffer
	if err := s.source.DownloadFile(ctx, f.ID, &book); err != nil {
		return fmt.Errorf("failed to download %s: %w", f.Name, err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", path, err)
	}
	rows, err := sheetToCSV(&book, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("path", path).Msg("could not remove partial csv")
		}
		return fmt.Errorf("failed to convert %s to csv: %w", f.Name, err)
	}
	s.log.Debug().Str("name", f.Name).Int("rows", rows).Msg("workbook converted")
	return nil
}

func (s *Stager) download(ctx context.Context, f File, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", path, err)
	}
	if err := s.source.DownloadFile(ctx, f.ID, out); err != nil {
		out.Close()
		return fmt.Errorf("failed to download %s: %w", f.Name, err)
	}
	return out.Close()
}
