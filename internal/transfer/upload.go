// Package transfer performs one-shot uploads of a local directory into object storage.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

// ErrNameCollision is reported when flattening maps two files onto one key.
var ErrNameCollision = errors.New("destination name collision")

// DateLayout renders the date-DD-MM-YYYY destination folder.
const DateLayout = "02-01-2006"

// Options tunes an upload run.
type Options struct {
	Concurrency int
	// FailFast stops at the first failed file instead of attempting every file.
	FailFast bool
	// NoDateFolder uploads straight under the prefix.
	NoDateFolder bool
	Clock        func() time.Time
}

// FileError is one file that did not upload.
type FileError struct {
	Path string
	Key  string
	Err  error
}

// MarshalJSON reports the failure reason as text.
func (e FileError) MarshalJSON() ([]byte, error) {
	out := struct {
		Path  string `json:"path"`
		Key   string `json:"key"`
		Error string `json:"error,omitempty"`
	}{Path: e.Path, Key: e.Key}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.Path, e.Key, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Report lists what an upload run did.
type Report struct {
	Destination string      `json:"destination"`
	Uploaded    int         `json:"uploaded"`
	Bytes       int64       `json:"bytes"`
	Keys        []string    `json:"keys"`
	Failed      []FileError `json:"failed,omitempty"`
}

// Err joins every per-file failure, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Uploader copies local files into one storage location.
type Uploader struct {
	store storage.ObjectStorage
	opts  Options
	log   zerolog.Logger
}

func NewUploader(store storage.ObjectStorage, opts Options) *Uploader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Uploader{store: store, opts: opts, log: logger.Component("transfer")}
}

type job struct {
	path string
	key  string
	size int64
}

// UploadDirectory walks localPath, flattens the tree and uploads each file to
// <prefix>/date-DD-MM-YYYY/<name>. It returns the number of files uploaded; failures are
// collected in the report and joined into the returned error.
func (u *Uploader) UploadDirectory(ctx context.Context, localPath, prefix string) (Report, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return Report{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.IsDir() {
		return Report{}, fmt.Errorf("%s is not a directory", localPath)
	}

	dest := prefix
	if !u.opts.NoDateFolder {
		dest = storage.JoinKey(prefix, "date-"+u.opts.Clock().Format(DateLayout))
	}
	report := Report{Destination: dest}

	jobs, collisions, err := u.plan(localPath, dest)
	if err != nil {
		return report, err
	}
	report.Failed = append(report.Failed, collisions...)
	if u.opts.FailFast && len(collisions) > 0 {
		return report, report.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(u.opts.Concurrency))
	)
	for _, j := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			err := u.uploadFile(ctx, j)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, FileError{Path: j.path, Key: j.key, Err: err})
				u.log.Warn().Err(err).Str("path", j.path).Str("key", j.key).Msg("upload failed")
				if u.opts.FailFast {
					cancel()
				}
				return
			}
			report.Uploaded++
			report.Bytes += j.size
			report.Keys = append(report.Keys, j.key)
		}()
	}
	// Waiting for the full weight means every started upload has finished.
	if err := sem.Acquire(context.WithoutCancel(ctx), int64(u.opts.Concurrency)); err != nil {
		return report, err
	}

	sort.Strings(report.Keys)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })
	u.log.Info().
		Str("destination", dest).
		Int("uploaded", report.Uploaded).
		Int("failed", len(report.Failed)).
		Msg("directory upload finished")

	if err := report.Err(); err != nil {
		return report, err
	}
	if ctx.Err() != nil && len(jobs) > report.Uploaded {
		return report, fmt.Errorf("upload interrupted: %w", ctx.Err())
	}
	return report, nil
}

func (u *Uploader) plan(root, dest string) ([]job, []FileError, error) {
	var (
		jobs       []job
		collisions []FileError
		seen       = map[string]string{}
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		key := storage.JoinKey(dest, d.Name())
		if first, ok := seen[key]; ok {
			collisions = append(collisions, FileError{
				Path: path,
				Key:  key,
				Err:  fmt.Errorf("%w with %s", ErrNameCollision, first),
			})
			return nil
		}
		seen[key] = path
		jobs = append(jobs, job{path: path, key: key, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return jobs, collisions, nil
}

func (u *Uploader) uploadFile(ctx context.Context, j job) error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return err
	}
	return u.store.UploadObject(ctx, j.key, data)
}
