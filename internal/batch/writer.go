// Package batch groups accepted records into bounded CSV files and publishes them.
package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

// ErrFlushFailure wraps every failed publish. The batch stays buffered for a retry.
var ErrFlushFailure = errors.New("flush failed")

// Mode controls what happens to output that predates this pipeline instance.
type Mode string

const (
	ModeAppend    Mode = "append"
	ModeOverwrite Mode = "overwrite"
)

// DefaultMaxRecordsPerFile keeps files around 200MiB for typical record widths.
const DefaultMaxRecordsPerFile = 419400

// Config describes the output location and batch bounds.
type Config struct {
	Prefix            string
	Instance          string
	MaxRecordsPerFile int
	MaxBytesPerFile   int64 // 0 disables the byte bound
	Mode              Mode
	FlushTimeout      time.Duration
}

// Batch is an ordered run of accepted records destined for one output object.
type Batch struct {
	Seq     int64
	Records []record.Record
	Last    record.Position
	size    int64
}

// FlushResult reports what a Flush call published.
type FlushResult struct {
	BytesWritten int64
	RecordCount  int
	Files        int
	Err          error
}

// OK reports a successful flush.
func (r FlushResult) OK() bool { return r.Err == nil }

// Stats is a point in time view of the writer's buffers.
type Stats struct {
	OpenRecords   int   `json:"open_records"`
	SealedBatches int   `json:"sealed_batches"`
	NextSeq       int64 `json:"next_seq"`
}

// Writer buffers records into batches. Offer and Flush must be called from one goroutine;
// Stats may be called from anywhere.
type Writer struct {
	store storage.ObjectStorage
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	open    *Batch
	sealed  []*Batch
	nextSeq int64

	// Loop goroutine only.
	fresh    bool
	baseSeq  int64
	prepared bool
}

// NewWriter resumes numbering at nextSeq. fresh marks an instance without a checkpoint;
// see Prepare for what that changes.
func NewWriter(store storage.ObjectStorage, cfg Config, nextSeq int64, fresh bool) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("output storage is required")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("instance name is required for output naming")
	}
	if cfg.MaxRecordsPerFile <= 0 {
		return nil, fmt.Errorf("max records per file must be positive")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeAppend
	case ModeAppend, ModeOverwrite:
	default:
		return nil, fmt.Errorf("unknown append mode %q", cfg.Mode)
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Minute
	}
	return &Writer{
		store:   store,
		cfg:     cfg,
		log:     logger.Component("batch-writer").With().Str("instance", cfg.Instance).Logger(),
		nextSeq: nextSeq,
		fresh:   fresh,
		baseSeq: nextSeq,
	}, nil
}

// Prepare reconciles the output prefix with the checkpoint before anything is published.
// It runs once, on the first call or the first Flush.
//
// A fresh instance in append mode continues numbering after the highest file the
// instance already has, so earlier runs are never overwritten. A fresh instance in
// overwrite mode clears the prefix. A resumed instance deletes its files numbered at or
// after the checkpointed sequence: they were published after the last commit and the
// replay from that commit rewrites them.
func (w *Writer) Prepare(ctx context.Context) error {
	if w.prepared {
		return nil
	}
	var err error
	switch {
	case w.fresh && w.cfg.Mode == ModeOverwrite:
		err = w.clearOutput(ctx)
	case w.fresh:
		err = w.continueNumbering(ctx)
	default:
		err = w.removeOrphans(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: prepare output: %v", ErrFlushFailure, err)
	}
	w.prepared = true
	return nil
}

// instanceFiles lists the instance's batch files under the prefix with their sequence numbers.
func (w *Writer) instanceFiles(ctx context.Context) (map[string]int64, error) {
	objects, err := w.store.ListObjects(ctx, w.cfg.Prefix)
	if err != nil {
		return nil, err
	}
	files := map[string]int64{}
	for _, obj := range objects {
		if seq, ok := w.parseKey(obj.Key); ok {
			files[obj.Key] = seq
		}
	}
	return files, nil
}

func (w *Writer) parseKey(key string) (int64, bool) {
	digits, ok := strings.CutPrefix(path.Base(key), w.cfg.Instance+"-")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".csv")
	if !ok || len(digits) != 12 {
		return 0, false
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || w.Key(seq) != key {
		return 0, false
	}
	return seq, true
}

func (w *Writer) continueNumbering(ctx context.Context) error {
	files, err := w.instanceFiles(ctx)
	if err != nil {
		return err
	}
	start := w.baseSeq
	for _, seq := range files {
		if seq >= start {
			start = seq + 1
		}
	}
	if start == w.baseSeq {
		return nil
	}

	shift := start - w.baseSeq
	w.mu.Lock()
	w.nextSeq += shift
	for _, b := range w.sealed {
		b.Seq += shift
	}
	w.mu.Unlock()
	w.baseSeq = start
	w.log.Info().Int("existing", len(files)).Int64("next_seq", start).Msg("continuing after existing output")
	return nil
}

func (w *Writer) removeOrphans(ctx context.Context) error {
	files, err := w.instanceFiles(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for key, seq := range files {
		if seq < w.baseSeq {
			continue
		}
		if err := w.store.DeleteObject(ctx, key); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		w.log.Warn().Int("removed", removed).Int64("from_seq", w.baseSeq).Msg("removed output published after the last checkpoint")
	}
	return nil
}

// Offer appends a record to the open batch and reports whether a batch is now sealed
// and waiting for Flush.
func (w *Writer) Offer(rec record.Record) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := int64(rec.Size())
	if w.open != nil && w.cfg.MaxBytesPerFile > 0 && w.open.size+size > w.cfg.MaxBytesPerFile {
		w.sealLocked()
	}
	if w.open == nil {
		w.open = &Batch{}
	}
	w.open.Records = append(w.open.Records, rec)
	w.open.Last = rec.Position()
	w.open.size += size

	if len(w.open.Records) >= w.cfg.MaxRecordsPerFile {
		w.sealLocked()
	}
	return len(w.sealed) > 0
}

func (w *Writer) sealLocked() {
	if w.open == nil || len(w.open.Records) == 0 {
		return
	}
	w.open.Seq = w.nextSeq
	w.nextSeq++
	w.sealed = append(w.sealed, w.open)
	w.open = nil
}

// Flush publishes sealed batches in order. With seal set the open batch is sealed first,
// which is how the time trigger closes a micro-batch. On failure the unpublished batches
// stay buffered under their sequence numbers.
func (w *Writer) Flush(ctx context.Context, seal bool) FlushResult {
	var res FlushResult

	w.mu.Lock()
	if seal {
		w.sealLocked()
	}
	w.mu.Unlock()

	if err := w.Prepare(ctx); err != nil {
		res.Err = err
		return res
	}

	for {
		w.mu.Lock()
		if len(w.sealed) == 0 {
			w.mu.Unlock()
			return res
		}
		b := w.sealed[0]
		w.mu.Unlock()

		n, err := w.publish(ctx, b)
		if err != nil {
			res.Err = err
			return res
		}

		w.mu.Lock()
		w.sealed = w.sealed[1:]
		w.mu.Unlock()

		res.BytesWritten += n
		res.RecordCount += len(b.Records)
		res.Files++
	}
}

func (w *Writer) publish(ctx context.Context, b *Batch) (int64, error) {
	data, err := EncodeCSV(b.Records)
	if err != nil {
		return 0, fmt.Errorf("%w: encode batch %d: %v", ErrFlushFailure, b.Seq, err)
	}
	key := w.Key(b.Seq)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	if err := w.store.UploadObject(ctx, key, data); err != nil {
		w.log.Warn().Err(err).Str("key", key).Int("records", len(b.Records)).Msg("batch upload failed")
		return 0, fmt.Errorf("%w: batch %d: %v", ErrFlushFailure, b.Seq, err)
	}
	w.log.Info().
		Str("key", key).
		Int("records", len(b.Records)).
		Int("bytes", len(data)).
		Dur("took", time.Since(start)).
		Msg("batch flushed")
	return int64(len(data)), nil
}

func (w *Writer) clearOutput(ctx context.Context) error {
	objects, err := w.store.ListObjects(ctx, w.cfg.Prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := w.store.DeleteObject(ctx, obj.Key); err != nil {
			return err
		}
	}
	w.log.Info().Int("removed", len(objects)).Str("prefix", w.cfg.Prefix).Msg("cleared output for overwrite")
	return nil
}

// Key is the deterministic object key of a batch sequence number.
func (w *Writer) Key(seq int64) string {
	return storage.JoinKey(w.cfg.Prefix, fmt.Sprintf("%s-%012d.csv", w.cfg.Instance, seq))
}

// Pending reports whether any record is buffered, open or sealed.
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sealed) > 0 || (w.open != nil && len(w.open.Records) > 0)
}

// NextSeq is the sequence number the next sealed batch will take.
func (w *Writer) NextSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{SealedBatches: len(w.sealed), NextSeq: w.nextSeq}
	if w.open != nil {
		s.OpenRecords = len(w.open.Records)
	}
	return s
}

// EncodeCSV renders records with a header made of the union of field names in first seen order.
func EncodeCSV(records []record.Record) ([]byte, error) {
	var columns []string
	index := map[string]int{}
	for _, rec := range records {
		for _, f := range rec.Fields() {
			if _, ok := index[f.Name]; !ok {
				index[f.Name] = len(columns)
				columns = append(columns, f.Name)
			}
		}
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(columns); err != nil {
		return nil, err
	}
	row := make([]string, len(columns))
	for _, rec := range records {
		for i := range row {
			row[i] = ""
		}
		for _, f := range rec.Fields() {
			row[index[f.Name]] = strings.ToValidUTF8(record.FormatValue(f.Value), "�")
		}
		if err := cw.Write(row); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
