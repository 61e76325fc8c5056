// Package sink captures malformed input in a side location without blocking ingestion.
package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

// ErrSinkWrite is logged and counted, it never reaches the ingestion loop.
var ErrSinkWrite = errors.New("bad record sink write failed")

// Entry is one captured record or unit.
type Entry struct {
	Unit        string    `json:"unit"`
	Offset      int64     `json:"offset"`
	Reason      string    `json:"reason"`
	Error       string    `json:"error,omitempty"`
	Raw         string    `json:"raw"`
	RawEncoding string    `json:"raw_encoding,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// NewEntry copies raw bytes into an Entry, base64 encoding anything that is not UTF-8.
func NewEntry(unit string, offset int64, raw []byte, reason string, cause error) Entry {
	e := Entry{Unit: unit, Offset: offset, Reason: reason}
	if cause != nil {
		e.Error = cause.Error()
	}
	if utf8.Valid(raw) {
		e.Raw = string(raw)
	} else {
		e.Raw = base64.StdEncoding.EncodeToString(raw)
		e.RawEncoding = "base64"
	}
	return e
}

// Config locates the bad records area.
type Config struct {
	Prefix       string
	Instance     string
	RunID        string
	QueueSize    int
	WriteTimeout time.Duration
	// OnDrop, when set, observes entries that could not be persisted.
	OnDrop func(n int, reason string)
}

// Stats are cumulative counters.
type Stats struct {
	Captured int64 `json:"captured"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
}

// Sink writes captured entries as JSON lines objects from a single background goroutine.
type Sink struct {
	store storage.ObjectStorage
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan []Entry
	done   chan struct{}

	captured atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
}

// New starts the sink's writer goroutine.
func New(store storage.ObjectStorage, cfg Config) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	s := &Sink{
		store: store,
		cfg:   cfg,
		log:   logger.Component("bad-records"),
		now:   time.Now,
		queue: make(chan []Entry, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Capture hands entries to the writer. It never blocks: when the queue is full or the
// sink is closed the entries are logged and counted as dropped.
func (s *Sink) Capture(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	s.captured.Add(int64(len(entries)))

	stamped := make([]Entry, len(entries))
	for i, e := range entries {
		if e.CapturedAt.IsZero() {
			e.CapturedAt = s.now().UTC()
		}
		if e.RunID == "" {
			e.RunID = s.cfg.RunID
		}
		stamped[i] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.drop(stamped, "sink closed")
		return
	}
	select {
	case s.queue <- stamped:
	default:
		s.drop(stamped, "queue full")
	}
}

func (s *Sink) drop(entries []Entry, why string) {
	s.dropped.Add(int64(len(entries)))
	for _, e := range entries {
		s.log.Error().
			Err(ErrSinkWrite).
			Str("unit", e.Unit).
			Int64("offset", e.Offset).
			Str("reason", e.Reason).
			Str("cause", why).
			Msg("bad record not persisted")
	}
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(len(entries), why)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for entries := range s.queue {
		if err := s.write(entries); err != nil {
			s.drop(entries, err.Error())
			continue
		}
		s.written.Add(int64(len(entries)))
	}
}

func (s *Sink) write(entries []Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("%w: encode: %v", ErrSinkWrite, err)
		}
	}

	now := s.now().UTC()
	key := storage.JoinKey(
		s.cfg.Prefix,
		s.cfg.Instance,
		now.Format("20060102"),
		fmt.Sprintf("%d-%s.jsonl", now.UnixNano(), uuid.NewString()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.store.UploadObject(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	s.log.Debug().Str("key", key).Int("entries", len(entries)).Msg("bad records written")
	return nil
}

// Close stops accepting entries and waits for queued writes until ctx expires.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bad record sink drain: %w", ctx.Err())
	}
}

// Stats returns the cumulative counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Captured: s.captured.Load(),
		Written:  s.written.Load(),
		Dropped:  s.dropped.Load(),
	}
}
