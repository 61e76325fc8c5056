package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/batch"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/checkpoint"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/filter"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/sink"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/source"
)

// State is the loop's position in its micro-batch cycle.
type State string

const (
	StateStarting      State = "STARTING"
	StatePolling       State = "POLLING"
	StateFiltering     State = "FILTERING"
	StateBatching      State = "BATCHING"
	StateFlushing      State = "FLUSHING"
	StateCheckpointing State = "CHECKPOINTING"
	StateStopped       State = "STOPPED"
)

// Config holds loop timing for a pipeline instance.
type Config struct {
	Instance            string
	TriggerInterval     time.Duration // how often a micro-batch starts
	PollTimeout         time.Duration
	CheckpointTimeout   time.Duration
	ShutdownTimeout     time.Duration
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
}

// DefaultConfig returns the production loop timings.
func DefaultConfig(instance string) Config {
	return Config{
		Instance:            instance,
		TriggerInterval:     10 * time.Second,
		PollTimeout:         5 * time.Minute,
		CheckpointTimeout:   30 * time.Second,
		ShutdownTimeout:     2 * time.Minute,
		RetryBackoffInitial: time.Second,
		RetryBackoffMax:     time.Minute,
	}
}

func (c Config) validate() error {
	if c.Instance == "" {
		return fmt.Errorf("pipeline instance name is required")
	}
	if c.TriggerInterval <= 0 {
		return fmt.Errorf("trigger interval must be positive")
	}
	if c.RetryBackoffInitial <= 0 || c.RetryBackoffMax < c.RetryBackoffInitial {
		return fmt.Errorf("retry backoff must be positive and initial <= max")
	}
	return nil
}

// Poller is the source reader contract.
type Poller interface {
	Poll(ctx context.Context, from record.Cursor) (*source.Poll, error)
}

// Admitter is the record filter contract.
type Admitter interface {
	Admit(rec record.Record, now time.Time) filter.Decision
}

// BatchWriter is the output contract.
type BatchWriter interface {
	Prepare(ctx context.Context) error
	Offer(rec record.Record) bool
	Flush(ctx context.Context, seal bool) batch.FlushResult
	Pending() bool
	NextSeq() int64
	Stats() batch.Stats
}

// Checkpointer is the checkpoint manager contract.
type Checkpointer interface {
	Current() checkpoint.Checkpoint
	Fresh() bool
	Advance(ctx context.Context, cur record.Cursor, nextSeq int64) error
}

// Capturer receives malformed input.
type Capturer interface {
	Capture(entries ...sink.Entry)
}

// Components wires a pipeline. Metrics and Clock are optional.
type Components struct {
	Reader      Poller
	Filter      Admitter
	Writer      BatchWriter
	Checkpoints Checkpointer
	Sink        Capturer
	Metrics     *Metrics
	Clock       func() time.Time
	RunID       string
}

// Counters are cumulative since the pipeline started.
type Counters struct {
	Cycles            int64 `json:"cycles"`
	RecordsRead       int64 `json:"records_read"`
	RecordsAccepted   int64 `json:"records_accepted"`
	RecordsFiltered   int64 `json:"records_filtered"`
	RecordsMalformed  int64 `json:"records_malformed"`
	LateUnits         int64 `json:"late_units"`
	BatchesFlushed    int64 `json:"batches_flushed"`
	BytesWritten      int64 `json:"bytes_written"`
	FlushFailures     int64 `json:"flush_failures"`
	PollFailures      int64 `json:"poll_failures"`
	CheckpointCommits int64 `json:"checkpoint_commits"`
}

// Status is a snapshot for operators.
type Status struct {
	Instance      string                `json:"instance"`
	RunID         string                `json:"run_id"`
	State         State                 `json:"state"`
	StartedAt     time.Time             `json:"started_at"`
	ReferenceTime time.Time             `json:"reference_time"`
	Checkpoint    checkpoint.Checkpoint `json:"checkpoint"`
	Writer        batch.Stats           `json:"writer"`
	PendingCommit bool                  `json:"pending_commit"`
	Counters      Counters              `json:"counters"`
	LastError     string                `json:"last_error,omitempty"`
	LastCycleAt   time.Time             `json:"last_cycle_at"`
}
