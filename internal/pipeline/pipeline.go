// Package pipeline runs the continuous micro-batch loop:
// poll, filter, batch, flush and checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/batch"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/checkpoint"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/sink"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/source"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

// Pipeline owns one instance's checkpoint and drives its loop on a single goroutine.
type Pipeline struct {
	cfg         Config
	reader      Poller
	filter      Admitter
	writer      BatchWriter
	checkpoints Checkpointer
	sink        Capturer
	metrics     *Metrics
	now         func() time.Time
	runID       string
	log         zerolog.Logger

	// pending is the poll end waiting for its batches to flush. Loop goroutine only.
	pending  *record.Cursor
	backoff  time.Duration
	prepared bool

	state         atomic.Value
	pendingCommit atomic.Bool
	counters      struct {
		cycles, read, accepted, filtered, malformed, late    atomic.Int64
		flushed, bytes, flushFailures, pollFailures, commits atomic.Int64
	}
	mu sync.Mutex
	// reference is captured once at start; freshness is judged against it.
	reference   time.Time
	startedAt   time.Time
	lastError   string
	lastCycleAt time.Time
}

// New validates the configuration and wiring.
func New(cfg Config, c Components) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if c.Reader == nil || c.Filter == nil || c.Writer == nil || c.Checkpoints == nil || c.Sink == nil {
		return nil, fmt.Errorf("pipeline %s: reader, filter, writer, checkpoints and sink are required", cfg.Instance)
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil, cfg.Instance)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	p := &Pipeline{
		cfg:         cfg,
		reader:      c.Reader,
		filter:      c.Filter,
		writer:      c.Writer,
		checkpoints: c.Checkpoints,
		sink:        c.Sink,
		metrics:     c.Metrics,
		now:         c.Clock,
		runID:       c.RunID,
		log:         logger.Component("pipeline").With().Str("instance", cfg.Instance).Logger(),
	}
	p.state.Store(StateStarting)
	return p, nil
}

// Run loops until ctx is cancelled or a fatal error occurs. Cancellation is honoured
// between cycles; work already flushing completes first. Checkpoint write failures and
// fail-fast corruption stop the loop and are returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(StateStarting)
	p.mu.Lock()
	p.startedAt = p.now().UTC()
	p.reference = p.startedAt
	p.mu.Unlock()
	cp := p.checkpoints.Current()
	p.log.Info().
		Str("run_id", p.runID).
		Str("position", cp.Position.String()).
		Int64("next_seq", cp.NextSeq).
		Time("reference_time", p.reference).
		Msg("pipeline starting")

	for {
		if ctx.Err() != nil {
			return p.shutdown(ctx)
		}

		started := time.Now()
		err := p.cycle(ctx)
		elapsed := time.Since(started)
		p.metrics.CycleDuration.Observe(elapsed.Seconds())
		p.counters.cycles.Add(1)
		p.recordCycle(err)

		wait := p.cfg.TriggerInterval - elapsed
		if err != nil {
			if fatal(err) {
				p.log.Error().Err(err).Msg("pipeline halted")
				p.setState(StateStopped)
				return err
			}
			wait = p.nextBackoff()
			p.log.Warn().Err(err).Dur("retry_in", wait).Msg("cycle failed")
		} else {
			p.backoff = 0
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return p.shutdown(ctx)
			case <-timer.C:
			}
		}
	}
}

func fatal(err error) bool {
	return errors.Is(err, checkpoint.ErrCheckpointWrite) || errors.Is(err, source.ErrSourceCorrupt)
}

// cycle runs one micro-batch. Polling honours ctx; flush and commit run detached from
// cancellation so an in-flight flush completes.
func (p *Pipeline) cycle(ctx context.Context) error {
	work := context.WithoutCancel(ctx)

	if !p.prepared {
		if err := p.prepare(work); err != nil {
			return err
		}
	}
	if p.pending != nil {
		if err := p.flushAndCommit(work, *p.pending); err != nil {
			return err
		}
	}

	p.setState(StatePolling)
	from := p.checkpoints.Current().Cursor()
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	poll, err := p.reader.Poll(pollCtx, from)
	cancel()
	if err != nil {
		p.counters.pollFailures.Add(1)
		p.metrics.PollFailures.WithLabelValues(pollClass(err)).Inc()
		return fmt.Errorf("poll from %s: %w", from.Position, err)
	}
	if poll.Empty() {
		return nil
	}
	p.counters.read.Add(int64(poll.Lines))
	p.metrics.RecordsRead.Add(float64(poll.Lines))
	if poll.Late > 0 {
		p.counters.late.Add(int64(poll.Late))
		p.metrics.LateUnits.Add(float64(poll.Late))
	}

	if len(poll.Malformed) > 0 {
		entries := make([]sink.Entry, 0, len(poll.Malformed))
		for _, m := range poll.Malformed {
			entries = append(entries, sink.NewEntry(m.Unit, m.Offset, m.Raw, m.Reason, m.Err))
			p.metrics.RecordsMalformed.WithLabelValues(m.Reason).Inc()
		}
		p.counters.malformed.Add(int64(len(entries)))
		p.sink.Capture(entries...)
	}

	p.setState(StateFiltering)
	accepted := make([]record.Record, 0, len(poll.Records))
	for _, rec := range poll.Records {
		d := p.filter.Admit(rec, p.reference)
		if !d.Accepted {
			p.counters.filtered.Add(1)
			p.metrics.RecordsFiltered.WithLabelValues(d.Reason).Inc()
			continue
		}
		accepted = append(accepted, d.Record)
	}
	p.counters.accepted.Add(int64(len(accepted)))
	p.metrics.RecordsAccepted.Add(float64(len(accepted)))

	p.setState(StateBatching)
	end := poll.End
	p.pending = &end
	p.pendingCommit.Store(true)

	var flushErr error
	for _, rec := range accepted {
		if p.writer.Offer(rec) && flushErr == nil {
			p.setState(StateFlushing)
			flushErr = p.flush(work, false)
			p.setState(StateBatching)
		}
	}
	if flushErr != nil {
		return flushErr
	}

	p.log.Debug().
		Int("read", poll.Lines).
		Int("accepted", len(accepted)).
		Int("malformed", len(poll.Malformed)).
		Str("end", end.Position.String()).
		Msg("poll processed")
	return p.flushAndCommit(work, end)
}

// prepare reconciles existing output with the checkpoint once per run. A fresh instance
// gets a checkpoint before its first file is published, so a crash before the first
// commit is replayed as a resumed instance and its files are replaced, not duplicated.
func (p *Pipeline) prepare(ctx context.Context) error {
	if err := p.writer.Prepare(ctx); err != nil {
		p.counters.flushFailures.Add(1)
		p.metrics.FlushFailures.Inc()
		return err
	}
	if p.checkpoints.Fresh() {
		cpCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckpointTimeout)
		defer cancel()
		if err := p.checkpoints.Advance(cpCtx, p.checkpoints.Current().Cursor(), p.writer.NextSeq()); err != nil {
			return err
		}
	}
	p.prepared = true
	return nil
}

// flushAndCommit seals and flushes everything buffered, then advances the checkpoint.
// The checkpoint never moves unless every batch up to end has been published.
func (p *Pipeline) flushAndCommit(ctx context.Context, end record.Cursor) error {
	p.setState(StateFlushing)
	if err := p.flush(ctx, true); err != nil {
		return err
	}

	p.setState(StateCheckpointing)
	cpCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckpointTimeout)
	defer cancel()
	nextSeq := p.writer.NextSeq()
	if err := p.checkpoints.Advance(cpCtx, end, nextSeq); err != nil {
		return err
	}
	p.pending = nil
	p.pendingCommit.Store(false)
	p.counters.commits.Add(1)
	p.metrics.CheckpointCommits.Inc()
	p.metrics.CheckpointSeq.Set(float64(nextSeq))
	p.setState(StatePolling)
	return nil
}

func (p *Pipeline) flush(ctx context.Context, seal bool) error {
	res := p.writer.Flush(ctx, seal)
	if res.Files > 0 {
		p.counters.flushed.Add(int64(res.Files))
		p.counters.bytes.Add(res.BytesWritten)
		p.metrics.BatchesFlushed.Add(float64(res.Files))
		p.metrics.BytesWritten.Add(float64(res.BytesWritten))
	}
	if !res.OK() {
		p.counters.flushFailures.Add(1)
		p.metrics.FlushFailures.Inc()
		if !errors.Is(res.Err, batch.ErrFlushFailure) {
			return fmt.Errorf("%w: %v", batch.ErrFlushFailure, res.Err)
		}
		return res.Err
	}
	return nil
}

// shutdown makes a final attempt to publish buffered records. If it fails they stay
// replayable from the unadvanced checkpoint.
func (p *Pipeline) shutdown(ctx context.Context) error {
	defer p.setState(StateStopped)
	if p.pending == nil && !p.writer.Pending() {
		p.log.Info().Msg("pipeline stopped")
		return nil
	}
	if p.pending == nil {
		p.log.Warn().Msg("buffered records without a poll boundary, leaving them for replay")
		return nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.flushAndCommit(sctx, *p.pending); err != nil {
		p.log.Warn().Err(err).Msg("final flush failed, records will be replayed from the last checkpoint")
		if errors.Is(err, checkpoint.ErrCheckpointWrite) {
			return err
		}
		return nil
	}
	p.log.Info().Msg("pipeline stopped after final flush")
	return nil
}

func (p *Pipeline) nextBackoff() time.Duration {
	if p.backoff == 0 {
		p.backoff = p.cfg.RetryBackoffInitial
	} else {
		p.backoff *= 2
	}
	if p.backoff > p.cfg.RetryBackoffMax {
		p.backoff = p.cfg.RetryBackoffMax
	}
	return p.backoff
}

func pollClass(err error) string {
	switch {
	case errors.Is(err, source.ErrSourceCorrupt):
		return "corrupt"
	case errors.Is(err, source.ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}

func (p *Pipeline) setState(s State) {
	p.state.Store(s)
}

// State returns the current loop state.
func (p *Pipeline) State() State {
	return p.state.Load().(State)
}

func (p *Pipeline) recordCycle(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCycleAt = p.now().UTC()
	if err != nil {
		p.lastError = err.Error()
	} else {
		p.lastError = ""
	}
}

// Status snapshots the pipeline for the status API. Safe for concurrent use.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	lastError, lastCycle := p.lastError, p.lastCycleAt
	startedAt, reference := p.startedAt, p.reference
	p.mu.Unlock()

	return Status{
		Instance:      p.cfg.Instance,
		RunID:         p.runID,
		State:         p.State(),
		StartedAt:     startedAt,
		ReferenceTime: reference,
		Checkpoint:    p.checkpoints.Current(),
		Writer:        p.writer.Stats(),
		PendingCommit: p.pendingCommit.Load(),
		Counters: Counters{
			Cycles:            p.counters.cycles.Load(),
			RecordsRead:       p.counters.read.Load(),
			RecordsAccepted:   p.counters.accepted.Load(),
			RecordsFiltered:   p.counters.filtered.Load(),
			RecordsMalformed:  p.counters.malformed.Load(),
			LateUnits:         p.counters.late.Load(),
			BatchesFlushed:    p.counters.flushed.Load(),
			BytesWritten:      p.counters.bytes.Load(),
			FlushFailures:     p.counters.flushFailures.Load(),
			PollFailures:      p.counters.pollFailures.Load(),
			CheckpointCommits: p.counters.commits.Load(),
		},
		LastError:   lastError,
		LastCycleAt: lastCycle,
	}
}
