// Package checkpoint persists how far a pipeline instance has durably published.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

var (
	// ErrCheckpointWrite is fatal to the pipeline: progress can no longer be recorded.
	ErrCheckpointWrite = errors.New("checkpoint write failed")
	// ErrLeaseHeld means another pipeline in this process owns the checkpoint.
	ErrLeaseHeld = errors.New("checkpoint lease already held")
	// ErrRegression rejects an advance to an earlier position.
	ErrRegression = errors.New("checkpoint would move backwards")
)

// Checkpoint is the durable progress marker of one pipeline instance.
// It never carries credentials.
type Checkpoint struct {
	Instance  string            `json:"instance"`
	Position  record.Position   `json:"position"`
	Watermark time.Time         `json:"watermark,omitzero"`
	Seen      []record.UnitMark `json:"seen,omitempty"`
	NextSeq   int64             `json:"next_seq"`
	RunID     string            `json:"run_id,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Cursor is the source read state the checkpoint carries.
func (c Checkpoint) Cursor() record.Cursor {
	return record.Cursor{Position: c.Position, Watermark: c.Watermark, Seen: c.Seen}.Clone()
}

// Store is a durable key to checkpoint mapping, one key per instance name.
type Store interface {
	// Load returns nil without error when the instance has no checkpoint yet.
	Load(ctx context.Context, instance string) (*Checkpoint, error)
	// Save must return only once the checkpoint is durable.
	Save(ctx context.Context, cp Checkpoint) error
	Delete(ctx context.Context, instance string) error
	// Name identifies the backing location for lease keys and logs.
	Name() string
}

var leases sync.Map

// Lease is the process wide ownership token of a checkpoint.
type Lease struct {
	key  string
	once sync.Once
}

// AcquireLease claims the checkpoint of instance in store for this process.
func AcquireLease(store Store, instance string) (*Lease, error) {
	key := store.Name() + "|" + instance
	if _, loaded := leases.LoadOrStore(key, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	return &Lease{key: key}, nil
}

// Release frees the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { leases.Delete(l.key) })
}

// Manager owns the checkpoint of a single pipeline instance.
type Manager struct {
	store    Store
	instance string
	runID    string
	lease    *Lease
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current Checkpoint
	fresh   bool
}

// Open takes the lease and reads the stored checkpoint once.
func Open(ctx context.Context, store Store, instance, runID string) (*Manager, error) {
	if instance == "" {
		return nil, fmt.Errorf("checkpoint instance name is required")
	}
	lease, err := AcquireLease(store, instance)
	if err != nil {
		return nil, err
	}

	cp, err := store.Load(ctx, instance)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("load checkpoint %s: %w", instance, err)
	}

	m := &Manager{
		store:    store,
		instance: instance,
		runID:    runID,
		lease:    lease,
		log:      logger.Component("checkpoint").With().Str("instance", instance).Str("store", store.Name()).Logger(),
		now:      time.Now,
	}
	if cp == nil {
		m.fresh = true
		m.current = Checkpoint{Instance: instance}
		m.log.Info().Msg("no checkpoint found, starting from the beginning")
	} else {
		m.current = *cp
		m.log.Info().Str("position", cp.Position.String()).Int64("next_seq", cp.NextSeq).Msg("checkpoint loaded")
	}
	return m, nil
}

// Current returns the last durable checkpoint.
func (m *Manager) Current() Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Fresh reports whether the instance started without a stored checkpoint.
func (m *Manager) Fresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fresh
}

// Advance durably records cur and nextSeq. Callers invoke it only after every batch up
// to cur has been flushed. The in-memory view changes only once the store confirms.
func (m *Manager) Advance(ctx context.Context, cur record.Cursor, nextSeq int64) error {
	m.mu.RLock()
	prev := m.current
	m.mu.RUnlock()

	pos := cur.Position
	if pos.Compare(prev.Position) < 0 || nextSeq < prev.NextSeq || cur.Watermark.Before(prev.Watermark) {
		return fmt.Errorf("%w: %w: %s -> %s", ErrCheckpointWrite, ErrRegression, prev.Position, pos)
	}

	cur = cur.Clone()
	next := Checkpoint{
		Instance:  m.instance,
		Position:  pos,
		Watermark: cur.Watermark,
		Seen:      cur.Seen,
		NextSeq:   nextSeq,
		RunID:     m.runID,
		UpdatedAt: m.now().UTC(),
	}
	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}

	m.mu.Lock()
	m.current = next
	m.fresh = false
	m.mu.Unlock()

	m.log.Debug().
		Str("position", pos.String()).
		Int("seen", len(next.Seen)).
		Int64("next_seq", nextSeq).
		Msg("checkpoint advanced")
	return nil
}

// Release gives up the lease.
func (m *Manager) Release() {
	m.lease.Release()
}
