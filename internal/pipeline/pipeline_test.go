package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/batch"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/checkpoint"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/filter"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/sink"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/source"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
)

var noon = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type harness struct {
	src     *storage.MemoryStore
	out     storage.ObjectStorage
	bad     *storage.MemoryStore
	cpStore checkpoint.Store
	cp      *checkpoint.Manager
	writer  *batch.Writer
	sink    *sink.Sink
	p       *Pipeline
}

type harnessOpts struct {
	out        storage.ObjectStorage
	cpStore    checkpoint.Store
	src        *storage.MemoryStore
	maxPerFile int
	srcMode    source.Mode
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{src: opts.src, out: opts.out, bad: storage.NewMemoryStore("bad"), cpStore: opts.cpStore}
	if h.src == nil {
		h.src = storage.NewMemoryStore("src")
	}
	if h.out == nil {
		h.out = storage.NewMemoryStore("out")
	}
	if h.cpStore == nil {
		h.cpStore = checkpoint.NewObjectStore(storage.NewMemoryStore("cp-"+t.Name()), "checkpoints")
	}
	if opts.maxPerFile == 0 {
		opts.maxPerFile = 100
	}
	instance := "pipe"

	srcCfg := source.DefaultConfig()
	srcCfg.Prefix = "in"
	if opts.srcMode != "" {
		srcCfg.Mode = opts.srcMode
	}
	reader, err := source.NewReader(h.src, srcCfg)
	assert.NilError(t, err)

	f, err := filter.New(filter.Config{StalenessWindow: 15 * time.Minute, Rules: filter.DefaultRules()})
	assert.NilError(t, err)

	h.cp, err = checkpoint.Open(ctx, h.cpStore, instance, "run-test")
	assert.NilError(t, err)
	t.Cleanup(h.cp.Release)

	h.writer, err = batch.NewWriter(h.out, batch.Config{
		Prefix:            "out",
		Instance:          instance,
		MaxRecordsPerFile: opts.maxPerFile,
	}, h.cp.Current().NextSeq, h.cp.Fresh())
	assert.NilError(t, err)

	h.sink = sink.New(h.bad, sink.Config{Prefix: "bad", Instance: instance})
	t.Cleanup(func() { _ = h.sink.Close(context.Background()) })

	cfg := DefaultConfig(instance)
	cfg.TriggerInterval = 10 * time.Millisecond
	cfg.RetryBackoffInitial = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	h.p, err = New(cfg, Components{
		Reader:      reader,
		Filter:      f,
		Writer:      h.writer,
		Checkpoints: h.cp,
		Sink:        h.sink,
		Clock:       func() time.Time { return noon },
		RunID:       "run-test",
	})
	assert.NilError(t, err)
	h.p.reference = noon
	return h
}

func event(id int, at time.Time, ok string) string {
	return fmt.Sprintf(`{"id":%d,"epoch_timestamp":%d,"operation_successful":%q}`, id, at.Unix(), ok)
}

func put(t *testing.T, store *storage.MemoryStore, key string, lines ...string) {
	t.Helper()
	assert.NilError(t, store.UploadObject(context.Background(), key, []byte(strings.Join(lines, "\n")+"\n")))
}

// outputIDs returns the id column of every published file, in key order.
func outputIDs(t *testing.T, store storage.ObjectStorage) (files int, ids []string) {
	t.Helper()
	ctx := context.Background()
	objects, err := store.ListObjects(ctx, "out")
	assert.NilError(t, err)
	for _, obj := range objects {
		data, err := store.GetObject(ctx, obj.Key)
		assert.NilError(t, err)
		rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		assert.NilError(t, err)
		assert.Equal(t, rows[0][0], "id")
		for _, row := range rows[1:] {
			ids = append(ids, row[0])
		}
	}
	return len(objects), ids
}

func TestCycleAppliesFreshnessWindow(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	put(t, h.src, "in/0001.jsonl",
		event(1, time.Date(2026, 10, 17, 11, 44, 0, 0, time.UTC), "yes"),
		event(2, time.Date(2026, 10, 17, 11, 46, 0, 0, time.UTC), "yes"),
		event(3, time.Date(2026, 10, 17, 11, 50, 0, 0, time.UTC), "no"),
	)

	assert.NilError(t, h.p.cycle(context.Background()))

	_, ids := outputIDs(t, h.out)
	assert.DeepEqual(t, ids, []string{"2"})
	st := h.p.Status()
	assert.Equal(t, st.Counters.RecordsFiltered, int64(2))
	assert.Equal(t, st.Counters.RecordsAccepted, int64(1))
	assert.Equal(t, h.cp.Current().Position, record.Position{Unit: "in/0001.jsonl", Offset: record.EndOfUnit})
}

func TestCycleSplitsBatchesBeforeCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{maxPerFile: 3})
	var lines []string
	for i := 1; i <= 5; i++ {
		lines = append(lines, event(i, noon, "yes"))
	}
	put(t, h.src, "in/0001.jsonl", lines...)

	assert.NilError(t, h.p.cycle(context.Background()))

	files, ids := outputIDs(t, h.out)
	assert.Equal(t, files, 2)
	assert.DeepEqual(t, ids, []string{"1", "2", "3", "4", "5"})
	assert.Equal(t, h.cp.Current().NextSeq, int64(2))
	assert.Equal(t, h.p.Status().Counters.CheckpointCommits, int64(1))
}

type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) UploadObject(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("upstream 500")
	}
	return f.MemoryStore.UploadObject(ctx, key, data)
}

func TestFlushFailureRetriesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	out := &flakyStore{MemoryStore: storage.NewMemoryStore("out"), failures: 1}
	h := newHarness(t, harnessOpts{out: out})
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"), event(2, noon, "yes"))

	err := h.p.cycle(ctx)
	assert.Assert(t, errors.Is(err, batch.ErrFlushFailure))
	assert.Equal(t, h.cp.Current().Position, record.Position{})
	assert.Assert(t, h.p.Status().PendingCommit)

	assert.NilError(t, h.p.cycle(ctx))
	assert.Equal(t, h.cp.Current().Position, record.Position{Unit: "in/0001.jsonl", Offset: record.EndOfUnit})
	assert.Assert(t, !h.p.Status().PendingCommit)

	files, ids := outputIDs(t, out)
	assert.Equal(t, files, 1)
	assert.DeepEqual(t, ids, []string{"1", "2"})
}

func TestMalformedRecordsGoToSinkOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"), `{"id":`, `{"id":3}`)

	assert.NilError(t, h.p.cycle(context.Background()))
	assert.NilError(t, h.sink.Close(context.Background()))

	_, ids := outputIDs(t, h.out)
	assert.DeepEqual(t, ids, []string{"1"})
	assert.Equal(t, h.sink.Stats().Written, int64(2))
	assert.Equal(t, h.p.Status().Counters.RecordsMalformed, int64(2))
}

func TestEmptyPollDoesNotCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	assert.NilError(t, h.p.cycle(context.Background()))
	assert.Equal(t, h.p.Status().Counters.CheckpointCommits, int64(0))
}

func TestReplayAfterCrashOverwritesSameFile(t *testing.T) {
	ctx := context.Background()
	src := storage.NewMemoryStore("src")
	out := storage.NewMemoryStore("out")
	cpStore := checkpoint.NewObjectStore(storage.NewMemoryStore("cp-replay"), "checkpoints")
	put(t, src, "in/0001.jsonl", event(1, noon, "yes"), event(2, noon, "yes"))

	// First run publishes the batch but dies before the checkpoint is written.
	first := newHarness(t, harnessOpts{src: src, out: out, cpStore: cpStore})
	assert.NilError(t, first.p.prepare(ctx))
	assert.Assert(t, first.writer.Offer(mustParse(t, event(1, noon, "yes"))) == false)
	assert.Assert(t, first.writer.Flush(ctx, true).OK())
	first.cp.Release()

	second := newHarness(t, harnessOpts{src: src, out: out, cpStore: cpStore})
	assert.NilError(t, second.p.cycle(ctx))

	files, ids := outputIDs(t, out)
	assert.Equal(t, files, 1)
	assert.DeepEqual(t, ids, []string{"1", "2"})
}

// killedCheckpoints lets a fixed number of saves through and then fails every write,
// which is how a process dying before its commit looks from the outside.
type killedCheckpoints struct {
	checkpoint.Store
	mu    sync.Mutex
	saves int
}

func (k *killedCheckpoints) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.saves == 0 {
		return errors.New("process killed")
	}
	if k.saves > 0 {
		k.saves--
	}
	return k.Store.Save(ctx, cp)
}

func TestReplayWithMovedReferenceLeavesNoDuplicates(t *testing.T) {
	ctx := context.Background()
	src := storage.NewMemoryStore("src")
	out := storage.NewMemoryStore("out")
	cpStore := &killedCheckpoints{Store: checkpoint.NewObjectStore(storage.NewMemoryStore("cp-moved"), "checkpoints"), saves: 1}
	put(t, src, "in/0001.jsonl",
		event(1, noon.Add(-20*time.Minute), "yes"),
		event(2, noon.Add(-20*time.Minute), "yes"),
		event(3, noon.Add(-10*time.Minute), "yes"),
		event(4, noon.Add(-2*time.Minute), "yes"),
		event(5, noon.Add(-time.Minute), "yes"),
	)

	first := newHarness(t, harnessOpts{src: src, out: out, cpStore: cpStore, maxPerFile: 2})
	err := first.p.cycle(ctx)
	assert.Assert(t, errors.Is(err, checkpoint.ErrCheckpointWrite), "got %v", err)
	files, ids := outputIDs(t, out)
	assert.Equal(t, files, 2)
	assert.DeepEqual(t, ids, []string{"3", "4", "5"})
	first.cp.Release()

	// The restart judges freshness ten minutes later, so record 3 no longer qualifies.
	cpStore.saves = -1
	second := newHarness(t, harnessOpts{src: src, out: out, cpStore: cpStore, maxPerFile: 2})
	assert.Assert(t, !second.cp.Fresh())
	second.p.reference = noon.Add(10 * time.Minute)
	assert.NilError(t, second.p.cycle(ctx))

	files, ids = outputIDs(t, out)
	assert.Equal(t, files, 1)
	assert.DeepEqual(t, ids, []string{"4", "5"})
	assert.Equal(t, second.cp.Current().NextSeq, int64(1))
}

func TestFreshInstanceKeepsEarlierOutput(t *testing.T) {
	ctx := context.Background()
	out := storage.NewMemoryStore("out")
	assert.NilError(t, out.UploadObject(ctx, "out/pipe-000000000000.csv", []byte("id\n0\n")))
	h := newHarness(t, harnessOpts{out: out})
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"))

	assert.NilError(t, h.p.cycle(ctx))

	files, ids := outputIDs(t, out)
	assert.Equal(t, files, 2)
	assert.DeepEqual(t, ids, []string{"0", "1"})
	assert.Equal(t, h.cp.Current().NextSeq, int64(2))
}

func TestLateUnitIsIngested(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	put(t, h.src, "in/b/0001.jsonl", event(1, noon, "yes"))
	assert.NilError(t, h.p.cycle(ctx))

	put(t, h.src, "in/a/0001.jsonl", event(2, noon, "yes"))
	assert.NilError(t, h.p.cycle(ctx))
	assert.NilError(t, h.p.cycle(ctx))

	_, ids := outputIDs(t, h.out)
	assert.DeepEqual(t, ids, []string{"1", "2"})
	assert.Equal(t, h.p.Status().Counters.LateUnits, int64(1))
	assert.Equal(t, h.cp.Current().Position, record.Position{Unit: "in/b/0001.jsonl", Offset: record.EndOfUnit})
	assert.Equal(t, h.p.Status().Counters.CheckpointCommits, int64(2))
}

func TestCancelDuringBackoffFlushesOnShutdown(t *testing.T) {
	out := &flakyStore{MemoryStore: storage.NewMemoryStore("out"), failures: 1}
	h := newHarness(t, harnessOpts{out: out})
	h.p.cfg.RetryBackoffInitial = time.Hour
	h.p.cfg.RetryBackoffMax = time.Hour
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.p.Status().Counters.FlushFailures == 0 {
		if time.Now().After(deadline) {
			t.Fatal("flush never failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop during backoff")
	}
	assert.Equal(t, h.p.State(), StateStopped)
	assert.Equal(t, h.cp.Current().Position, record.Position{Unit: "in/0001.jsonl", Offset: record.EndOfUnit})
	assert.Equal(t, h.p.Status().Counters.CheckpointCommits, int64(1))
	_, ids := outputIDs(t, out)
	assert.DeepEqual(t, ids, []string{"1"})
}

func TestFailFastCorruptionHaltsRun(t *testing.T) {
	h := newHarness(t, harnessOpts{srcMode: source.ModeFailFast})
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"), `{"id":`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.p.Run(ctx)
	assert.Assert(t, errors.Is(err, source.ErrSourceCorrupt), "got %v", err)
	assert.Equal(t, h.p.State(), StateStopped)
	assert.Equal(t, h.cp.Current().Position, record.Position{})
	files, _ := outputIDs(t, h.out)
	assert.Equal(t, files, 0)
}

func mustParse(t *testing.T, line string) record.Record {
	t.Helper()
	rec, err := record.ParseLine([]byte(line), record.Position{Unit: "in/0001.jsonl"})
	assert.NilError(t, err)
	return rec
}

type brokenCheckpoints struct {
	*checkpoint.ObjectStore
}

func (brokenCheckpoints) Save(context.Context, checkpoint.Checkpoint) error {
	return errors.New("permission denied")
}

func TestCheckpointFailureHaltsRun(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cpStore: brokenCheckpoints{checkpoint.NewObjectStore(storage.NewMemoryStore("cp-broken"), "cp")},
	})
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.p.Run(ctx)
	assert.Assert(t, errors.Is(err, checkpoint.ErrCheckpointWrite), "got %v", err)
	assert.Equal(t, h.p.State(), StateStopped)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	put(t, h.src, "in/0001.jsonl", event(1, noon, "yes"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.p.Status().Counters.CheckpointCommits == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never committed a checkpoint")
		}
		time.Sleep(5 * time.Millisecond)
	}
	put(t, h.src, "in/0002.jsonl", event(2, noon, "yes"))
	cancel()

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, h.p.State(), StateStopped)
	assert.Equal(t, h.p.Status().ReferenceTime, noon)
}

func TestBackoffDoublesToMax(t *testing.T) {
	p := &Pipeline{cfg: Config{RetryBackoffInitial: time.Second, RetryBackoffMax: 3 * time.Second}}
	assert.Equal(t, p.nextBackoff(), time.Second)
	assert.Equal(t, p.nextBackoff(), 2*time.Second)
	assert.Equal(t, p.nextBackoff(), 3*time.Second)
	assert.Equal(t, p.nextBackoff(), 3*time.Second)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.ErrorContains(t, err, "instance")
	_, err = New(DefaultConfig("p"), Components{})
	assert.ErrorContains(t, err, "required")
}
