package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
)

func line(i int) string {
	return fmt.Sprintf(`{"id":%d,"epoch_timestamp":1700000000,"operation_successful":"yes"}`, i)
}

func seed(t *testing.T, store storage.ObjectStorage, key string, lines ...string) {
	t.Helper()
	assert.NilError(t, store.UploadObject(context.Background(), key, []byte(strings.Join(lines, "\n")+"\n")))
}

func newTestReader(t *testing.T, store storage.ObjectStorage, mutate func(*Config)) *Reader {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Prefix = "in"
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewReader(store, cfg)
	assert.NilError(t, err)
	return r
}

func TestPollRespectsRecordCapAndResumes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/0001.jsonl", line(1), line(2), line(3), line(4), line(5))
	r := newTestReader(t, store, func(c *Config) { c.MaxRecordsPerPoll = 3 })

	first, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(first.Records), 3)
	assert.Equal(t, first.End.Position, record.Position{Unit: "in/0001.jsonl", Offset: 3})

	second, err := r.Poll(ctx, first.End)
	assert.NilError(t, err)
	assert.Equal(t, len(second.Records), 2)
	id, _ := second.Records[0].Get("id")
	assert.Equal(t, record.FormatValue(id), "4")
	assert.Equal(t, second.End.Position, record.Position{Unit: "in/0001.jsonl", Offset: record.EndOfUnit})

	third, err := r.Poll(ctx, second.End)
	assert.NilError(t, err)
	assert.Equal(t, len(third.Records), 0)
	assert.Equal(t, third.End.Position, second.End.Position)
}

func TestPollRespectsByteCapButAlwaysProgresses(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/0001.jsonl", line(1), line(2))
	r := newTestReader(t, store, func(c *Config) { c.MaxBytesPerPoll = 10 })

	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 1)
	assert.Equal(t, p.End.Position.Offset, int64(1))
}

func TestPollSpansUnitsInKeyOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/0002.jsonl", line(3))
	seed(t, store, "in/0001.jsonl", line(1), line(2))
	seed(t, store, "in/_delta_log.crc", "ignored")
	r := newTestReader(t, store, nil)

	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 3)
	assert.Equal(t, p.Units, 2)
	assert.Equal(t, p.Records[2].Position().Unit, "in/0002.jsonl")
	assert.Equal(t, p.End.Position, record.Position{Unit: "in/0002.jsonl", Offset: record.EndOfUnit})

	again, err := r.Poll(ctx, p.End)
	assert.NilError(t, err)
	assert.Equal(t, again.Units, 0)
}

func TestPollMaxUnits(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	for i := 1; i <= 3; i++ {
		seed(t, store, fmt.Sprintf("in/%04d.jsonl", i), line(i))
	}
	r := newTestReader(t, store, func(c *Config) { c.MaxUnitsPerPoll = 2 })

	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 2)
	assert.Equal(t, p.End.Position.Unit, "in/0002.jsonl")
}

func TestPollPermissiveIsolatesMalformed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/0001.jsonl", line(1), `{"broken":`, `{"id":2}`, line(3))
	assert.NilError(t, store.UploadObject(ctx, "in/0002.jsonl.gz", []byte("not gzip")))
	r := newTestReader(t, store, nil)

	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 2)
	assert.Equal(t, len(p.Malformed), 3)
	assert.Equal(t, p.Malformed[0].Reason, "parse_error")
	assert.Equal(t, p.Malformed[0].Offset, int64(1))
	assert.Equal(t, p.Malformed[1].Reason, "missing_event_time")
	assert.Equal(t, p.Malformed[2].Reason, ReasonUnitUnreadable)
	assert.Assert(t, errors.Is(p.Malformed[2].Err, ErrSourceCorrupt))
	assert.Equal(t, p.End.Position.Unit, "in/0002.jsonl.gz")
}

func TestPollFailFast(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/0001.jsonl", line(1), `nope`)
	r := newTestReader(t, store, func(c *Config) { c.Mode = ModeFailFast })

	_, err := r.Poll(ctx, record.Cursor{})
	assert.Assert(t, errors.Is(err, ErrSourceCorrupt), "got %v", err)
}

func TestPollReadsGzipUnits(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(line(1) + "\n" + line(2) + "\n"))
	assert.NilError(t, err)
	assert.NilError(t, zw.Close())
	assert.NilError(t, store.UploadObject(ctx, "in/0001.jsonl.gz", buf.Bytes()))

	p, err := newTestReader(t, store, nil).Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 2)
}

type failingStore struct {
	*storage.MemoryStore
	listErr error
	getErr  map[string]error
}

func (f *failingStore) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.ListObjects(ctx, prefix)
}

func (f *failingStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	return f.MemoryStore.GetObject(ctx, key)
}

func TestPollSourceUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: storage.NewMemoryStore("src"), listErr: errors.New("connection reset")}

	_, err := newTestReader(t, store, nil).Poll(ctx, record.Cursor{})
	assert.Assert(t, errors.Is(err, ErrSourceUnavailable))
}

func TestPollStopsAtUnreadableUnitAfterProgress(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: storage.NewMemoryStore("src"), getErr: map[string]error{}}
	seed(t, store, "in/0001.jsonl", line(1))
	seed(t, store, "in/0002.jsonl", line(2))
	seed(t, store, "in/0003.jsonl", line(3))
	store.getErr["in/0002.jsonl"] = errors.New("timeout")
	store.getErr["in/0001.jsonl"] = fmt.Errorf("gone: %w", storage.ErrNotFound)

	r := newTestReader(t, store, nil)
	_, err := r.Poll(ctx, record.Cursor{})
	assert.Assert(t, errors.Is(err, ErrSourceUnavailable))

	delete(store.getErr, "in/0001.jsonl")
	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 1)
	assert.Equal(t, p.End.Position, record.Position{Unit: "in/0001.jsonl", Offset: record.EndOfUnit})
}

func TestPollReadsUnitThatLandsBehindPosition(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/b/0001.jsonl", line(1))
	r := newTestReader(t, store, nil)

	first, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(first.Records), 1)

	seed(t, store, "in/a/0001.jsonl", line(2))
	second, err := r.Poll(ctx, first.End)
	assert.NilError(t, err)
	assert.Equal(t, len(second.Records), 1)
	assert.Equal(t, second.Records[0].Position().Unit, "in/a/0001.jsonl")
	assert.Equal(t, second.Late, 1)
	assert.Equal(t, second.End.Position, first.End.Position)

	third, err := r.Poll(ctx, second.End)
	assert.NilError(t, err)
	assert.Assert(t, third.Empty())
}

func TestPollReadsLateUnitsBeforeNewOnes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("src")
	seed(t, store, "in/b/0001.jsonl", line(1))
	r := newTestReader(t, store, func(c *Config) { c.MaxRecordsPerPoll = 1 })

	first, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)

	seed(t, store, "in/c/0001.jsonl", line(3))
	seed(t, store, "in/a/0001.jsonl", line(2))
	second, err := r.Poll(ctx, first.End)
	assert.NilError(t, err)
	assert.Equal(t, len(second.Records), 1)
	assert.Equal(t, second.Records[0].Position().Unit, "in/a/0001.jsonl")
	assert.Equal(t, second.End.Position, first.End.Position)

	third, err := r.Poll(ctx, second.End)
	assert.NilError(t, err)
	assert.Equal(t, len(third.Records), 1)
	assert.Equal(t, third.Records[0].Position().Unit, "in/c/0001.jsonl")
	assert.Equal(t, third.Late, 0)
}

type countingStore struct {
	*storage.MemoryStore
	mu   sync.Mutex
	gets map[string]int
}

func (c *countingStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	c.gets[key]++
	c.mu.Unlock()
	return c.MemoryStore.GetObject(ctx, key)
}

func TestPollDownloadsCutUnitOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: storage.NewMemoryStore("src"), gets: map[string]int{}}
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, line(i))
	}
	seed(t, store, "in/0001.jsonl", lines...)
	r := newTestReader(t, store, func(c *Config) { c.MaxRecordsPerPoll = 10 })

	cur := record.Cursor{}
	total := 0
	for i := 0; i < 10; i++ {
		p, err := r.Poll(ctx, cur)
		assert.NilError(t, err)
		assert.Equal(t, len(p.Records), 10)
		total += len(p.Records)
		cur = p.End
	}
	assert.Equal(t, total, 100)
	assert.Equal(t, cur.Position, record.Position{Unit: "in/0001.jsonl", Offset: record.EndOfUnit})
	assert.Equal(t, store.gets["in/0001.jsonl"], 1)
}

func TestPollSkipsFetchOnceBudgetIsSpent(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: storage.NewMemoryStore("src"), gets: map[string]int{}}
	for i := 1; i <= 3; i++ {
		seed(t, store, fmt.Sprintf("in/%04d.jsonl", i), line(i))
	}
	r := newTestReader(t, store, func(c *Config) { c.MaxBytesPerPoll = int64(len(line(1))) })

	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Records), 1)
	assert.Equal(t, store.gets["in/0001.jsonl"], 1)
	assert.Equal(t, store.gets["in/0003.jsonl"], 0)
}

func TestPollIsolatesUnitAfterRepeatedReadFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: storage.NewMemoryStore("src"), getErr: map[string]error{}}
	seed(t, store, "in/0001.jsonl", line(1))
	seed(t, store, "in/0002.jsonl", line(2))
	store.getErr["in/0001.jsonl"] = errors.New("403 forbidden")
	r := newTestReader(t, store, func(c *Config) { c.MaxReadAttempts = 2 })

	_, err := r.Poll(ctx, record.Cursor{})
	assert.Assert(t, errors.Is(err, ErrSourceUnavailable))

	p, err := r.Poll(ctx, record.Cursor{})
	assert.NilError(t, err)
	assert.Equal(t, len(p.Malformed), 1)
	assert.Equal(t, p.Malformed[0].Unit, "in/0001.jsonl")
	assert.Equal(t, p.Malformed[0].Reason, ReasonUnitUnreadable)
	assert.Equal(t, len(p.Records), 1)
	assert.Equal(t, p.End.Position, record.Position{Unit: "in/0002.jsonl", Offset: record.EndOfUnit})
}

func TestPollFailFastEscalatesUnreadableUnit(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: storage.NewMemoryStore("src"), getErr: map[string]error{}}
	seed(t, store, "in/0001.jsonl", line(1))
	store.getErr["in/0001.jsonl"] = errors.New("403 forbidden")
	r := newTestReader(t, store, func(c *Config) {
		c.MaxReadAttempts = 2
		c.Mode = ModeFailFast
	})

	_, err := r.Poll(ctx, record.Cursor{})
	assert.Assert(t, errors.Is(err, ErrSourceUnavailable))
	_, err = r.Poll(ctx, record.Cursor{})
	assert.Assert(t, errors.Is(err, ErrSourceCorrupt), "got %v", err)
}

func TestNewReaderValidation(t *testing.T) {
	store := storage.NewMemoryStore("src")
	_, err := NewReader(store, Config{MaxBytesPerPoll: 1})
	assert.ErrorContains(t, err, "max records")
	_, err = NewReader(store, Config{MaxRecordsPerPoll: 1, MaxBytesPerPoll: 1, Mode: "lenient"})
	assert.ErrorContains(t, err, "lenient")
}
