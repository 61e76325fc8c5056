package checkpoint

import (
	"context"
	"os"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"gotest.tools/v3/assert"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		srv := miniredis.RunT(t)
		url = "redis://" + srv.Addr()
	}
	client, err := NewRedisClient(context.Background(), RedisConfig{URL: url})
	assert.NilError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:checkpoint:", 0)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	t.Run("missing", func(t *testing.T) {
		cp, err := store.Load(ctx, "nobody")
		assert.NilError(t, err)
		assert.Assert(t, cp == nil)
	})

	t.Run("save and load", func(t *testing.T) {
		want := Checkpoint{Instance: "pipe-a", Position: record.Position{Unit: "in/9.jsonl", Offset: 12}, NextSeq: 3}
		assert.NilError(t, store.Save(ctx, want))
		got, err := store.Load(ctx, "pipe-a")
		assert.NilError(t, err)
		assert.Equal(t, got.Position, want.Position)
		assert.Equal(t, got.NextSeq, want.NextSeq)
	})

	t.Run("instances and delete", func(t *testing.T) {
		assert.NilError(t, store.Save(ctx, Checkpoint{Instance: "pipe-b"}))
		names, err := store.Instances(ctx)
		assert.NilError(t, err)
		sort.Strings(names)
		assert.DeepEqual(t, names, []string{"pipe-a", "pipe-b"})

		assert.NilError(t, store.Delete(ctx, "pipe-b"))
		cp, err := store.Load(ctx, "pipe-b")
		assert.NilError(t, err)
		assert.Assert(t, cp == nil)
	})
}

func TestBuildRedisOptions(t *testing.T) {
	opts, err := buildRedisOptions(RedisConfig{Port: "6380", DB: 2})
	assert.NilError(t, err)
	assert.Equal(t, opts.Addr, "127.0.0.1:6380")
	assert.Equal(t, opts.DB, 2)

	_, err = buildRedisOptions(RedisConfig{URL: "http://nope"})
	assert.ErrorContains(t, err, "invalid redis url")
}
