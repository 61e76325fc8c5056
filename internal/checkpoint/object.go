package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
)

// ObjectStore keeps checkpoints as JSON objects next to the data, like a streaming
// checkpoint location on blob storage.
type ObjectStore struct {
	store  storage.ObjectStorage
	prefix string
}

func NewObjectStore(store storage.ObjectStorage, prefix string) *ObjectStore {
	return &ObjectStore{store: store, prefix: prefix}
}

func (s *ObjectStore) Name() string {
	return s.store.Location() + "/" + s.prefix
}

func (s *ObjectStore) key(instance string) string {
	return storage.JoinKey(s.prefix, fileName(instance))
}

func (s *ObjectStore) Load(ctx context.Context, instance string) (*Checkpoint, error) {
	data, err := s.store.GetObject(ctx, s.key(instance))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.key(instance), err)
	}
	return &cp, nil
}

func (s *ObjectStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.store.UploadObject(ctx, s.key(cp.Instance), data)
}

func (s *ObjectStore) Delete(ctx context.Context, instance string) error {
	err := s.store.DeleteObject(ctx, s.key(instance))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
