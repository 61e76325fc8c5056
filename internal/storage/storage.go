package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by GetObject when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo represents metadata for a remote file/object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStorage captures the minimal blob operations the ingestion pipeline needs.
// Keys are slash separated and relative to the bucket/container the client is bound to.
type ObjectStorage interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	UploadObject(ctx context.Context, key string, data []byte) error
	DeleteObject(ctx context.Context, key string) error
	// Location identifies the bound bucket for logs and lease keys. It never carries credentials.
	Location() string
}

// Backend kinds accepted by Open.
const (
	KindLocal  = "local"
	KindMemory = "memory"
	KindS3     = "s3"
	KindAzure  = "azure"
	KindGCS    = "gcs"
	KindMinio  = "minio"
)

// Config describes one storage location.
type Config struct {
	Kind      string
	Bucket    string // bucket or container name
	Root      string // root directory for the local backend
	Endpoint  string
	Region    string
	UseSSL    bool
	AccessKey string
	SecretKey string

	// Credentials overrides AccessKey/SecretKey when set.
	Credentials CredentialProvider
}

func (c Config) credentials() CredentialProvider {
	if c.Credentials != nil {
		return c.Credentials
	}
	if c.AccessKey != "" || c.SecretKey != "" {
		return StaticCredentials{AccessKey: c.AccessKey, SecretKey: c.SecretKey}
	}
	return nil
}

// Open builds the ObjectStorage for the configured backend kind.
func Open(ctx context.Context, cfg Config) (ObjectStorage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindLocal, "":
		if cfg.Root == "" {
			return nil, fmt.Errorf("local storage root must be provided")
		}
		return NewLocalClient(cfg.Root), nil
	case KindMemory:
		return NewMemoryStore(cfg.Bucket), nil
	case KindS3:
		return NewS3Client(ctx, cfg)
	case KindAzure:
		return NewAzureClient(ctx, cfg)
	case KindGCS:
		return NewGCSClient(cfg)
	case KindMinio:
		return NewMinioClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage kind %q", cfg.Kind)
	}
}

// JoinKey joins key segments with slashes, dropping empty parts.
func JoinKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return path.Join(kept...)
}

func sortObjects(objects []ObjectInfo) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
}
