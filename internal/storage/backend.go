package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/chartmuseum/storage"
)

// BackendClient implements ObjectStorage on top of a chartmuseum storage backend.
// The same adapter serves the local filesystem, S3-compatible services, Azure Blob and GCS.
type BackendClient struct {
	backend  storage.Backend
	location string
}

// envMu serialises the env juggling the chartmuseum constructors require.
var envMu sync.Mutex

// NewLocalClient stores objects as files below root.
func NewLocalClient(root string) *BackendClient {
	return &BackendClient{
		backend:  storage.NewLocalFilesystemBackend(root),
		location: "file://" + root,
	}
}

// NewS3Client builds a client backed by chartmuseum's Amazon storage backend.
func NewS3Client(ctx context.Context, cfg Config) (*BackendClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if !cfg.UseSSL {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, strings.TrimPrefix(cfg.Endpoint, "//"))
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	creds, ok, err := resolveCredentials(ctx, cfg.credentials())
	if err != nil {
		return nil, err
	}

	envMu.Lock()
	defer envMu.Unlock()
	if ok {
		os.Setenv("AWS_ACCESS_KEY_ID", creds.AccessKey)
		os.Setenv("AWS_SECRET_ACCESS_KEY", creds.SecretKey)
		if creds.SessionToken != "" {
			os.Setenv("AWS_SESSION_TOKEN", creds.SessionToken)
		}
	}
	os.Setenv("AWS_REGION", region)
	os.Setenv("AWS_DEFAULT_REGION", region)

	backend, err := buildBackend(func() storage.Backend {
		return storage.NewAmazonS3BackendWithOptions(
			cfg.Bucket,
			"",
			region,
			endpoint,
			"",
			&storage.AmazonS3Options{
				S3ForcePathStyle: awsBool(endpoint != ""),
			},
		)
	})
	if err != nil {
		return nil, fmt.Errorf("s3 backend: %w", err)
	}

	return &BackendClient{backend: backend, location: "s3://" + cfg.Bucket}, nil
}

// NewAzureClient builds a client for an Azure Blob container. The account name travels
// as the access key and the account key as the secret.
func NewAzureClient(ctx context.Context, cfg Config) (*BackendClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("azure container must be provided")
	}
	creds, ok, err := resolveCredentials(ctx, cfg.credentials())
	if err != nil {
		return nil, err
	}

	envMu.Lock()
	defer envMu.Unlock()
	if ok {
		os.Setenv("AZURE_STORAGE_ACCOUNT", creds.AccessKey)
		os.Setenv("AZURE_STORAGE_ACCESS_KEY", creds.SecretKey)
	}

	backend, err := buildBackend(func() storage.Backend {
		return storage.NewMicrosoftBlobBackend(cfg.Bucket, "")
	})
	if err != nil {
		return nil, fmt.Errorf("azure backend: %w", err)
	}

	return &BackendClient{backend: backend, location: "azure://" + cfg.Bucket}, nil
}

// NewGCSClient builds a client for a Google Cloud Storage bucket using ambient credentials.
func NewGCSClient(cfg Config) (*BackendClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket must be provided")
	}
	backend, err := buildBackend(func() storage.Backend {
		return storage.NewGoogleCSBackend(cfg.Bucket, "")
	})
	if err != nil {
		return nil, fmt.Errorf("gcs backend: %w", err)
	}
	return &BackendClient{backend: backend, location: "gs://" + cfg.Bucket}, nil
}

// buildBackend converts constructor panics (missing credentials) into errors.
func buildBackend(fn func() storage.Backend) (backend storage.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(), nil
}

func (c *BackendClient) Location() string {
	return c.location
}

// ListObjects lists all objects for a given prefix, sorted by key.
func (c *BackendClient) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := c.backend.ListObjects(prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s failed: %w", c.location, prefix, err)
	}
	results := make([]ObjectInfo, 0, len(files))
	for _, object := range files {
		key := object.Path
		if prefix != "" && !strings.HasPrefix(key, strings.Trim(prefix, "/")+"/") {
			key = JoinKey(prefix, key)
		}
		results = append(results, ObjectInfo{
			Key:          key,
			Size:         int64(len(object.Content)),
			LastModified: object.LastModified,
		})
	}
	sortObjects(results)
	return results, nil
}

// GetObject returns the object content or ErrNotFound.
func (c *BackendClient) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	object, err := c.backend.GetObject(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || !c.exists(ctx, key) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s failed: %w", key, err)
	}
	return object.Content, nil
}

// exists checks the key against a listing of its parent. Backends report missing keys with
// provider specific errors, the listing is uniform.
func (c *BackendClient) exists(ctx context.Context, key string) bool {
	dir := path.Dir(key)
	if dir == "." {
		dir = ""
	}
	objects, err := c.ListObjects(ctx, dir)
	if err != nil {
		return true
	}
	for _, o := range objects {
		if o.Key == key {
			return true
		}
	}
	return false
}

func (c *BackendClient) UploadObject(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.backend.PutObject(key, data); err != nil {
		return fmt.Errorf("upload %s failed: %w", key, err)
	}
	return nil
}

func (c *BackendClient) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.backend.DeleteObject(key); err != nil {
		return fmt.Errorf("delete %s failed: %w", key, err)
	}
	return nil
}

var _ ObjectStorage = (*BackendClient)(nil)

func awsBool(v bool) *bool {
	return &v
}
