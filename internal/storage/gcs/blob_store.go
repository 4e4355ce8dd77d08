// Package gcs archives run-state snapshots to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and optional object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// BlobStore writes archive objects to a configured bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// Dial opens a client with Application Default Credentials and checks that the
// bucket is reachable before any run work starts.
func Dial(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	if _, err := client.Bucket(store.bucket).Attrs(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("bucket %s attributes: %w", store.bucket, err), client.Close())
	}
	store.owned = true
	return store, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data under the configured prefix and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, data io.Reader) (string, error) {
	object, err := objectName(s.prefix, name)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, data); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", object, err), writer.Close())
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the client when Dial created it.
func (s *BlobStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

func objectName(prefix, name string) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", fmt.Errorf("object name is required")
	}
	if prefix == "" {
		return name, nil
	}
	return path.Join(prefix, name), nil
}
