// Package gcs provides a destination store backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// Store writes payloads to a configured GCS bucket. Destination
// directories map to object prefixes.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed store.
func New(client *storage.Client, bucket string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Exists reports whether the object already exists in the bucket.
func (s *Store) Exists(ctx context.Context, dest grab.DestinationContext, name string) (bool, error) {
	obj := s.client.Bucket(s.bucket).Object(objectPath(dest, name))
	_, err := obj.Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("object attrs: %w", err)
	}
}

// Put uploads the payload and returns a gs:// URI.
func (s *Store) Put(ctx context.Context, dest grab.DestinationContext, name string, contentType string, data []byte) (string, error) {
	p := objectPath(dest, name)
	writer := s.client.Bucket(s.bucket).Object(p).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, p), nil
}

func objectPath(dest grab.DestinationContext, name string) string {
	return path.Join(dest.Directory, name)
}
