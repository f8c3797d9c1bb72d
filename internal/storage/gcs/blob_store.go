// Package gcs archives run reports in Google Cloud Storage.
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

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
}

type objectWriter interface {
	io.WriteCloser
	SetContentType(string)
}

type writerFactory func(ctx context.Context, bucket, object string) objectWriter

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	newWriter writerFactory
	bucket    string
	prefix    string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return newWithFactory(func(ctx context.Context, bucket, object string) objectWriter {
		return &gcsWriter{Writer: client.Bucket(bucket).Object(object).NewWriter(ctx)}
	}, cfg)
}

func newWithFactory(factory writerFactory, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		newWriter: factory,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", errors.New("path is required")
	}
	object := strings.TrimPrefix(objectPath, "/")
	if s.prefix != "" {
		object = path.Join(s.prefix, object)
	}
	writer := s.newWriter(ctx, s.bucket, object)
	if contentType != "" {
		writer.SetContentType(contentType)
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %w)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

type gcsWriter struct {
	*storage.Writer
}

func (w *gcsWriter) SetContentType(ct string) {
	w.ContentType = ct
}
