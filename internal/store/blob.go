package store

import (
	"context"
	"io"
)

// BlobStore archives run reports and returns the object URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
