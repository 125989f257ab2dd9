package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the interface for archive object storage.
type ObjectStorage interface {
	// Upload writes an object to storage.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download reads an object from storage.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object from storage.
	Delete(ctx context.Context, key string) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the target bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
}
