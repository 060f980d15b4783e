// Package storage defines the Backend interface for file content and picks
// an implementation from configuration.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for content storage backends.
// Record metadata lives separately in the metadata store.
type Backend interface {
	// GetObject returns the object's content and size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
