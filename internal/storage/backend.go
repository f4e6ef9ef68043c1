// Package storage defines the Backend interface shared by the chunk store
// and the durable store, and builds backends from configuration.
package storage

import (
	"context"
	"io"
	"io/fs"
)

// ErrNotFound is wrapped by every backend when a key does not exist.
// It aliases fs.ErrNotExist so backend packages need not import this one.
var ErrNotFound = fs.ErrNotExist

// Backend is the interface for object storage backends.
// Implementations handle raw object I/O (local filesystem, S3, Redis, SMB mounts)
// and must not assume callers share their process or filesystem.
type Backend interface {
	// GetObject opens an object by key and returns its reader and total size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject stores content under the given key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3", "redis", "smb").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// URLResolver is implemented by backends that can hand out a URL through
// which a stored object can be fetched. The durable store must implement it.
type URLResolver interface {
	ObjectURL(ctx context.Context, key string) (string, error)
}
