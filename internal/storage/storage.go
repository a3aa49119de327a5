// Package storage defines the Backend interface used to mirror built archives
// to object storage.
//
// Backends register with the factory from an init() function in their own
// package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Mirror.MyBackend)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by GetMetadata when no object exists at the path.
var ErrNotFound = errors.New("storage: object not found")

// Storage is implemented by every mirror backend.
type Storage interface {
	// Upload stores an object and returns its path, size and SHA-256.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path.
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata returns object metadata, or ErrNotFound.
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)
}

// Preparer is implemented by backends that can create their bucket or
// container on startup.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string
	// Skipped is set when the object already held identical content.
	Skipped bool
}

// FileMetadata contains metadata about a stored object
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string
	LastModified time.Time
}
