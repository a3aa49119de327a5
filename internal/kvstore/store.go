// Package kvstore defines the key/value persistence used for the site secret and
// the last-seen version of every tracked item.
//
// Backends live in sub-packages and register themselves from init():
//
//	func init() {
//	    kvstore.Register("mybackend", func(cfg *config.Config) (kvstore.Store, error) {
//	        return New(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string key/value store.
type Store interface {
	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// SetIfAbsent writes value only when key does not exist yet and reports
	// whether it did. Concurrent callers racing on the same key see exactly
	// one winner.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
