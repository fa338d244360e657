// Package store defines the object store capability used by the sync
// engine: head, get, put and delete by key, with custom per-object
// metadata.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a remote object store addressed by key. Implementations must be
// safe for concurrent use. Every call may fail with a transport error;
// absence of an object is reported as ErrNotFound (possibly wrapped).
type Store interface {
	// Head returns the custom metadata attached to key.
	Head(ctx context.Context, key string) (map[string]string, error)

	// Get writes the object's content to dst and returns the number of
	// bytes written.
	Get(ctx context.Context, key string, dst io.WriterAt) (int64, error)

	// Put stores body under key with the given metadata. acl is a canned
	// access-control setting; empty leaves the store default.
	Put(ctx context.Context, key string, body io.Reader, meta map[string]string, acl string) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}
