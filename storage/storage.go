// Package storage defines the object store used to persist DICOM instances
// and provides filesystem and S3-compatible implementations.
//
// Keys are slash-separated relative paths, e.g.
// "1.2.840.1/1.2.840.1.2/1.2.840.1.2.3.dcm". Callers are expected to trim
// trailing NUL padding from UIDs before building keys; this package treats
// keys as opaque.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Backend stores and retrieves opaque byte blobs. Implementations must be
// safe for concurrent use. None of the methods retry; callers decide the
// retry policy.
type Backend interface {
	// Get returns the object stored under key. Returns ErrNotFound when no
	// such object exists, or *UnavailableError when the backend cannot be
	// reached.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data under key, creating any missing parents and
	// overwriting an existing object.
	Put(ctx context.Context, key string, data []byte) error
	// List invokes fn for every object whose key starts with prefix.
	// Listing stops at the first fn error, which is returned verbatim.
	List(ctx context.Context, prefix string, fn func(key string) error) error
}

var (
	// ErrNotFound indicates that no object exists under the requested key.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey indicates a key that is empty, absolute, or escapes the
	// backend root.
	ErrInvalidKey = errors.New("invalid object key")
)

// UnavailableError indicates that the backend could not serve the request,
// e.g. an unreachable endpoint or a permission failure. The cause is
// preserved.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "storage backend unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func unavailable(err error, msg string) error {
	return &UnavailableError{Err: errors.Wrap(err, msg)}
}
