// Package objstore provides the flat key/value object store the virtual
// filesystem is built on. Backends expose put/get/head/list/delete only and
// never retry; callers decide their own retry policy.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Object store error types.
var (
	ErrNotFound    = errors.New("object not found")
	ErrUnavailable = errors.New("object store unavailable")
	ErrInvalidKey  = errors.New("invalid object key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store is the set of primitives every backend implements.
type Store interface {
	// Put writes the object at key, replacing any existing one.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (ObjectInfo, error)

	// Get opens the object body. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Head returns object attributes without transferring the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes the object. Missing keys return ErrNotFound.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix. All backend
	// pages are drained before returning.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Metadata keys written alongside objects.
const (
	MetaDisplayName        = "display-name"
	MetaContentDisposition = "content-disposition"
)

// unavailable wraps a transport or backend failure.
func unavailable(op, key string, err error) error {
	return fmt.Errorf("%s %q: %w: %v", op, key, ErrUnavailable, err)
}
