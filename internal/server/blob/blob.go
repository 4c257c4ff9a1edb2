// Package blob is the object storage layer: raw file bytes for dead drops and
// versioned JSON documents for shares. Every object carries an etag that
// conditional writes can be checked against.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound           = errors.New("object not found")
	ErrPreconditionFailed = errors.New("object precondition failed")
	ErrInvalidKey         = errors.New("invalid object key")
)

// Object is a fully loaded object and the etag of the revision read.
type Object struct {
	Data []byte
	ETag string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
}

// PutOptions makes a write conditional.
type PutOptions struct {
	// IfMatch rejects the write unless the current etag equals it.
	IfMatch string
	// IfNoneMatch rejects the write if the object already exists.
	IfNoneMatch bool
	ContentType string
}

// Store defines the interface for object storage backends.
//
// Delete is idempotent: removing a missing object is not an error.
// Conditional write failures are reported as ErrPreconditionFailed.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)
	Delete(ctx context.Context, key string) error
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Ping(ctx context.Context) error
}

// cleanKey rejects keys that are empty, absolute or escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

var (
	_ Store = (*FileSystemStore)(nil)
	_ Store = (*S3Store)(nil)
)
