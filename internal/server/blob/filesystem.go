package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileSystemStore stores objects on the local filesystem. Etags are the
// SHA-256 of the content. Conditional writes are serialized by a mutex, so
// this store is only safe for a single server process.
type FileSystemStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Ping checks that the storage directory is present.
func (fs *FileSystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("failed to stat storage directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", fs.basePath)
	}
	return nil
}

// Get reads a whole object.
func (fs *FileSystemStore) Get(ctx context.Context, key string) (*Object, error) {
	p, err := fs.objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return &Object{Data: data, ETag: etagOf(data)}, nil
}

// Put writes a whole object, honoring the conditions in opts.
func (fs *FileSystemStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	p, err := fs.objectPath(key)
	if err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if opts.IfMatch != "" || opts.IfNoneMatch {
		current, err := os.ReadFile(p)
		exists := err == nil
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read object %s: %w", key, err)
		}
		if opts.IfNoneMatch && exists {
			return "", ErrPreconditionFailed
		}
		if opts.IfMatch != "" && (!exists || etagOf(current) != opts.IfMatch) {
			return "", ErrPreconditionFailed
		}
	}

	if err := writeAtomic(p, data); err != nil {
		return "", fmt.Errorf("failed to write object %s: %w", key, err)
	}
	return etagOf(data), nil
}

// Save streams r to the object at key and returns what was written.
func (fs *FileSystemStore) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*ObjectInfo, error) {
	p, err := fs.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(r, hasher))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return nil, fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:         key,
		Size:        n,
		ContentType: contentType,
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open returns a reader over the object. The caller closes it.
func (fs *FileSystemStore) Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	p, err := fs.objectPath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return f, &ObjectInfo{Key: key, Size: info.Size()}, nil
}

// Stat describes the object without reading it.
func (fs *FileSystemStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	p, err := fs.objectPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: info.Size()}, nil
}

// Delete removes the object. Missing objects are ignored.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	p, err := fs.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) objectPath(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(cleaned)), nil
}

func writeAtomic(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
