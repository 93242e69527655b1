// Package storage is the blob store boundary of the table engine: a flat
// namespace of hierarchical string keys holding immutable byte objects, plus the
// one conditional write that makes pointer swaps atomic.
package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"arctic-table/failure"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Storage is implemented by every blob store backend. Once Put or PutIfAbsent
// returns successfully, Get on the same key returns the written bytes.
type Storage interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent writes data only when key does not exist yet. It reports
	// whether this call created the object.
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
	// Get returns the object bytes or a failure.NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Stat returns object information or a failure.NotFound error.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns all keys starting with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	// ListDirs returns, in ascending order, the names of the path segments
	// directly below prefix ("" or ending in "/") that have keys under them.
	// Stores with real directories may also return directories left empty by
	// deletes.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// CleanKey validates a key and returns its canonical form.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", failure.InvalidArgument.New("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", failure.InvalidArgument.New("key %q must be relative", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", failure.InvalidArgument.New("key %q escapes the store root", key)
	}
	return cleaned, nil
}

// Join builds a key from parts.
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}
