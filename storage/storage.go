// Package storage defines where finished job artifacts are kept until the
// caller downloads and deletes them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape
	// the store root.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Store keeps artifacts under slash-separated keys.
type Store interface {
	// Put stores size bytes from r under key, replacing any previous
	// object. A negative size means unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Open returns the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// CheckKey validates key.
func CheckKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if clean := path.Clean(key); clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Key joins a job id and file name into a store key.
func Key(jobID, filename string) string {
	return jobID + "/" + path.Base(filename)
}
