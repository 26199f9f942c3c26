// Package core declares the object store contract catalog documents are
// published to and loaded from.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a concrete blob backend.
type Driver string

const (
	// DriverFilesystem stores objects under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 stores objects in an S3 compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps objects in process memory.
	DriverMemory Driver = "memory"
)

// Drivers lists every supported driver.
func Drivers() []Driver { return []Driver{DriverFilesystem, DriverS3, DriverMemory} }

// PutOptions configures a write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// Overwrite replaces an existing object instead of failing with ErrExists.
	Overwrite bool
}

// Object describes a stored document.
type Object struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size_bytes"`
	ContentType string            `json:"content_type,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store is the minimal object surface the catalog loader depends on.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Object, error)
	// Get returns the object and its content. Missing keys yield ErrNotFound.
	Get(ctx context.Context, key string) (Object, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Object, error)
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns objects under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	Driver() Driver
}

var (
	// ErrNotFound is matched with errors.Is for missing keys on every driver.
	ErrNotFound = errors.New("blob not found")
	// ErrExists is returned by Put when the key is taken and Overwrite is unset.
	ErrExists = errors.New("blob already exists")
	// ErrInvalidKey rejects empty, absolute or traversing keys.
	ErrInvalidKey = errors.New("invalid blob key")
)

// KeyError attaches the offending key to one of the sentinel errors.
type KeyError struct {
	Kind error
	Key  string
}

func (e KeyError) Error() string { return fmt.Sprintf("%s: %q", e.Kind, e.Key) }

// Unwrap exposes the sentinel for errors.Is.
func (e KeyError) Unwrap() error { return e.Kind }

// CleanKey normalises a key to forward-slash form and rejects keys that could
// escape a storage root.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "..") {
		return "", KeyError{Kind: ErrInvalidKey, Key: key}
	}
	clean := path.Clean(strings.ReplaceAll(trimmed, "\\", "/"))
	if clean == "." {
		return "", KeyError{Kind: ErrInvalidKey, Key: key}
	}
	return clean, nil
}

// ReadAll fetches an object and its full content.
func ReadAll(ctx context.Context, s Store, key string) (Object, []byte, error) {
	obj, rc, err := s.Get(ctx, key)
	if err != nil {
		return Object{}, nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Object{}, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return obj, data, nil
}

// CloneMetadata copies a metadata map; nil stays nil.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
