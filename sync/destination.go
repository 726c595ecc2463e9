package sync

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Destination.Stat when no object exists at a path.
var ErrNotFound = errors.New("object not found")

// ObjectMeta holds metadata about a stored object.
type ObjectMeta struct {
	// Size is nil when the store did not report one.
	Size *int64
	// MD5 is the lowercase hex content hash, or empty if unknown.
	MD5 string
}

// EntryType distinguishes objects from directories in a listing.
type EntryType int

const (
	EntryObject EntryType = iota
	EntryDirectory
)

func (t EntryType) String() string {
	if t == EntryDirectory {
		return "directory"
	}
	return "object"
}

// DirEntry is one child returned by Destination.ListDir.
type DirEntry struct {
	Name string
	Type EntryType
}

// PutOptions carries the attributes of an upload.
type PutOptions struct {
	Size    int64
	ModTime time.Time
	// MD5 is the hex content hash if one was computed during change detection.
	MD5 string
}

// Destination is a hierarchical, path-addressed object store. Paths are
// slash-separated and never start with a slash.
type Destination interface {
	// Stat returns metadata for an existing object, or ErrNotFound if absent.
	Stat(ctx context.Context, path string) (*ObjectMeta, error)
	// Put uploads r to path, creating any missing parent directories.
	Put(ctx context.Context, path string, r io.Reader, opts PutOptions) error
	// Delete removes the object at path.
	Delete(ctx context.Context, path string) error
	// ListDir returns the direct children of dir.
	ListDir(ctx context.Context, dir string) ([]DirEntry, error)
	// Close releases any connection held by the destination.
	Close() error
}
