package sync

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"
)

// EmptyMD5 is the MD5 of a zero-length payload. A remote object without a
// content hash is compared as if it were empty.
const EmptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

// Strategy selects how local files are compared with remote objects.
type Strategy int

const (
	// SizeStrategy compares byte counts only.
	SizeStrategy Strategy = iota
	// HashStrategy compares MD5 content hashes, reading every local file.
	HashStrategy
)

// ParseStrategy accepts "size" or "hash" ("md5" is an alias for hash).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "size":
		return SizeStrategy, nil
	case "hash", "md5":
		return HashStrategy, nil
	}
	return 0, fmt.Errorf("unknown compare strategy %q", s)
}

func (s Strategy) String() string {
	if s == HashStrategy {
		return "hash"
	}
	return "size"
}

// Reason explains a Decision.
type Reason int

const (
	ReasonMatch Reason = iota
	ReasonNotFound
	ReasonSizeMismatch
	ReasonHashMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not found"
	case ReasonSizeMismatch:
		return "size is different"
	case ReasonHashMismatch:
		return "md5 is different"
	}
	return "same as local file"
}

// Decision is the outcome of comparing one local file with its remote path.
type Decision struct {
	Upload bool
	Reason Reason
	// MD5 is the local content hash when the hash strategy computed one.
	MD5 string
}

// Detector decides whether local files need uploading.
type Detector struct {
	dst      Destination
	fs       billy.Filesystem
	strategy Strategy
}

// NewDetector creates a Detector reading local files from fs.
func NewDetector(dst Destination, fs billy.Filesystem, strategy Strategy) *Detector {
	return &Detector{dst: dst, fs: fs, strategy: strategy}
}

// Check compares f with f.Remote. A missing remote object is an upload, never
// an error; any other lookup failure is returned as a *MetadataError, and a
// local read failure while hashing as a *ReadError.
func (d *Detector) Check(ctx context.Context, f LocalFile) (Decision, error) {
	meta, err := d.dst.Stat(ctx, f.Remote)
	if errors.Is(err, ErrNotFound) {
		if d.strategy != HashStrategy {
			return Decision{Upload: true, Reason: ReasonNotFound}, nil
		}
		// the hash is stored with the upload so later runs can compare it
		local, err := HashFile(d.fs, f.Rel)
		if err != nil {
			return Decision{}, &ReadError{Path: f.Path, Err: err}
		}
		return Decision{Upload: true, Reason: ReasonNotFound, MD5: local}, nil
	}
	if err != nil {
		return Decision{}, &MetadataError{Path: f.Remote, Err: err}
	}

	if d.strategy == HashStrategy {
		return d.compareHash(f, meta)
	}

	// a store that reports no size never matches
	if meta.Size == nil || *meta.Size != f.Size {
		return Decision{Upload: true, Reason: ReasonSizeMismatch}, nil
	}
	return Decision{Reason: ReasonMatch}, nil
}

func (d *Detector) compareHash(f LocalFile, meta *ObjectMeta) (Decision, error) {
	local, err := HashFile(d.fs, f.Rel)
	if err != nil {
		return Decision{}, &ReadError{Path: f.Path, Err: err}
	}

	remote := meta.MD5
	if remote == "" {
		remote = EmptyMD5
	}
	if local != remote {
		return Decision{Upload: true, Reason: ReasonHashMismatch, MD5: local}, nil
	}
	return Decision{Reason: ReasonMatch, MD5: local}, nil
}

// HashFile streams the file at name through MD5 and returns the hex digest.
func HashFile(fs billy.Basic, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeHash converts a remote content hash given as hex, quoted hex
// (an ETag) or base64 (a Content-MD5 header) to lowercase hex.
func NormalizeHash(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if len(s) == hex.EncodedLen(md5.Size) {
		if _, err := hex.DecodeString(s); err == nil {
			return strings.ToLower(s)
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == md5.Size {
		return hex.EncodeToString(b)
	}
	return strings.ToLower(s)
}
