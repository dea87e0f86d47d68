// Package blob stores Source bytes.
//
// Backends are addressed by key and return an opaque location that is recorded
// on the Source row. The filesystem backend runs on afero so tests can use an
// in-memory filesystem and inject failures.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is returned by Get when a location holds no bytes.
var ErrNotFound = errors.New("blob not found")

// Backend persists immutable blobs.
type Backend interface {
	// Put stores data under key and returns its location. Writing the same key
	// twice must be harmless: keys are content hashes.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get returns the bytes stored at location.
	Get(ctx context.Context, location string) ([]byte, error)
}

// FS is a Backend over an afero filesystem rooted at dir.
type FS struct {
	fs  afero.Fs
	dir string
}

// NewFS creates a filesystem backend.
func NewFS(fs afero.Fs, dir string) *FS {
	return &FS{fs: fs, dir: dir}
}

// NewOSFS creates a filesystem backend on the host filesystem.
func NewOSFS(dir string) *FS {
	return NewFS(afero.NewOsFs(), dir)
}

// Put writes data to a temp file and renames it into place so readers never
// observe a partial blob.
func (b *FS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validKey(key); err != nil {
		return "", err
	}

	full := path.Join(b.dir, key)
	if err := b.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("blob put %s: mkdir: %w", key, err)
	}

	tmp := full + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blob put %s: write: %w", key, err)
	}
	if err := b.fs.Rename(tmp, full); err != nil {
		_ = b.fs.Remove(tmp)
		return "", fmt.Errorf("blob put %s: rename: %w", key, err)
	}
	return "fs:" + key, nil
}

// Get reads the blob at a location returned by Put.
func (b *FS) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := strings.CutPrefix(location, "fs:")
	if !ok {
		return nil, fmt.Errorf("blob get: unsupported location %q", location)
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, path.Join(b.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob get %s: %w", key, err)
	}
	return data, nil
}

// Key builds the storage key for a content hash: <owner>/<hh>/<hash>.
func Key(ownerID, contentHash string) string {
	owner := ownerID
	if owner == "" {
		owner = "_"
	}
	prefix := contentHash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return path.Join(safeSegment(owner), prefix, contentHash)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
