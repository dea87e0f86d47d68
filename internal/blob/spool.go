package blob

import (
	"fmt"
	"path"

	"github.com/spf13/afero"
)

// Spool holds bytes whose backend write failed until the upload queue
// processor retries them.
type Spool struct {
	fs  afero.Fs
	dir string
}

// NewSpool creates a spool rooted at dir.
func NewSpool(fs afero.Fs, dir string) *Spool {
	return &Spool{fs: fs, dir: dir}
}

// NewOSSpool creates a spool on the host filesystem.
func NewOSSpool(dir string) *Spool {
	return NewSpool(afero.NewOsFs(), dir)
}

// Write spools data for a source and returns the spool path.
func (s *Spool) Write(sourceID string, data []byte) (string, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("spool mkdir: %w", err)
	}
	p := path.Join(s.dir, safeSegment(sourceID)+".spool")
	if err := afero.WriteFile(s.fs, p, data, 0o600); err != nil {
		return "", fmt.Errorf("spool write %s: %w", sourceID, err)
	}
	return p, nil
}

// Read returns spooled bytes.
func (s *Spool) Read(p string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, fmt.Errorf("spool read %s: %w", p, err)
	}
	return data, nil
}

// Remove deletes a spooled file. Missing files are not an error.
func (s *Spool) Remove(p string) error {
	if err := s.fs.Remove(p); err != nil {
		if ok, _ := afero.Exists(s.fs, p); ok {
			return fmt.Errorf("spool remove %s: %w", p, err)
		}
	}
	return nil
}
