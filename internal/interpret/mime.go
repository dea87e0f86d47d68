package interpret

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DefaultMimeTypes are interpretable when no allow-list is configured.
var DefaultMimeTypes = []string{"text/*", "application/json", "application/*+json", "application/xml"}

// MimeMatcher is an allow-list of MIME type globs ("text/*", "application/*+json").
type MimeMatcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewMimeMatcher compiles patterns. '/' is a separator, so "*" never spans it.
func NewMimeMatcher(patterns []string) (*MimeMatcher, error) {
	m := &MimeMatcher{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("mime pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match reports whether a normalized MIME type is allowed.
func (m *MimeMatcher) Match(mimeType string) bool {
	for _, g := range m.globs {
		if g.Match(mimeType) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (m *MimeMatcher) Patterns() []string {
	return m.patterns
}
