// Package ids generates identifiers for records whose identity is not
// content-addressed: interpretation attempts, merge audit rows and raw fragments.
//
// Content-addressed ids (sources, entities, observations, relationships) live
// in package ir and never come from here.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique ids.
// Implemented by UUIDv7 and ULID (production) and Sequence (tests).
type Generator interface {
	New() string
}

// UUIDv7 generates time-sortable UUIDv7 ids with an optional prefix.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct {
	Prefix string
}

// New returns a new hyphenated UUIDv7. Panics if the system entropy source fails.
func (g UUIDv7) New() string {
	return g.Prefix + uuid.Must(uuid.NewV7()).String()
}

// ULID generates lexicographically sortable ULIDs. Ids minted within the same
// millisecond stay ordered via monotonic entropy.
//
// Thread-safety: safe for concurrent use via internal mutex.
type ULID struct {
	mu      sync.Mutex
	prefix  string
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewULID creates a ULID generator.
func NewULID(prefix string) *ULID {
	return &ULID{
		prefix:  prefix,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New returns the next ULID.
func (g *ULID) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prefix + ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// Sequence returns prefix-000001, prefix-000002, ... for deterministic tests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a sequence generator.
//
// Example:
//
//	gen := NewSequence("interp")
//	gen.New() // "interp-000001"
//	gen.New() // "interp-000002"
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// New returns the next id in the sequence.
func (g *Sequence) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
