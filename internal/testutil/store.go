package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// OpenStore opens a fresh SQLite store in t.TempDir and closes it on cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "truth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return st
}

// Logger returns a logger that discards output.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SeedSource inserts a stored Source for owner whose content is body.
func SeedSource(t *testing.T, st *store.Store, owner, body string, priority int64) ir.Source {
	t.Helper()
	hash := ir.ContentHash([]byte(body))
	id, err := ir.SourceID(owner, hash)
	if err != nil {
		t.Fatal(err)
	}
	src, _, err := st.InsertSource(context.Background(), ir.Source{
		ID:              id,
		OwnerID:         owner,
		ContentHash:     hash,
		MimeType:        "application/json",
		ByteSize:        int64(len(body)),
		Priority:        priority,
		StorageLocation: "mem:" + hash,
		StorageStatus:   ir.StorageStored,
		CreatedAt:       Epoch,
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	return src
}

// DecodeJSON decodes s the way payloads arrive: numbers stay json.Number.
func DecodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return m
}
