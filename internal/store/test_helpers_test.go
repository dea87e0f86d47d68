package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSource inserts a stored Source for owner with a hash derived from body.
func seedSource(t *testing.T, s *Store, owner, body string) ir.Source {
	t.Helper()
	hash := ir.ContentHash([]byte(body))
	id, err := ir.SourceID(owner, hash)
	if err != nil {
		t.Fatal(err)
	}
	src, _, err := s.InsertSource(context.Background(), ir.Source{
		ID:              id,
		OwnerID:         owner,
		ContentHash:     hash,
		MimeType:        "application/json",
		ByteSize:        int64(len(body)),
		Priority:        ir.PriorityStructured,
		StorageLocation: "fs:test/" + hash,
		StorageStatus:   ir.StorageStored,
		CreatedAt:       t0,
	})
	if err != nil {
		t.Fatalf("InsertSource() failed: %v", err)
	}
	return src
}

// seedEntity creates an entity whose identity is {name: name}.
func seedEntity(t *testing.T, s *Store, owner, entityType, name string) ir.Entity {
	t.Helper()
	identity := ir.IRObject{"name": ir.IRString(name)}
	key, err := ir.CanonicalKey(identity)
	if err != nil {
		t.Fatal(err)
	}
	e, _, err := s.EnsureEntity(context.Background(), ir.Entity{
		ID:           ir.MustEntityID(owner, entityType, identity),
		OwnerID:      owner,
		EntityType:   entityType,
		CanonicalKey: key,
		CreatedAt:    t0,
	})
	if err != nil {
		t.Fatalf("EnsureEntity() failed: %v", err)
	}
	return e
}

// seedObservation writes one observation of fields on e from src.
func seedObservation(t *testing.T, s *Store, e ir.Entity, src ir.Source, fields ir.IRObject, priority int64, at time.Time) ir.Observation {
	t.Helper()
	id, err := ir.ObservationID(e.ID, e.EntityType, src.ID, "", fields, priority, at)
	if err != nil {
		t.Fatal(err)
	}
	obs := ir.Observation{
		ID:            id,
		EntityID:      e.ID,
		EntityType:    e.EntityType,
		OwnerID:       e.OwnerID,
		SchemaVersion: 1,
		Fields:        fields,
		SourceID:      src.ID,
		Priority:      priority,
		ObservedAt:    at,
		CreatedAt:     at,
	}
	if _, err := s.InsertObservation(context.Background(), obs); err != nil {
		t.Fatalf("InsertObservation() failed: %v", err)
	}
	obs.OriginalEntityID = e.ID
	return obs
}

// countingReduce is a trivial EntityReduceFunc: the snapshot's fields are the
// last observation's fields.
func countingReduce(_ context.Context, _ *Tx, e ir.Entity, obs []ir.Observation) (ir.EntitySnapshot, error) {
	last := obs[len(obs)-1]
	prov := map[string]string{}
	for k := range last.Fields {
		prov[k] = last.ID
	}
	return ir.EntitySnapshot{
		EntityID:          e.ID,
		EntityType:        e.EntityType,
		OwnerID:           e.OwnerID,
		SchemaVersion:     1,
		Fields:            last.Fields,
		Provenance:        prov,
		ObservationCount:  len(obs),
		LastObservationAt: last.ObservedAt,
		ComputedAt:        t0,
	}, nil
}
