package engine

import (
	"context"

	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/reducer"
	"github.com/roach88/truthlayer/internal/store"
)

// Drift is one stored snapshot that disagrees with its replayed history.
// Missing means observations exist but no snapshot was stored.
type Drift struct {
	Kind          string   `json:"kind"` // "entity" or "relationship"
	ID            string   `json:"id"`
	Fields        []string `json:"fields,omitempty"`
	Missing       bool     `json:"missing,omitempty"`
	StoredCount   int      `json:"stored_observation_count"`
	ReplayedCount int      `json:"replayed_observation_count"`
	Repaired      bool     `json:"repaired,omitempty"`
}

// VerifyReport summarizes one replay pass.
type VerifyReport struct {
	OwnerID       string  `json:"owner_id"`
	Entities      int     `json:"entities_checked"`
	Relationships int     `json:"relationships_checked"`
	Drifts        []Drift `json:"drifts"`
}

// Clean reports whether every snapshot matched its replay.
func (r VerifyReport) Clean() bool { return len(r.Drifts) == 0 }

// Verify replays every live entity and relationship of the owner: each
// snapshot is recomputed in memory from its observation history and compared
// with the stored one, ignoring ComputedAt. Nothing is written unless repair
// is set, in which case drifted snapshots are recomputed and stored.
//
// Interpretations are not re-run; their observations replay like any other.
func (e *Engine) Verify(ctx context.Context, ownerID string, repair bool) (VerifyReport, error) {
	report := VerifyReport{OwnerID: ownerID, Drifts: []Drift{}}

	entities, err := e.rows.ListEntities(ctx, store.EntityFilter{OwnerID: ownerID})
	if err != nil {
		return VerifyReport{}, err
	}
	for _, ent := range entities {
		d, drifted, err := e.verifyEntity(ctx, ent.ID)
		if err != nil {
			return VerifyReport{}, err
		}
		report.Entities++
		if !drifted {
			continue
		}
		if repair {
			if _, err := e.ingester.RecomputeEntity(ctx, ent.ID); err != nil {
				return VerifyReport{}, err
			}
			d.Repaired = true
		}
		report.Drifts = append(report.Drifts, d)
	}

	rels, err := e.rows.ListRelationships(ctx, store.RelationshipFilter{OwnerID: ownerID})
	if err != nil {
		return VerifyReport{}, err
	}
	for _, r := range rels {
		d, drifted, err := e.verifyRelationship(ctx, r.Key)
		if err != nil {
			return VerifyReport{}, err
		}
		report.Relationships++
		if !drifted {
			continue
		}
		if repair {
			if _, err := e.ingester.RecomputeRelationship(ctx, r.Key); err != nil {
				return VerifyReport{}, err
			}
			d.Repaired = true
		}
		report.Drifts = append(report.Drifts, d)
	}

	metrics.Add(metrics.SnapshotDriftsDetected, len(report.Drifts))
	if len(report.Drifts) > 0 {
		e.logger.Warn("snapshot drift detected",
			"owner_id", ownerID, "drifts", len(report.Drifts), "repaired", repair)
	}
	return report, nil
}

func (e *Engine) verifyEntity(ctx context.Context, entityID string) (Drift, bool, error) {
	h, err := e.rows.GetEntityHistory(ctx, entityID)
	if err != nil {
		return Drift{}, false, err
	}
	d := Drift{Kind: "entity", ID: entityID, ReplayedCount: len(h.Observations)}
	if h.Snapshot == nil {
		d.Missing = true
		return d, len(h.Observations) > 0, nil
	}
	d.StoredCount = h.Snapshot.ObservationCount

	schema, err := ingest.EntitySchemaFor(ctx, e.rows, h.Entity.EntityType, h.Entity.OwnerID)
	if err != nil {
		return Drift{}, false, err
	}
	replayed, err := reducer.ComputeEntitySnapshot(h.Entity, schema, h.Observations, h.Snapshot.ComputedAt)
	if err != nil {
		return Drift{}, false, err
	}
	if reducer.SameState(*h.Snapshot, replayed) {
		return Drift{}, false, nil
	}
	d.Fields = reducer.Diff(h.Snapshot.Fields, replayed.Fields, h.Snapshot.Provenance, replayed.Provenance)
	return d, true, nil
}

func (e *Engine) verifyRelationship(ctx context.Context, key string) (Drift, bool, error) {
	h, err := e.rows.GetRelationshipHistory(ctx, key)
	if err != nil {
		return Drift{}, false, err
	}
	d := Drift{Kind: "relationship", ID: key, ReplayedCount: len(h.Observations)}
	if h.Snapshot == nil {
		d.Missing = true
		return d, len(h.Observations) > 0, nil
	}
	d.StoredCount = h.Snapshot.ObservationCount

	policies, err := ingest.RelationshipPolicies(ctx, e.rows, h.Relationship.RelationshipType, h.Relationship.OwnerID)
	if err != nil {
		return Drift{}, false, err
	}
	replayed, err := reducer.ComputeRelationshipSnapshot(h.Relationship, policies, h.Observations, h.Snapshot.ComputedAt)
	if err != nil {
		return Drift{}, false, err
	}
	if reducer.SameRelationshipState(*h.Snapshot, replayed) {
		return Drift{}, false, nil
	}
	d.Fields = reducer.Diff(h.Snapshot.Fields, replayed.Fields, h.Snapshot.Provenance, replayed.Provenance)
	return d, true, nil
}

// RepairStale recomputes entities whose snapshot is missing or was computed
// from a different number of observations, the state a crash between an
// observation write and its recompute leaves behind.
func (e *Engine) RepairStale(ctx context.Context, ownerID string) ([]ir.EntitySnapshot, error) {
	stale, err := e.rows.FindStaleEntities(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]ir.EntitySnapshot, 0, len(stale))
	for _, id := range stale {
		snap, err := e.ingester.RecomputeEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if len(out) > 0 {
		e.logger.Info("stale snapshots repaired", "owner_id", ownerID, "entities", len(out))
	}
	return out, nil
}
