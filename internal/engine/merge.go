package engine

import (
	"context"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
)

// MergeRequest names two entities (or two relationship keys) to fold together.
// Actor is recorded in the audit log; it defaults to the owner.
type MergeRequest struct {
	OwnerID string
	FromID  string
	ToID    string
	Actor   string
}

func (r MergeRequest) actor() string {
	if r.Actor != "" {
		return r.Actor
	}
	return r.OwnerID
}

// EntityMergeResult is the audit record and the target's recomputed snapshot.
type EntityMergeResult struct {
	Merge    ir.EntityMerge    `json:"merge"`
	Snapshot ir.EntitySnapshot `json:"snapshot"`
}

// MergeEntities folds FromID into ToID.
//
// The rewrite, the audit record and the recompute of the target and every
// re-keyed relationship commit together. Errors: forbidden when either entity
// belongs to someone else; validation for a self-merge or a type mismatch;
// conflict when either side is already merged, when FromID has absorbed an
// earlier merge, or when a concurrent merge got there first.
func (e *Engine) MergeEntities(ctx context.Context, req MergeRequest) (EntityMergeResult, error) {
	if err := requireOwner(req.OwnerID); err != nil {
		return EntityMergeResult{}, err
	}

	var rec ir.EntityMerge
	err := e.rows.WithTx(ctx, func(tx *store.Tx) error {
		var rekeyed []string
		var err error
		rec, rekeyed, err = tx.MergeEntities(ctx, ir.EntityMerge{
			ID:           e.mergeIDs.New(),
			OwnerID:      req.OwnerID,
			FromEntityID: req.FromID,
			ToEntityID:   req.ToID,
			Actor:        req.actor(),
			MergedAt:     e.clock.Now(),
		})
		if err != nil {
			return err
		}
		return e.ingester.RecomputeWithin(ctx, tx, []string{rec.ToEntityID}, rekeyed)
	})
	if err != nil {
		return EntityMergeResult{}, err
	}

	metrics.Inc(metrics.EntityMerges)
	e.logger.Info("entities merged",
		"merge_id", rec.ID, "from", rec.FromEntityID, "to", rec.ToEntityID, "observations_moved", rec.ObservationCountMoved)

	snap, err := e.rows.GetEntitySnapshot(ctx, rec.ToEntityID)
	if err != nil {
		return EntityMergeResult{}, err
	}
	return EntityMergeResult{Merge: rec, Snapshot: snap}, nil
}

// RelationshipMergeResult is the audit record and the target's recomputed snapshot.
type RelationshipMergeResult struct {
	Merge    ir.RelationshipMerge    `json:"merge"`
	Snapshot ir.RelationshipSnapshot `json:"snapshot"`
}

// MergeRelationships folds relationship FromID into ToID under the same rules
// as MergeEntities.
func (e *Engine) MergeRelationships(ctx context.Context, req MergeRequest) (RelationshipMergeResult, error) {
	if err := requireOwner(req.OwnerID); err != nil {
		return RelationshipMergeResult{}, err
	}

	var rec ir.RelationshipMerge
	err := e.rows.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = tx.MergeRelationships(ctx, ir.RelationshipMerge{
			ID:       e.mergeIDs.New(),
			OwnerID:  req.OwnerID,
			FromKey:  req.FromID,
			ToKey:    req.ToID,
			Actor:    req.actor(),
			MergedAt: e.clock.Now(),
		})
		if err != nil {
			return err
		}
		return e.ingester.RecomputeWithin(ctx, tx, nil, []string{rec.ToKey})
	})
	if err != nil {
		return RelationshipMergeResult{}, err
	}

	metrics.Inc(metrics.RelationshipMerges)
	e.logger.Info("relationships merged",
		"merge_id", rec.ID, "from", rec.FromKey, "to", rec.ToKey, "observations_moved", rec.ObservationCountMoved)

	snap, err := e.rows.GetRelationshipSnapshot(ctx, rec.ToKey)
	if err != nil {
		return RelationshipMergeResult{}, err
	}
	return RelationshipMergeResult{Merge: rec, Snapshot: snap}, nil
}

// ListEntityMerges returns the owner's entity merge audit log, oldest first.
func (e *Engine) ListEntityMerges(ctx context.Context, ownerID string) ([]ir.EntityMerge, error) {
	return e.rows.ListEntityMerges(ctx, ownerID)
}
