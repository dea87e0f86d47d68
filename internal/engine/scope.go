package engine

import (
	"context"

	"github.com/roach88/truthlayer/internal/ir"
)

// Owner scoping.
//
// Every row carries an owner; "" is the null owner. Mutating actions need a
// named owner, reads may run as the null owner and then see only null-owner
// rows. A row is visible to exactly one owner, so every check is an equality.

// requireOwner rejects mutations without an owner identity.
func requireOwner(ownerID string) error {
	if ownerID == "" {
		return ir.Validation("owner_id", "an owner identity is required")
	}
	return nil
}

// checkOwner rejects access to a row owned by someone else.
func checkOwner(resource, id, rowOwner, caller string) error {
	if rowOwner != caller {
		return ir.Forbidden(resource, id)
	}
	return nil
}

// visibleEntity loads an entity the caller owns. Merged entities are returned
// as stored; callers decide whether to follow the redirect.
func (e *Engine) visibleEntity(ctx context.Context, ownerID, entityID string) (ir.Entity, error) {
	ent, err := e.rows.GetEntity(ctx, entityID)
	if err != nil {
		return ir.Entity{}, err
	}
	if err := checkOwner("entity", ent.ID, ent.OwnerID, ownerID); err != nil {
		return ir.Entity{}, err
	}
	return ent, nil
}

// liveEntity is visibleEntity followed by a single-hop merge redirect.
// Merges never chain, so one hop always lands on a live entity.
func (e *Engine) liveEntity(ctx context.Context, ownerID, entityID string) (ir.Entity, error) {
	ent, err := e.visibleEntity(ctx, ownerID, entityID)
	if err != nil {
		return ir.Entity{}, err
	}
	if !ent.Merged() {
		return ent, nil
	}
	return e.visibleEntity(ctx, ownerID, ent.MergedToEntityID)
}

// visibleRelationship loads a relationship the caller owns.
func (e *Engine) visibleRelationship(ctx context.Context, ownerID, key string) (ir.Relationship, error) {
	r, err := e.rows.GetRelationship(ctx, key)
	if err != nil {
		return ir.Relationship{}, err
	}
	if err := checkOwner("relationship", r.Key, r.OwnerID, ownerID); err != nil {
		return ir.Relationship{}, err
	}
	return r, nil
}

// liveRelationship is visibleRelationship followed by a single-hop merge
// redirect.
func (e *Engine) liveRelationship(ctx context.Context, ownerID, key string) (ir.Relationship, error) {
	r, err := e.visibleRelationship(ctx, ownerID, key)
	if err != nil {
		return ir.Relationship{}, err
	}
	if !r.Merged() {
		return r, nil
	}
	return e.visibleRelationship(ctx, ownerID, r.MergedToKey)
}
