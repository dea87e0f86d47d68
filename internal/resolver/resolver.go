// Package resolver maps validated payloads onto canonical entity ids.
//
// Identity is a pure function of (owner, entity type, canonicalized identity
// fields). Resolving the same identity twice always yields the same id, and
// an entity that has been merged away resolves to its merge target.
package resolver

import (
	"context"
	"fmt"

	"github.com/roach88/truthlayer/internal/canon"
	"github.com/roach88/truthlayer/internal/ir"
)

// EntityStore is the slice of the row store the resolver needs.
// Implemented by *store.Store and *store.Tx.
type EntityStore interface {
	EnsureEntity(ctx context.Context, e ir.Entity) (ir.Entity, bool, error)
	GetEntity(ctx context.Context, id string) (ir.Entity, error)
}

// Resolution is the outcome of resolving one payload.
//
// EntityID is where observations must be written: the merge target when the
// resolved entity was merged away. ResolvedID is the id the identity hashes to.
type Resolution struct {
	EntityID   string
	ResolvedID string
	Created    bool
	Redirected bool
}

// Resolver creates or reuses entities.
type Resolver struct {
	clock ir.Clock
}

// New creates a resolver stamping new entities with clock.
func New(clock ir.Clock) *Resolver {
	return &Resolver{clock: clock}
}

// Identify computes the canonical identity, key and id without touching storage.
func Identify(ownerID string, schema ir.EntitySchema, fields ir.IRObject) (id, key string, err error) {
	identity, err := canon.Identity(schema.Canonicalization, fields)
	if err != nil {
		return "", "", err
	}
	key, err = ir.CanonicalKey(identity)
	if err != nil {
		return "", "", err
	}
	id, err = ir.EntityID(ownerID, schema.EntityType, identity)
	if err != nil {
		return "", "", err
	}
	return id, key, nil
}

// Resolve derives the entity for fields under schema, creating it if new.
//
// A hash match whose stored canonical key differs is a collision and is
// returned as a conflict; it is never silently merged.
func (r *Resolver) Resolve(ctx context.Context, es EntityStore, ownerID string, schema ir.EntitySchema, fields ir.IRObject) (Resolution, error) {
	id, key, err := Identify(ownerID, schema, fields)
	if err != nil {
		return Resolution{}, err
	}

	e, created, err := es.EnsureEntity(ctx, ir.Entity{
		ID:           id,
		OwnerID:      ownerID,
		EntityType:   schema.EntityType,
		CanonicalKey: key,
		CreatedAt:    r.clock.Now(),
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", schema.EntityType, err)
	}
	return redirect(e, created), nil
}

// ResolveID targets an existing entity by id. The entity must belong to
// ownerID and have entityType.
func (r *Resolver) ResolveID(ctx context.Context, es EntityStore, ownerID, entityType, id string) (Resolution, error) {
	e, err := es.GetEntity(ctx, id)
	if err != nil {
		return Resolution{}, err
	}
	if e.OwnerID != ownerID {
		return Resolution{}, ir.Forbidden("entity", id)
	}
	if e.EntityType != entityType {
		return Resolution{}, ir.Validation("entity_id",
			fmt.Sprintf("entity %s has type %s, payload declares %s", id, e.EntityType, entityType))
	}
	return redirect(e, false), nil
}

// redirect follows a merge pointer. Merges never chain, so one hop reaches a
// live entity.
func redirect(e ir.Entity, created bool) Resolution {
	res := Resolution{EntityID: e.ID, ResolvedID: e.ID, Created: created}
	if e.Merged() {
		res.EntityID = e.MergedToEntityID
		res.Redirected = true
	}
	return res
}
