package engine

import (
	"context"
	"encoding/json"

	"github.com/roach88/truthlayer/internal/content"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// EntityView is an entity's current snapshot. RedirectedFrom is set when the
// requested id had been merged into Snapshot.EntityID.
type EntityView struct {
	Snapshot       ir.EntitySnapshot `json:"snapshot"`
	RedirectedFrom string            `json:"redirected_from,omitempty"`
}

// RetrieveEntitySnapshot returns the current snapshot with field provenance,
// following a merge redirect.
func (e *Engine) RetrieveEntitySnapshot(ctx context.Context, ownerID, entityID string) (EntityView, error) {
	ent, err := e.liveEntity(ctx, ownerID, entityID)
	if err != nil {
		return EntityView{}, err
	}
	snap, err := e.rows.GetEntitySnapshot(ctx, ent.ID)
	if err != nil {
		return EntityView{}, err
	}
	view := EntityView{Snapshot: snap}
	if ent.ID != entityID {
		view.RedirectedFrom = entityID
	}
	return view, nil
}

// ListObservations returns the full observation history of an entity, oldest
// first. A merged id lists its merge target, which now holds its observations.
func (e *Engine) ListObservations(ctx context.Context, ownerID, entityID string) ([]ir.Observation, error) {
	ent, err := e.liveEntity(ctx, ownerID, entityID)
	if err != nil {
		return nil, err
	}
	return e.rows.ListObservations(ctx, ent.ID)
}

// EntityFilter narrows ListEntities.
type EntityFilter struct {
	EntityType    string
	IncludeMerged bool
	Limit         int
}

// ListEntities lists the owner's entities. Merged entities are excluded
// unless asked for.
func (e *Engine) ListEntities(ctx context.Context, ownerID string, f EntityFilter) ([]ir.Entity, error) {
	return e.rows.ListEntities(ctx, store.EntityFilter{
		OwnerID:       ownerID,
		EntityType:    f.EntityType,
		IncludeMerged: f.IncludeMerged,
		Limit:         f.Limit,
	})
}

// EntityHistory returns an entity, its observations and its stored snapshot.
func (e *Engine) EntityHistory(ctx context.Context, ownerID, entityID string) (store.EntityHistory, error) {
	if _, err := e.visibleEntity(ctx, ownerID, entityID); err != nil {
		return store.EntityHistory{}, err
	}
	return e.rows.GetEntityHistory(ctx, entityID)
}

// RelationshipRequest asserts one directed, typed edge.
type RelationshipRequest struct {
	OwnerID          string
	RelationshipType string
	SourceEntityID   string
	TargetEntityID   string
	Fields           map[string]any
}

// CreateRelationship writes one relationship observation, backed by a Source
// holding the request. Re-asserting an identical edge is idempotent.
//
// Fields the relationship schema does not accept are kept as raw fragments.
// The endpoints and graph policy are checked before the Source is stored.
//
// Errors: validation for a self-loop; conflict when the edge would close a
// cycle of an acyclic type; forbidden or not_found for endpoints the owner
// cannot see.
func (e *Engine) CreateRelationship(ctx context.Context, req RelationshipRequest) (ingest.RelationshipResult, error) {
	if err := requireOwner(req.OwnerID); err != nil {
		return ingest.RelationshipResult{}, err
	}
	if req.RelationshipType == "" {
		return ingest.RelationshipResult{}, ir.Validation("relationship_type", "relationship type is required")
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}
	check := ingest.RelationshipRequest{
		OwnerID:          req.OwnerID,
		Priority:         ir.PriorityStructured,
		RelationshipType: req.RelationshipType,
		SourceEntityID:   req.SourceEntityID,
		TargetEntityID:   req.TargetEntityID,
		Fields:           req.Fields,
	}
	// A rejected edge must not leave its source behind.
	if err := e.ingester.CheckRelationship(ctx, check); err != nil {
		return ingest.RelationshipResult{}, err
	}

	body, err := json.Marshal(map[string]any{
		"relationship_type": req.RelationshipType,
		"source_entity_id":  req.SourceEntityID,
		"target_entity_id":  req.TargetEntityID,
		"fields":            req.Fields,
	})
	if err != nil {
		return ingest.RelationshipResult{}, ir.Validation("fields", err.Error())
	}
	put, err := e.content.Put(ctx, content.PutRequest{
		OwnerID:  req.OwnerID,
		Data:     body,
		MimeType: "application/json",
		Priority: ir.PriorityStructured,
	})
	if err != nil {
		return ingest.RelationshipResult{}, err
	}

	check.SourceID = put.Source.ID
	check.ObservedAt = put.Source.CreatedAt
	return e.ingester.IngestRelationship(ctx, check)
}

// RelationshipFilter narrows ListRelationships. EntityID matches either end.
type RelationshipFilter struct {
	EntityID         string
	RelationshipType string
	IncludeMerged    bool
}

// ListRelationships lists the owner's relationships.
func (e *Engine) ListRelationships(ctx context.Context, ownerID string, f RelationshipFilter) ([]ir.Relationship, error) {
	if f.EntityID != "" {
		ent, err := e.liveEntity(ctx, ownerID, f.EntityID)
		if err != nil {
			return nil, err
		}
		f.EntityID = ent.ID
	}
	return e.rows.ListRelationships(ctx, store.RelationshipFilter{
		OwnerID:          ownerID,
		EntityID:         f.EntityID,
		RelationshipType: f.RelationshipType,
		IncludeMerged:    f.IncludeMerged,
	})
}

// RelationshipView is a relationship's current snapshot.
type RelationshipView struct {
	Snapshot       ir.RelationshipSnapshot `json:"snapshot"`
	RedirectedFrom string                  `json:"redirected_from,omitempty"`
}

// RetrieveRelationshipSnapshot returns a relationship's snapshot, following a
// merge redirect.
func (e *Engine) RetrieveRelationshipSnapshot(ctx context.Context, ownerID, key string) (RelationshipView, error) {
	r, err := e.liveRelationship(ctx, ownerID, key)
	if err != nil {
		return RelationshipView{}, err
	}
	snap, err := e.rows.GetRelationshipSnapshot(ctx, r.Key)
	if err != nil {
		return RelationshipView{}, err
	}
	view := RelationshipView{Snapshot: snap}
	if r.Key != key {
		view.RedirectedFrom = key
	}
	return view, nil
}

// ListRelationshipObservations returns a relationship's observation history.
// A merged key lists the observations of the relationship it was merged into.
func (e *Engine) ListRelationshipObservations(ctx context.Context, ownerID, key string) ([]ir.RelationshipObservation, error) {
	r, err := e.liveRelationship(ctx, ownerID, key)
	if err != nil {
		return nil, err
	}
	return e.rows.ListRelationshipObservations(ctx, r.Key)
}

// ListRawFragments lists the owner's unpromoted fragments, optionally for
// one entity type.
func (e *Engine) ListRawFragments(ctx context.Context, ownerID, entityType string) ([]ir.RawFragment, error) {
	return e.rows.ListRawFragments(ctx, store.FragmentFilter{OwnerID: ownerID, EntityType: entityType})
}

// ListInterpretations returns every interpretation attempt on a Source.
func (e *Engine) ListInterpretations(ctx context.Context, ownerID, sourceID string) ([]ir.Interpretation, error) {
	if _, err := e.Source(ctx, ownerID, sourceID); err != nil {
		return nil, err
	}
	return e.rows.ListInterpretations(ctx, sourceID)
}
