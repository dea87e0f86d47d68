package ingest

import (
	"context"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
)

// RelationshipRequest is one explicit relationship observation.
type RelationshipRequest struct {
	OwnerID          string
	SourceID         string
	InterpretationID string
	Priority         int64
	ObservedAt       time.Time
	RelationshipType string
	SourceEntityID   string
	TargetEntityID   string
	Fields           map[string]any
}

// RelationshipResult is the written observation, the recomputed snapshot and
// whatever the relationship schema did not accept.
type RelationshipResult struct {
	Observation ir.RelationshipObservation `json:"observation"`
	Snapshot    ir.RelationshipSnapshot    `json:"snapshot"`
	Fragments   []ir.RawFragment           `json:"raw_fragments,omitempty"`
	Warnings    []Warning                  `json:"warnings,omitempty"`
}

// IngestRelationship writes one relationship observation.
//
// Both endpoints must exist and belong to the owner; merged endpoints resolve
// to their merge targets before the edge is keyed. When a schema is registered
// under the relationship type's name, the fields that validate form the
// observation and the rest become raw fragments keyed by the relationship, to
// be promoted when a later version declares them. A missing required field is
// a warning.
func (in *Ingester) IngestRelationship(ctx context.Context, req RelationshipRequest) (RelationshipResult, error) {
	if err := req.check(); err != nil {
		return RelationshipResult{}, err
	}

	now := in.clock.Now()
	o := origin{
		ownerID:          req.OwnerID,
		sourceID:         req.SourceID,
		interpretationID: req.InterpretationID,
		priority:         req.Priority,
		observedAt:       req.ObservedAt,
	}
	if o.observedAt.IsZero() {
		o.observedAt = now
	}

	var b *batch
	var out RelationshipResult
	err := in.rows.WithTx(ctx, func(tx *store.Tx) error {
		b = in.newBatch(tx, now)

		src, tgt, err := in.checkRelationship(ctx, tx, req)
		if err != nil {
			return err
		}
		v, err := relationshipFields(ctx, tx, req)
		if err != nil {
			return err
		}
		for _, name := range v.Missing {
			b.warn(0, req.RelationshipType, name, "required field missing")
		}

		if out.Observation, err = b.writeRelationship(ctx, o, req.RelationshipType, src, tgt, v.Fields); err != nil {
			return err
		}
		for _, u := range v.Unknown {
			if err := b.writeFragment(ctx, o, req.RelationshipType, out.Observation.RelationshipKey, 0, u); err != nil {
				return err
			}
		}
		if err := b.recompute(ctx); err != nil {
			return err
		}
		if len(b.result.RelationshipSnapshots) > 0 {
			out.Snapshot = b.result.RelationshipSnapshots[0]
		}
		out.Fragments = b.result.Fragments
		out.Warnings = b.result.Warnings
		return nil
	})
	if err != nil {
		return RelationshipResult{}, err
	}
	b.publish()
	if len(out.Fragments) > 0 {
		in.logger.Debug("relationship fields kept as raw fragments",
			"relationship_type", req.RelationshipType, "key", out.Observation.RelationshipKey, "raw_fragments", len(out.Fragments))
	}
	return out, nil
}

func (r RelationshipRequest) check() error {
	if r.SourceID == "" {
		return ir.Validation("source_id", "source is required")
	}
	if r.RelationshipType == "" {
		return ir.Validation("relationship_type", "relationship type is required")
	}
	return nil
}

// CheckRelationship reports whether req would be rejected for its endpoints
// or by the graph policy, without writing anything. Callers use it before
// storing the request's source.
func (in *Ingester) CheckRelationship(ctx context.Context, req RelationshipRequest) error {
	if req.RelationshipType == "" {
		return ir.Validation("relationship_type", "relationship type is required")
	}
	return in.rows.WithTx(ctx, func(tx *store.Tx) error {
		_, _, err := in.checkRelationship(ctx, tx, req)
		return err
	})
}

// checkRelationship resolves both endpoints and applies the graph policy.
func (in *Ingester) checkRelationship(ctx context.Context, tx *store.Tx, req RelationshipRequest) (src, tgt string, err error) {
	if src, err = liveEndpoint(ctx, tx, req.OwnerID, req.SourceEntityID); err != nil {
		return "", "", err
	}
	if tgt, err = liveEndpoint(ctx, tx, req.OwnerID, req.TargetEntityID); err != nil {
		return "", "", err
	}
	if err := in.graph.CheckEdge(ctx, tx, req.OwnerID, req.RelationshipType, src, tgt); err != nil {
		return "", "", err
	}
	return src, tgt, nil
}

func liveEndpoint(ctx context.Context, tx *store.Tx, ownerID, entityID string) (string, error) {
	if entityID == "" {
		return "", ir.Validation("entity_id", "relationship endpoints are required")
	}
	e, err := tx.GetEntity(ctx, entityID)
	if err != nil {
		return "", err
	}
	if e.OwnerID != ownerID {
		return "", ir.Forbidden("entity", entityID)
	}
	if e.Merged() {
		return e.MergedToEntityID, nil
	}
	return e.ID, nil
}

// relationshipFields splits req.Fields into the fields the relationship
// schema accepts and the ones kept as raw fragments. Without a schema every
// non-null field is accepted as is.
func relationshipFields(ctx context.Context, tx *store.Tx, req RelationshipRequest) (registry.Validation, error) {
	schema, err := EntitySchemaFor(ctx, tx, req.RelationshipType, req.OwnerID)
	if err != nil {
		return registry.Validation{}, err
	}
	if schema != nil {
		return registry.Validate(*schema, req.Fields), nil
	}

	v := registry.Validation{Fields: make(ir.IRObject, len(req.Fields))}
	for name, raw := range req.Fields {
		if raw == nil {
			continue
		}
		val, err := registry.Coerce(ir.FieldAny, "", raw)
		if err != nil {
			return registry.Validation{}, ir.Validation("fields."+name, err.Error())
		}
		v.Fields[name] = val
	}
	return v, nil
}
