package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/reducer"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
)

// origin is the provenance shared by every row one request writes.
type origin struct {
	ownerID          string
	sourceID         string
	interpretationID string
	priority         int64
	observedAt       time.Time
}

// batch accumulates the writes of one transaction and the ids whose
// snapshots must be recomputed before it commits.
type batch struct {
	in            *Ingester
	tx            *store.Tx
	now           time.Time
	entities      map[string]bool
	relationships map[string]bool
	result        Result

	created    int
	written    int
	fragments  int
	recomputed int
}

func (in *Ingester) newBatch(tx *store.Tx, now time.Time) *batch {
	return &batch{
		in:            in,
		tx:            tx,
		now:           now,
		entities:      make(map[string]bool),
		relationships: make(map[string]bool),
		result:        Result{Observations: []ir.Observation{}, Snapshots: []ir.EntitySnapshot{}},
	}
}

func (b *batch) writeObservation(ctx context.Context, o origin, entityID, entityType string, schemaVersion int, fields ir.IRObject) error {
	id, err := ir.ObservationID(entityID, entityType, o.sourceID, o.interpretationID, fields, o.priority, o.observedAt)
	if err != nil {
		return err
	}
	obs := ir.Observation{
		ID:               id,
		EntityID:         entityID,
		OriginalEntityID: entityID,
		EntityType:       entityType,
		OwnerID:          o.ownerID,
		SchemaVersion:    schemaVersion,
		Fields:           fields,
		SourceID:         o.sourceID,
		InterpretationID: o.interpretationID,
		Priority:         o.priority,
		ObservedAt:       o.observedAt,
		CreatedAt:        b.now,
	}
	inserted, err := b.tx.InsertObservation(ctx, obs)
	if err != nil {
		return err
	}
	if inserted {
		b.written++
	}
	b.entities[entityID] = true
	b.result.Observations = append(b.result.Observations, obs)
	return nil
}

func (b *batch) writeFragment(ctx context.Context, o origin, entityType, entityID string, index int, u registry.UnknownField) error {
	value, err := json.Marshal(u.Value)
	if err != nil {
		return fmt.Errorf("raw fragment %s: %w", u.Name, err)
	}
	f := ir.RawFragment{
		ID:               b.in.fragmentIDs.New(),
		OwnerID:          o.ownerID,
		SourceID:         o.sourceID,
		InterpretationID: o.interpretationID,
		EntityType:       entityType,
		EntityID:         entityID,
		PayloadIndex:     index,
		FieldName:        u.Name,
		Value:            value,
		Reason:           u.Reason,
		Priority:         o.priority,
		ObservedAt:       o.observedAt,
		CreatedAt:        b.now,
	}
	if err := b.tx.InsertRawFragment(ctx, f); err != nil {
		return err
	}
	b.fragments++
	b.result.Fragments = append(b.result.Fragments, f)
	return nil
}

// writeRelationship ensures the edge exists and appends one observation to
// it. An edge that was merged away receives the observation on its target.
func (b *batch) writeRelationship(ctx context.Context, o origin, relType, src, tgt string, fields ir.IRObject) (ir.RelationshipObservation, error) {
	key, err := ir.RelationshipKey(o.ownerID, relType, src, tgt)
	if err != nil {
		return ir.RelationshipObservation{}, err
	}
	r, _, err := b.tx.EnsureRelationship(ctx, ir.Relationship{
		Key:              key,
		OwnerID:          o.ownerID,
		RelationshipType: relType,
		SourceEntityID:   src,
		TargetEntityID:   tgt,
		CreatedAt:        b.now,
	})
	if err != nil {
		return ir.RelationshipObservation{}, err
	}
	if r.Merged() {
		if r, err = b.tx.GetRelationship(ctx, r.MergedToKey); err != nil {
			return ir.RelationshipObservation{}, err
		}
	}

	id, err := ir.RelationshipObservationID(r.Key, o.sourceID, o.interpretationID, fields, o.priority, o.observedAt)
	if err != nil {
		return ir.RelationshipObservation{}, err
	}
	obs := ir.RelationshipObservation{
		ID:               id,
		RelationshipKey:  r.Key,
		RelationshipType: r.RelationshipType,
		SourceEntityID:   r.SourceEntityID,
		TargetEntityID:   r.TargetEntityID,
		OwnerID:          o.ownerID,
		Fields:           fields,
		SourceID:         o.sourceID,
		InterpretationID: o.interpretationID,
		Priority:         o.priority,
		ObservedAt:       o.observedAt,
		CreatedAt:        b.now,
	}
	inserted, err := b.tx.InsertRelationshipObservation(ctx, obs)
	if err != nil {
		return ir.RelationshipObservation{}, err
	}
	if inserted {
		b.written++
	}
	b.relationships[r.Key] = true
	b.result.RelationshipObservations = append(b.result.RelationshipObservations, obs)
	return obs, nil
}

// recompute rebuilds every touched snapshot, entities first, each in sorted id order.
func (b *batch) recompute(ctx context.Context) error {
	for _, id := range sortedSet(b.entities) {
		snap, err := b.tx.RecomputeEntitySnapshot(ctx, id, b.in.reduceEntity)
		if err != nil {
			return err
		}
		b.recomputed++
		if snap.EntityID != "" {
			b.result.Snapshots = append(b.result.Snapshots, snap)
		}
	}
	for _, key := range sortedSet(b.relationships) {
		snap, err := b.tx.RecomputeRelationshipSnapshot(ctx, key, b.in.reduceRelationship)
		if err != nil {
			return err
		}
		b.recomputed++
		if snap.RelationshipKey != "" {
			b.result.RelationshipSnapshots = append(b.result.RelationshipSnapshots, snap)
		}
	}
	return nil
}

// publish updates counters once the transaction has committed.
func (b *batch) publish() {
	metrics.Add(metrics.ObservationsWritten, b.written)
	metrics.Add(metrics.RawFragmentsWritten, b.fragments)
	metrics.Add(metrics.SnapshotsRecomputed, b.recomputed)
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// reduceEntity is the store.EntityReduceFunc used for every entity recompute.
func (in *Ingester) reduceEntity(ctx context.Context, tx *store.Tx, e ir.Entity, obs []ir.Observation) (ir.EntitySnapshot, error) {
	schema, err := EntitySchemaFor(ctx, tx, e.EntityType, e.OwnerID)
	if err != nil {
		return ir.EntitySnapshot{}, err
	}
	return reducer.ComputeEntitySnapshot(e, schema, obs, in.clock.Now())
}

// reduceRelationship is the store.RelationshipReduceFunc used for every relationship recompute.
func (in *Ingester) reduceRelationship(ctx context.Context, tx *store.Tx, r ir.Relationship, obs []ir.RelationshipObservation) (ir.RelationshipSnapshot, error) {
	policies, err := RelationshipPolicies(ctx, tx, r.RelationshipType, r.OwnerID)
	if err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	return reducer.ComputeRelationshipSnapshot(r, policies, obs, in.clock.Now())
}

// EntitySchemaFor returns the schema governing an entity's reduction, or nil
// when its type has none.
func EntitySchemaFor(ctx context.Context, src registry.SchemaSource, entityType, ownerID string) (*ir.EntitySchema, error) {
	schema, err := registry.ResolveWith(ctx, src, entityType, ownerID)
	if ir.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

// RelationshipPolicies returns the merge policies for a relationship type.
// Relationship fields are governed by a schema registered under the
// relationship type's name; without one every field uses the default policy.
func RelationshipPolicies(ctx context.Context, src registry.SchemaSource, relationshipType, ownerID string) (reducer.PolicyFunc, error) {
	schema, err := EntitySchemaFor(ctx, src, relationshipType, ownerID)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return reducer.DefaultPolicies, nil
	}
	return schema.Policy, nil
}
