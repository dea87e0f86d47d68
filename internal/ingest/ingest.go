// Package ingest turns structured payloads into Observations and Raw Fragments.
//
// Every write for one request lands in a single transaction: entity
// resolution, observations, raw fragments, extracted relationships and the
// recompute of every touched snapshot. Either all of it commits or none of it
// does. Unknown fields never block the valid subset; they become Raw
// Fragments that a later schema version can promote.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/truthlayer/internal/ids"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/resolver"
	"github.com/roach88/truthlayer/internal/store"
)

// ReasonNoIdentity marks valid fields that could not be attached to an entity
// because the payload carried none of the schema's identity fields.
const ReasonNoIdentity = "payload carries no identity fields"

// Request is one structured submission.
//
// Guard, when set, runs first inside the write transaction; an error aborts
// the whole request. The interpretation fence uses it to finish the
// interpretation atomically with its observations.
type Request struct {
	OwnerID          string
	SourceID         string
	InterpretationID string
	Priority         int64
	ObservedAt       time.Time
	Entities         []ir.EntityPayload
	Guard            func(ctx context.Context, tx *store.Tx) error
}

// Warning is a non-fatal finding for one payload.
type Warning struct {
	PayloadIndex int    `json:"payload_index"`
	EntityType   string `json:"entity_type"`
	Field        string `json:"field,omitempty"`
	Message      string `json:"message"`
}

// Result lists everything a request produced. Observations include rows that
// already existed (re-submission is idempotent by observation id).
type Result struct {
	Observations             []ir.Observation             `json:"observations"`
	RelationshipObservations []ir.RelationshipObservation `json:"relationship_observations,omitempty"`
	Fragments                []ir.RawFragment             `json:"raw_fragments,omitempty"`
	Snapshots                []ir.EntitySnapshot          `json:"snapshots"`
	RelationshipSnapshots    []ir.RelationshipSnapshot    `json:"relationship_snapshots,omitempty"`
	Warnings                 []Warning                    `json:"warnings,omitempty"`
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithGraphPolicy sets the relationship cycle policy.
func WithGraphPolicy(p GraphPolicy) Option {
	return func(in *Ingester) { in.graph = p }
}

// WithFragmentIDs replaces the raw fragment id generator (tests use ids.Sequence).
func WithFragmentIDs(g ids.Generator) Option {
	return func(in *Ingester) { in.fragmentIDs = g }
}

// Ingester writes observations.
//
// Thread-safety: safe for concurrent use; the store serializes writers.
type Ingester struct {
	rows        *store.Store
	resolver    *resolver.Resolver
	fragmentIDs ids.Generator
	graph       GraphPolicy
	clock       ir.Clock
	logger      *slog.Logger
}

// New creates an Ingester.
func New(rows *store.Store, clock ir.Clock, logger *slog.Logger, opts ...Option) *Ingester {
	in := &Ingester{
		rows:        rows,
		resolver:    resolver.New(clock),
		fragmentIDs: ids.NewULID("frag_"),
		clock:       clock,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Graph returns the relationship cycle policy.
func (in *Ingester) Graph() GraphPolicy { return in.graph }

func (r Request) check() error {
	if r.SourceID == "" {
		return ir.Validation("source_id", "source is required")
	}
	if len(r.Entities) == 0 {
		return ir.Validation("entities", "at least one entity payload is required")
	}
	for i, p := range r.Entities {
		if p.EntityType == "" {
			return ir.Validation(fmt.Sprintf("entities[%d].entity_type", i), "entity type is required")
		}
	}
	return nil
}

// Ingest validates and writes every payload in req.
func (in *Ingester) Ingest(ctx context.Context, req Request) (Result, error) {
	if err := req.check(); err != nil {
		return Result{}, err
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
	err := in.rows.WithTx(ctx, func(tx *store.Tx) error {
		b = in.newBatch(tx, now)
		if req.Guard != nil {
			if err := req.Guard(ctx, tx); err != nil {
				return err
			}
		}
		for i, p := range req.Entities {
			if err := b.payload(ctx, o, i, p); err != nil {
				return fmt.Errorf("payload %d (%s): %w", i, p.EntityType, err)
			}
		}
		return b.recompute(ctx)
	})
	if err != nil {
		return Result{}, err
	}

	b.publish()
	in.logger.Debug("ingested",
		"source_id", req.SourceID,
		"payloads", len(req.Entities),
		"entities_created", b.created,
		"observations", len(b.result.Observations),
		"raw_fragments", len(b.result.Fragments),
		"warnings", len(b.result.Warnings))
	return b.result, nil
}

// unit is one entity's worth of payload awaiting resolution: a submitted
// payload or a child pulled out by an extraction rule.
type unit struct {
	entityType string
	entityID   string
	fields     map[string]any
	depth      int
	parentID   string
	rule       ir.ExtractionRule
}

// payload processes one submitted payload and everything extracted from it,
// breadth first, so a parent is always resolved before its children.
func (b *batch) payload(ctx context.Context, o origin, index int, p ir.EntityPayload) error {
	queue := []unit{{entityType: p.EntityType, entityID: p.EntityID, fields: p.Fields}}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		id, children, err := b.unit(ctx, o, index, u)
		if err != nil {
			return err
		}
		for _, c := range children {
			queue = append(queue, unit{
				entityType: c.entityType,
				fields:     c.fields,
				depth:      u.depth + 1,
				parentID:   id,
				rule:       c.rule,
			})
		}
	}
	return nil
}

func (b *batch) unit(ctx context.Context, o origin, index int, u unit) (string, []child, error) {
	schema, err := registry.ResolveWith(ctx, b.tx, u.entityType, o.ownerID)
	hasSchema := err == nil
	if err != nil && !ir.IsNotFound(err) {
		return "", nil, err
	}

	fields := u.fields
	var children []child
	if hasSchema && u.depth < maxExtractionDepth {
		fields, children = extract(schema, fields)
	}

	var v registry.Validation
	if hasSchema {
		v = registry.Validate(schema, fields)
	} else {
		v = registry.Unschematized(fields)
	}
	for _, name := range v.Missing {
		b.warn(index, u.entityType, name, "required field missing")
	}

	entityID, err := b.resolveUnit(ctx, o, u, hasSchema, schema, v)
	if err != nil {
		return "", nil, err
	}

	if entityID == "" && len(v.Fields) > 0 {
		// Valid but unattachable: keep the values for promotion.
		for _, name := range v.Fields.SortedKeys() {
			v.Unknown = append(v.Unknown, registry.UnknownField{Name: name, Value: fields[name], Reason: ReasonNoIdentity})
		}
		b.warn(index, u.entityType, "", ReasonNoIdentity)
		v.Fields = nil
	}

	if entityID != "" && len(v.Fields) > 0 {
		if err := b.writeObservation(ctx, o, entityID, u.entityType, schema.Version, v.Fields); err != nil {
			return "", nil, err
		}
	}
	for _, unknown := range v.Unknown {
		if err := b.writeFragment(ctx, o, u.entityType, entityID, index, unknown); err != nil {
			return "", nil, err
		}
	}

	if u.parentID != "" && entityID != "" && u.rule.Relationship != "" {
		if err := b.link(ctx, o, index, u, entityID); err != nil {
			return "", nil, err
		}
	}
	return entityID, children, nil
}

// resolveUnit returns the live entity id for u, or "" when the payload cannot
// be attached to an entity.
func (b *batch) resolveUnit(ctx context.Context, o origin, u unit, hasSchema bool, schema ir.EntitySchema, v registry.Validation) (string, error) {
	if u.entityID != "" {
		res, err := b.in.resolver.ResolveID(ctx, b.tx, o.ownerID, u.entityType, u.entityID)
		if err != nil {
			return "", err
		}
		return res.EntityID, nil
	}
	if !hasSchema || len(v.Fields) == 0 {
		return "", nil
	}
	res, err := b.in.resolver.Resolve(ctx, b.tx, o.ownerID, schema, v.Fields)
	if ir.IsValidation(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if res.Created {
		b.created++
	}
	return res.EntityID, nil
}

// link writes the relationship between an extracted child and its parent.
// Edges the graph policy rejects are skipped with a warning.
func (b *batch) link(ctx context.Context, o origin, index int, u unit, childID string) error {
	src, tgt := edge(u.rule, u.parentID, childID)
	if err := b.in.graph.CheckEdge(ctx, b.tx, o.ownerID, u.rule.Relationship, src, tgt); err != nil {
		if ir.IsValidation(err) || ir.IsConflict(err) {
			b.warn(index, u.entityType, u.rule.Relationship, "relationship skipped: "+err.Error())
			return nil
		}
		return err
	}
	_, err := b.writeRelationship(ctx, o, u.rule.Relationship, src, tgt, ir.IRObject{})
	return err
}

func (b *batch) warn(index int, entityType, field, msg string) {
	b.result.Warnings = append(b.result.Warnings, Warning{
		PayloadIndex: index,
		EntityType:   entityType,
		Field:        field,
		Message:      msg,
	})
}

// RecomputeEntity rebuilds one entity snapshot in its own transaction.
func (in *Ingester) RecomputeEntity(ctx context.Context, entityID string) (ir.EntitySnapshot, error) {
	snap, err := in.rows.RecomputeEntitySnapshot(ctx, entityID, in.reduceEntity)
	if err != nil {
		return ir.EntitySnapshot{}, err
	}
	metrics.Inc(metrics.SnapshotsRecomputed)
	return snap, nil
}

// RecomputeRelationship rebuilds one relationship snapshot in its own transaction.
func (in *Ingester) RecomputeRelationship(ctx context.Context, key string) (ir.RelationshipSnapshot, error) {
	snap, err := in.rows.RecomputeRelationshipSnapshot(ctx, key, in.reduceRelationship)
	if err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	metrics.Inc(metrics.SnapshotsRecomputed)
	return snap, nil
}

// RecomputeWithin rebuilds snapshots inside an existing transaction, entities
// first, each set in sorted order. Used after merges.
func (in *Ingester) RecomputeWithin(ctx context.Context, tx *store.Tx, entityIDs, relationshipKeys []string) error {
	b := in.newBatch(tx, in.clock.Now())
	for _, id := range entityIDs {
		b.entities[id] = true
	}
	for _, key := range relationshipKeys {
		b.relationships[key] = true
	}
	if err := b.recompute(ctx); err != nil {
		return err
	}
	metrics.Add(metrics.SnapshotsRecomputed, b.recomputed)
	return nil
}
