package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
)

// PromoteResult reports what a promotion pass moved into the schema.
type PromoteResult struct {
	Promoted     int                 `json:"promoted"`
	Observations []ir.Observation    `json:"observations"`
	Snapshots    []ir.EntitySnapshot `json:"snapshots"`
}

// fragmentGroup is every fragment that came from one payload unit.
type fragmentGroup struct {
	ownerID          string
	sourceID         string
	interpretationID string
	entityID         string
	payloadIndex     int
}

// governance reports whether a schema is the one resolving its type for an
// owner. A global schema does not govern owners with their own version.
type governance struct {
	schema ir.EntitySchema
	owners map[string]bool
}

func (g *governance) covers(ctx context.Context, tx *store.Tx, ownerID string) (bool, error) {
	if g.schema.Scope != ir.GlobalScope {
		return ownerID == g.schema.Scope, nil
	}
	if ok, seen := g.owners[ownerID]; seen {
		return ok, nil
	}
	resolved, err := registry.ResolveWith(ctx, tx, g.schema.EntityType, ownerID)
	if err != nil {
		return false, err
	}
	g.owners[ownerID] = resolved.ID == g.schema.ID
	return g.owners[ownerID], nil
}

// Promote re-validates the raw fragments covered by schema and turns the
// fields that now validate into observations with their original source,
// priority and observed_at. Promoted fragments are deleted in the same
// transaction; the rest stay for a later version.
//
// Every live entity of the type, and every live relationship named after it,
// is recomputed in the same transaction so stored snapshots follow the new
// merge policies. A global schema only touches owners it governs: an owner
// with an owner-scoped version of the type is left to that version.
func (in *Ingester) Promote(ctx context.Context, schema ir.EntitySchema) (PromoteResult, error) {
	var b *batch
	promoted := 0
	err := in.rows.WithTx(ctx, func(tx *store.Tx) error {
		b = in.newBatch(tx, in.clock.Now())
		gov := &governance{schema: schema, owners: make(map[string]bool)}

		frags, err := tx.ListRawFragments(ctx, store.FragmentFilter{
			OwnerID:    schema.Scope,
			AllOwners:  schema.Scope == ir.GlobalScope,
			EntityType: schema.EntityType,
		})
		if err != nil {
			return err
		}

		var order []fragmentGroup
		groups := make(map[fragmentGroup][]ir.RawFragment)
		for _, f := range frags {
			g := fragmentGroup{
				ownerID:          f.OwnerID,
				sourceID:         f.SourceID,
				interpretationID: f.InterpretationID,
				entityID:         f.EntityID,
				payloadIndex:     f.PayloadIndex,
			}
			if _, seen := groups[g]; !seen {
				order = append(order, g)
			}
			groups[g] = append(groups[g], f)
		}

		for _, g := range order {
			n, err := b.promoteGroup(ctx, gov, g, groups[g])
			if err != nil {
				return err
			}
			promoted += n
		}
		if err := b.governed(ctx, gov); err != nil {
			return err
		}
		return b.recompute(ctx)
	})
	if err != nil {
		return PromoteResult{}, err
	}

	b.publish()
	metrics.Add(metrics.RawFragmentsPromoted, promoted)
	if promoted > 0 {
		in.logger.Info("raw fragments promoted",
			"entity_type", schema.EntityType, "scope", schema.Scope, "version", schema.Version, "promoted", promoted)
	}
	return PromoteResult{Promoted: promoted, Observations: b.result.Observations, Snapshots: b.result.Snapshots}, nil
}

// governed marks the snapshots whose reduction the schema decides.
func (b *batch) governed(ctx context.Context, gov *governance) error {
	schema := gov.schema
	global := schema.Scope == ir.GlobalScope

	ents, err := b.tx.ListEntities(ctx, store.EntityFilter{
		OwnerID:    schema.Scope,
		AllOwners:  global,
		EntityType: schema.EntityType,
	})
	if err != nil {
		return err
	}
	for _, e := range ents {
		ok, err := gov.covers(ctx, b.tx, e.OwnerID)
		if err != nil {
			return err
		}
		if ok {
			b.entities[e.ID] = true
		}
	}

	rels, err := b.tx.ListRelationships(ctx, store.RelationshipFilter{
		OwnerID:          schema.Scope,
		AllOwners:        global,
		RelationshipType: schema.EntityType,
	})
	if err != nil {
		return err
	}
	for _, r := range rels {
		ok, err := gov.covers(ctx, b.tx, r.OwnerID)
		if err != nil {
			return err
		}
		if ok {
			b.relationships[r.Key] = true
		}
	}
	return nil
}

func (b *batch) promoteGroup(ctx context.Context, gov *governance, g fragmentGroup, frags []ir.RawFragment) (int, error) {
	schema := gov.schema
	if ok, err := gov.covers(ctx, b.tx, g.ownerID); err != nil || !ok {
		return 0, err
	}

	// The first fragment per field name wins; duplicates stay behind.
	payload := make(map[string]any, len(frags))
	byName := make(map[string]ir.RawFragment, len(frags))
	for _, f := range frags {
		if _, dup := byName[f.FieldName]; dup {
			continue
		}
		v, err := decodeValue(f.Value)
		if err != nil {
			return 0, fmt.Errorf("raw fragment %s: %w", f.ID, err)
		}
		payload[f.FieldName] = v
		byName[f.FieldName] = f
	}

	v := registry.Validate(schema, payload)
	if len(v.Fields) == 0 {
		return 0, nil
	}

	first := frags[0]
	o := origin{
		ownerID:          g.ownerID,
		sourceID:         g.sourceID,
		interpretationID: g.interpretationID,
		priority:         first.Priority,
		observedAt:       first.ObservedAt,
	}

	if strings.HasPrefix(g.entityID, ir.RelationshipIDPrefix) {
		if err := b.promoteRelationship(ctx, o, g.entityID, v.Fields); err != nil {
			return 0, err
		}
		if err := b.dropPromoted(ctx, v.Fields, byName); err != nil {
			return 0, err
		}
		return len(v.Fields), nil
	}

	var entityID string
	if g.entityID != "" {
		res, err := b.in.resolver.ResolveID(ctx, b.tx, g.ownerID, schema.EntityType, g.entityID)
		if err != nil {
			return 0, err
		}
		entityID = res.EntityID
	} else {
		res, err := b.in.resolver.Resolve(ctx, b.tx, g.ownerID, schema, v.Fields)
		if ir.IsValidation(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		entityID = res.EntityID
	}

	if err := b.writeObservation(ctx, o, entityID, schema.EntityType, schema.Version, v.Fields); err != nil {
		return 0, err
	}
	if err := b.dropPromoted(ctx, v.Fields, byName); err != nil {
		return 0, err
	}
	return len(v.Fields), nil
}

// promoteRelationship appends the promoted fields to the relationship the
// fragments came with, following a merge to its target.
func (b *batch) promoteRelationship(ctx context.Context, o origin, key string, fields ir.IRObject) error {
	r, err := b.tx.GetRelationship(ctx, key)
	if err != nil {
		return err
	}
	_, err = b.writeRelationship(ctx, o, r.RelationshipType, r.SourceEntityID, r.TargetEntityID, fields)
	return err
}

func (b *batch) dropPromoted(ctx context.Context, fields ir.IRObject, byName map[string]ir.RawFragment) error {
	for _, name := range fields.SortedKeys() {
		if err := b.tx.DeleteRawFragment(ctx, byName[name].ID); err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
