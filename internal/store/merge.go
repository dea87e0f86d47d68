package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/truthlayer/internal/ir"
)

// MergeEntities folds m.FromEntityID into m.ToEntityID.
//
// Preconditions, checked inside the caller's transaction: both entities exist,
// both belong to m.OwnerID, they differ and share a type, neither is merged,
// and from has never been a merge target (merges do not chain).
//
// Effects: observations move to the target, from is stamped merged, live
// relationships touching from are re-keyed onto the target (old rows stamped
// merged_to_key), from's snapshots are dropped and the audit row is written.
// Returns the completed record and the re-keyed relationship keys whose
// snapshots must be recomputed.
func (t *Tx) MergeEntities(ctx context.Context, m ir.EntityMerge) (ir.EntityMerge, []string, error) {
	from, err := getEntity(ctx, t.tx, m.FromEntityID)
	if err != nil {
		return ir.EntityMerge{}, nil, err
	}
	to, err := getEntity(ctx, t.tx, m.ToEntityID)
	if err != nil {
		return ir.EntityMerge{}, nil, err
	}

	switch {
	case from.OwnerID != m.OwnerID:
		return ir.EntityMerge{}, nil, ir.Forbidden("entity", from.ID)
	case to.OwnerID != m.OwnerID:
		return ir.EntityMerge{}, nil, ir.Forbidden("entity", to.ID)
	case from.ID == to.ID:
		return ir.EntityMerge{}, nil, ir.Validation("to_entity_id", "cannot merge an entity into itself")
	case from.EntityType != to.EntityType:
		return ir.EntityMerge{}, nil, ir.Validation("to_entity_id",
			fmt.Sprintf("cannot merge %s into %s", from.EntityType, to.EntityType))
	case from.Merged():
		return ir.EntityMerge{}, nil, ir.Conflict("entity", from.ID, "already merged into "+from.MergedToEntityID)
	case to.Merged():
		return ir.EntityMerge{}, nil, ir.Conflict("entity", to.ID, "merge target is itself merged into "+to.MergedToEntityID)
	}

	var targeted int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_merges WHERE to_entity_id = ?`, from.ID).Scan(&targeted); err != nil {
		return ir.EntityMerge{}, nil, fmt.Errorf("merge entities: %w", err)
	}
	if targeted > 0 {
		return ir.EntityMerge{}, nil, ir.Conflict("entity", from.ID, "entity is the target of an earlier merge")
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE entities SET merged_to_entity_id = ?, merged_at = ?
		WHERE id = ? AND merged_to_entity_id IS NULL
	`, to.ID, micros(m.MergedAt), from.ID)
	if err != nil {
		return ir.EntityMerge{}, nil, fmt.Errorf("merge entities: stamp: %w", err)
	}
	if n, err := affected(res, "merge entities"); err != nil {
		return ir.EntityMerge{}, nil, err
	} else if n == 0 {
		return ir.EntityMerge{}, nil, ir.Conflict("entity", from.ID, "concurrent merge")
	}

	res, err = t.tx.ExecContext(ctx, `UPDATE observations SET entity_id = ? WHERE entity_id = ?`, to.ID, from.ID)
	if err != nil {
		return ir.EntityMerge{}, nil, fmt.Errorf("merge entities: move observations: %w", err)
	}
	moved, err := affected(res, "merge entities")
	if err != nil {
		return ir.EntityMerge{}, nil, err
	}
	m.ObservationCountMoved = int(moved)

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM entity_snapshots WHERE entity_id = ?`, from.ID); err != nil {
		return ir.EntityMerge{}, nil, fmt.Errorf("merge entities: drop snapshot: %w", err)
	}

	rekeyed, err := t.rekeyRelationships(ctx, from, to, m)
	if err != nil {
		return ir.EntityMerge{}, nil, err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entity_merges (id, owner_id, from_entity_id, to_entity_id, observation_count_moved, actor, merged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OwnerID, from.ID, to.ID, m.ObservationCountMoved, m.Actor, micros(m.MergedAt))
	if isUniqueViolation(err) {
		return ir.EntityMerge{}, nil, ir.Conflict("entity", from.ID, "concurrent merge")
	}
	if err != nil {
		return ir.EntityMerge{}, nil, fmt.Errorf("merge entities: audit: %w", err)
	}
	return m, rekeyed, nil
}

// rekeyRelationships moves every live relationship touching from onto to.
// A re-keyed edge whose new key is already merged lands on that key's target.
func (t *Tx) rekeyRelationships(ctx context.Context, from, to ir.Entity, m ir.EntityMerge) ([]string, error) {
	rels, err := listRelationships(ctx, t.tx, RelationshipFilter{OwnerID: from.OwnerID, EntityID: from.ID})
	if err != nil {
		return nil, fmt.Errorf("merge entities: %w", err)
	}

	var keys []string
	for _, r := range rels {
		src, tgt := r.SourceEntityID, r.TargetEntityID
		if src == from.ID {
			src = to.ID
		}
		if tgt == from.ID {
			tgt = to.ID
		}
		newKey, err := ir.RelationshipKey(r.OwnerID, r.RelationshipType, src, tgt)
		if err != nil {
			return nil, fmt.Errorf("merge entities: %w", err)
		}
		dest, _, err := ensureRelationship(ctx, t.tx, ir.Relationship{
			Key:              newKey,
			OwnerID:          r.OwnerID,
			RelationshipType: r.RelationshipType,
			SourceEntityID:   src,
			TargetEntityID:   tgt,
			CreatedAt:        m.MergedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("merge entities: %w", err)
		}
		if dest.Merged() {
			newKey = dest.MergedToKey
		}

		if _, err := t.tx.ExecContext(ctx,
			`UPDATE relationship_observations SET relationship_key = ? WHERE relationship_key = ?`,
			newKey, r.Key); err != nil {
			return nil, fmt.Errorf("merge entities: move relationship observations: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE relationships SET merged_to_key = ?, merged_at = ? WHERE key = ? AND merged_to_key IS NULL`,
			newKey, micros(m.MergedAt), r.Key); err != nil {
			return nil, fmt.Errorf("merge entities: stamp relationship: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM relationship_snapshots WHERE relationship_key = ?`, r.Key); err != nil {
			return nil, fmt.Errorf("merge entities: drop relationship snapshot: %w", err)
		}
		if !slices.Contains(keys, newKey) {
			keys = append(keys, newKey)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// MergeRelationships folds m.FromKey into m.ToKey under the same rules as
// MergeEntities.
func (t *Tx) MergeRelationships(ctx context.Context, m ir.RelationshipMerge) (ir.RelationshipMerge, error) {
	from, err := getRelationship(ctx, t.tx, m.FromKey)
	if err != nil {
		return ir.RelationshipMerge{}, err
	}
	to, err := getRelationship(ctx, t.tx, m.ToKey)
	if err != nil {
		return ir.RelationshipMerge{}, err
	}

	switch {
	case from.OwnerID != m.OwnerID:
		return ir.RelationshipMerge{}, ir.Forbidden("relationship", from.Key)
	case to.OwnerID != m.OwnerID:
		return ir.RelationshipMerge{}, ir.Forbidden("relationship", to.Key)
	case from.Key == to.Key:
		return ir.RelationshipMerge{}, ir.Validation("to_key", "cannot merge a relationship into itself")
	case from.Merged():
		return ir.RelationshipMerge{}, ir.Conflict("relationship", from.Key, "already merged into "+from.MergedToKey)
	case to.Merged():
		return ir.RelationshipMerge{}, ir.Conflict("relationship", to.Key, "merge target is itself merged into "+to.MergedToKey)
	}

	var targeted int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationship_merges WHERE to_key = ?`, from.Key).Scan(&targeted); err != nil {
		return ir.RelationshipMerge{}, fmt.Errorf("merge relationships: %w", err)
	}
	if targeted > 0 {
		return ir.RelationshipMerge{}, ir.Conflict("relationship", from.Key, "relationship is the target of an earlier merge")
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE relationships SET merged_to_key = ?, merged_at = ?
		WHERE key = ? AND merged_to_key IS NULL
	`, to.Key, micros(m.MergedAt), from.Key)
	if err != nil {
		return ir.RelationshipMerge{}, fmt.Errorf("merge relationships: stamp: %w", err)
	}
	if n, err := affected(res, "merge relationships"); err != nil {
		return ir.RelationshipMerge{}, err
	} else if n == 0 {
		return ir.RelationshipMerge{}, ir.Conflict("relationship", from.Key, "concurrent merge")
	}

	res, err = t.tx.ExecContext(ctx,
		`UPDATE relationship_observations SET relationship_key = ? WHERE relationship_key = ?`, to.Key, from.Key)
	if err != nil {
		return ir.RelationshipMerge{}, fmt.Errorf("merge relationships: move observations: %w", err)
	}
	moved, err := affected(res, "merge relationships")
	if err != nil {
		return ir.RelationshipMerge{}, err
	}
	m.ObservationCountMoved = int(moved)

	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM relationship_snapshots WHERE relationship_key = ?`, from.Key); err != nil {
		return ir.RelationshipMerge{}, fmt.Errorf("merge relationships: drop snapshot: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO relationship_merges (id, owner_id, from_key, to_key, observation_count_moved, actor, merged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OwnerID, from.Key, to.Key, m.ObservationCountMoved, m.Actor, micros(m.MergedAt))
	if isUniqueViolation(err) {
		return ir.RelationshipMerge{}, ir.Conflict("relationship", from.Key, "concurrent merge")
	}
	if err != nil {
		return ir.RelationshipMerge{}, fmt.Errorf("merge relationships: audit: %w", err)
	}
	return m, nil
}

// ListEntityMerges returns an owner's entity merge audit log, oldest first.
func (s *Store) ListEntityMerges(ctx context.Context, ownerID string) ([]ir.EntityMerge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, from_entity_id, to_entity_id, observation_count_moved, actor, merged_at
		FROM entity_merges WHERE owner_id = ?
		ORDER BY merged_at ASC, id COLLATE BINARY ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list entity merges: %w", err)
	}
	defer rows.Close()

	var out []ir.EntityMerge
	for rows.Next() {
		var m ir.EntityMerge
		var at int64
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.FromEntityID, &m.ToEntityID,
			&m.ObservationCountMoved, &m.Actor, &at); err != nil {
			return nil, fmt.Errorf("list entity merges: scan: %w", err)
		}
		m.MergedAt = fromMicros(at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entity merges: %w", err)
	}
	return out, nil
}
