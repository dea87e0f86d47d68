package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// EntityHistory is a consistent read of one entity: its row, its full
// observation history and the snapshot currently stored for it (nil if none).
type EntityHistory struct {
	Entity       ir.Entity
	Observations []ir.Observation
	Snapshot     *ir.EntitySnapshot
}

// RelationshipHistory is the relationship counterpart of EntityHistory.
type RelationshipHistory struct {
	Relationship ir.Relationship
	Observations []ir.RelationshipObservation
	Snapshot     *ir.RelationshipSnapshot
}

// GetEntityHistory reads an entity and everything derived from it inside one
// transaction, so replay compares a snapshot against exactly the history it
// was computed from.
func (s *Store) GetEntityHistory(ctx context.Context, entityID string) (EntityHistory, error) {
	var h EntityHistory
	err := s.WithTx(ctx, func(tx *Tx) error {
		e, err := getEntity(ctx, tx.tx, entityID)
		if err != nil {
			return err
		}
		obs, err := listObservations(ctx, tx.tx, `WHERE entity_id = ?`, entityID)
		if err != nil {
			return err
		}
		snap, err := scanEntitySnapshot(tx.tx.QueryRowContext(ctx,
			`SELECT `+entitySnapshotColumns+` FROM entity_snapshots WHERE entity_id = ?`, entityID))
		switch {
		case err == nil:
			h.Snapshot = &snap
		case !isNoRows(err):
			return fmt.Errorf("entity history: snapshot: %w", err)
		}
		h.Entity = e
		h.Observations = obs
		return nil
	})
	if err != nil {
		return EntityHistory{}, err
	}
	return h, nil
}

// GetRelationshipHistory reads a relationship, its observations and stored
// snapshot inside one transaction.
func (s *Store) GetRelationshipHistory(ctx context.Context, key string) (RelationshipHistory, error) {
	var h RelationshipHistory
	err := s.WithTx(ctx, func(tx *Tx) error {
		r, err := getRelationship(ctx, tx.tx, key)
		if err != nil {
			return err
		}
		obs, err := listRelationshipObservations(ctx, tx.tx, key)
		if err != nil {
			return err
		}
		snap, err := getRelationshipSnapshot(ctx, tx.tx, key)
		switch {
		case err == nil:
			h.Snapshot = &snap
		case !ir.IsNotFound(err):
			return err
		}
		h.Relationship = r
		h.Observations = obs
		return nil
	})
	if err != nil {
		return RelationshipHistory{}, err
	}
	return h, nil
}

// FindStaleEntities returns live entities whose stored snapshot is missing or
// was computed from a different number of observations than exist now. After
// a crash between an observation write and its recompute these are the
// entities that need recomputing.
func (s *Store) FindStaleEntities(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id
		FROM entities e
		JOIN (SELECT entity_id, COUNT(*) AS n FROM observations GROUP BY entity_id) o ON o.entity_id = e.id
		LEFT JOIN entity_snapshots s ON s.entity_id = e.id
		WHERE e.owner_id = ? AND e.merged_to_entity_id IS NULL
		  AND (s.entity_id IS NULL OR s.observation_count != o.n)
		ORDER BY e.id COLLATE BINARY ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("find stale entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("find stale entities: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find stale entities: %w", err)
	}
	return ids, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
