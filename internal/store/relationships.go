package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// RelationshipFilter narrows ListRelationships. EntityID matches either end.
type RelationshipFilter struct {
	OwnerID          string
	AllOwners        bool
	EntityID         string
	RelationshipType string
	IncludeMerged    bool
}

const relationshipColumns = `key, owner_id, relationship_type, source_entity_id, target_entity_id,
	merged_to_key, merged_at, created_at`

func scanRelationship(row rowScanner) (ir.Relationship, error) {
	var r ir.Relationship
	var mergedTo sql.NullString
	var mergedAt sql.NullInt64
	var created int64
	if err := row.Scan(&r.Key, &r.OwnerID, &r.RelationshipType, &r.SourceEntityID, &r.TargetEntityID,
		&mergedTo, &mergedAt, &created); err != nil {
		return ir.Relationship{}, err
	}
	r.MergedToKey = mergedTo.String
	r.MergedAt = timePtr(mergedAt)
	r.CreatedAt = fromMicros(created)
	return r, nil
}

// EnsureRelationship creates the relationship row if its key is new.
func (s *Store) EnsureRelationship(ctx context.Context, r ir.Relationship) (ir.Relationship, bool, error) {
	return ensureRelationship(ctx, s.db, r)
}

// EnsureRelationship is Store.EnsureRelationship inside the transaction.
func (t *Tx) EnsureRelationship(ctx context.Context, r ir.Relationship) (ir.Relationship, bool, error) {
	return ensureRelationship(ctx, t.tx, r)
}

func ensureRelationship(ctx context.Context, q querier, r ir.Relationship) (ir.Relationship, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO relationships (key, owner_id, relationship_type, source_entity_id, target_entity_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, r.Key, r.OwnerID, r.RelationshipType, r.SourceEntityID, r.TargetEntityID, micros(r.CreatedAt))
	if err != nil {
		return ir.Relationship{}, false, fmt.Errorf("ensure relationship: %w", err)
	}
	n, err := affected(res, "ensure relationship")
	if err != nil {
		return ir.Relationship{}, false, err
	}
	stored, err := getRelationship(ctx, q, r.Key)
	if err != nil {
		return ir.Relationship{}, false, err
	}
	return stored, n == 1, nil
}

// GetRelationship returns a relationship by key.
func (s *Store) GetRelationship(ctx context.Context, key string) (ir.Relationship, error) {
	return getRelationship(ctx, s.db, key)
}

// GetRelationship is Store.GetRelationship inside the transaction.
func (t *Tx) GetRelationship(ctx context.Context, key string) (ir.Relationship, error) {
	return getRelationship(ctx, t.tx, key)
}

func getRelationship(ctx context.Context, q querier, key string) (ir.Relationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Relationship{}, ir.NotFound("relationship", key)
	}
	if err != nil {
		return ir.Relationship{}, fmt.Errorf("get relationship: %w", err)
	}
	return r, nil
}

// ListRelationships returns relationships ordered by key.
func (s *Store) ListRelationships(ctx context.Context, f RelationshipFilter) ([]ir.Relationship, error) {
	return listRelationships(ctx, s.db, f)
}

// ListRelationships is Store.ListRelationships inside the transaction.
func (t *Tx) ListRelationships(ctx context.Context, f RelationshipFilter) ([]ir.Relationship, error) {
	return listRelationships(ctx, t.tx, f)
}

func listRelationships(ctx context.Context, q querier, f RelationshipFilter) ([]ir.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE 1 = 1`
	var args []any
	if !f.AllOwners {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.EntityID != "" {
		query += ` AND (source_entity_id = ? OR target_entity_id = ?)`
		args = append(args, f.EntityID, f.EntityID)
	}
	if f.RelationshipType != "" {
		query += ` AND relationship_type = ?`
		args = append(args, f.RelationshipType)
	}
	if !f.IncludeMerged {
		query += ` AND merged_to_key IS NULL`
	}
	query += ` ORDER BY key COLLATE BINARY ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []ir.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("list relationships: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	return out, nil
}

// OutgoingTargets returns the live target entities of relationshipType edges
// leaving sourceEntityID. Used for bounded cycle detection.
func (t *Tx) OutgoingTargets(ctx context.Context, ownerID, relationshipType, sourceEntityID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT target_entity_id FROM relationships
		WHERE owner_id = ? AND relationship_type = ? AND source_entity_id = ? AND merged_to_key IS NULL
		ORDER BY target_entity_id COLLATE BINARY ASC
	`, ownerID, relationshipType, sourceEntityID)
	if err != nil {
		return nil, fmt.Errorf("outgoing targets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("outgoing targets: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertRelationshipObservation appends a relationship observation.
func (s *Store) InsertRelationshipObservation(ctx context.Context, obs ir.RelationshipObservation) (bool, error) {
	return insertRelationshipObservation(ctx, s.db, obs)
}

// InsertRelationshipObservation is Store.InsertRelationshipObservation inside the transaction.
func (t *Tx) InsertRelationshipObservation(ctx context.Context, obs ir.RelationshipObservation) (bool, error) {
	return insertRelationshipObservation(ctx, t.tx, obs)
}

func insertRelationshipObservation(ctx context.Context, q querier, obs ir.RelationshipObservation) (bool, error) {
	fields, err := marshalFields(obs.Fields)
	if err != nil {
		return false, fmt.Errorf("insert relationship observation: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO relationship_observations
		(id, relationship_key, original_relationship_key, owner_id, fields, source_id,
		 interpretation_id, priority, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		obs.ID,
		obs.RelationshipKey,
		obs.RelationshipKey,
		obs.OwnerID,
		fields,
		obs.SourceID,
		nullString(obs.InterpretationID),
		obs.Priority,
		micros(obs.ObservedAt),
		micros(obs.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert relationship observation: %w", err)
	}
	n, err := affected(res, "insert relationship observation")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRelationshipObservations returns a relationship's full history.
func (s *Store) ListRelationshipObservations(ctx context.Context, key string) ([]ir.RelationshipObservation, error) {
	return listRelationshipObservations(ctx, s.db, key)
}

func listRelationshipObservations(ctx context.Context, q querier, key string) ([]ir.RelationshipObservation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT o.id, o.relationship_key, r.relationship_type, r.source_entity_id, r.target_entity_id,
		       o.owner_id, o.fields, o.source_id, o.interpretation_id, o.priority, o.observed_at, o.created_at
		FROM relationship_observations o
		JOIN relationships r ON r.key = o.relationship_key
		WHERE o.relationship_key = ?
		ORDER BY o.observed_at ASC, o.id COLLATE BINARY ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list relationship observations: %w", err)
	}
	defer rows.Close()

	var out []ir.RelationshipObservation
	for rows.Next() {
		var obs ir.RelationshipObservation
		var fields string
		var interp sql.NullString
		var observed, created int64
		if err := rows.Scan(&obs.ID, &obs.RelationshipKey, &obs.RelationshipType, &obs.SourceEntityID,
			&obs.TargetEntityID, &obs.OwnerID, &fields, &obs.SourceID, &interp, &obs.Priority,
			&observed, &created); err != nil {
			return nil, fmt.Errorf("list relationship observations: scan: %w", err)
		}
		f, err := unmarshalFields(fields)
		if err != nil {
			return nil, err
		}
		obs.Fields = f
		obs.InterpretationID = interp.String
		obs.ObservedAt = fromMicros(observed)
		obs.CreatedAt = fromMicros(created)
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list relationship observations: %w", err)
	}
	return out, nil
}

// RelationshipReduceFunc folds a relationship's history into a snapshot.
// It runs inside the recompute transaction and may read through tx only.
type RelationshipReduceFunc func(ctx context.Context, tx *Tx, r ir.Relationship, obs []ir.RelationshipObservation) (ir.RelationshipSnapshot, error)

// RecomputeRelationshipSnapshot replaces a relationship's snapshot in one
// transaction; see RecomputeEntitySnapshot.
func (s *Store) RecomputeRelationshipSnapshot(ctx context.Context, key string, reduce RelationshipReduceFunc) (ir.RelationshipSnapshot, error) {
	var snap ir.RelationshipSnapshot
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		snap, err = tx.RecomputeRelationshipSnapshot(ctx, key, reduce)
		return err
	})
	if err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	return snap, nil
}

// RecomputeRelationshipSnapshot is Store.RecomputeRelationshipSnapshot inside the transaction.
func (t *Tx) RecomputeRelationshipSnapshot(ctx context.Context, key string, reduce RelationshipReduceFunc) (ir.RelationshipSnapshot, error) {
	r, err := getRelationship(ctx, t.tx, key)
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("recompute %s: %w", key, err)
	}
	obs, err := listRelationshipObservations(ctx, t.tx, key)
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("recompute %s: %w", key, err)
	}
	if r.Merged() || len(obs) == 0 {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM relationship_snapshots WHERE relationship_key = ?`, key); err != nil {
			return ir.RelationshipSnapshot{}, fmt.Errorf("recompute %s: drop snapshot: %w", key, err)
		}
		return ir.RelationshipSnapshot{}, nil
	}

	snap, err := reduce(ctx, t, r, obs)
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("recompute %s: %w", key, err)
	}

	fields, err := marshalFields(snap.Fields)
	if err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	prov, err := marshalProvenance(snap.Provenance)
	if err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO relationship_snapshots
		(relationship_key, relationship_type, source_entity_id, target_entity_id, owner_id,
		 fields, provenance, observation_count, last_observation_at, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relationship_key) DO UPDATE SET
			fields = excluded.fields,
			provenance = excluded.provenance,
			observation_count = excluded.observation_count,
			last_observation_at = excluded.last_observation_at,
			computed_at = excluded.computed_at
	`,
		snap.RelationshipKey,
		snap.RelationshipType,
		snap.SourceEntityID,
		snap.TargetEntityID,
		snap.OwnerID,
		fields,
		prov,
		snap.ObservationCount,
		micros(snap.LastObservationAt),
		micros(snap.ComputedAt),
	)
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("recompute %s: put snapshot: %w", key, err)
	}
	return snap, nil
}

// GetRelationshipSnapshot returns the stored snapshot for a relationship.
func (s *Store) GetRelationshipSnapshot(ctx context.Context, key string) (ir.RelationshipSnapshot, error) {
	return getRelationshipSnapshot(ctx, s.db, key)
}

func getRelationshipSnapshot(ctx context.Context, q querier, key string) (ir.RelationshipSnapshot, error) {
	var snap ir.RelationshipSnapshot
	var fields, prov string
	var last, computed int64
	err := q.QueryRowContext(ctx, `
		SELECT relationship_key, relationship_type, source_entity_id, target_entity_id, owner_id,
		       fields, provenance, observation_count, last_observation_at, computed_at
		FROM relationship_snapshots WHERE relationship_key = ?
	`, key).Scan(&snap.RelationshipKey, &snap.RelationshipType, &snap.SourceEntityID, &snap.TargetEntityID,
		&snap.OwnerID, &fields, &prov, &snap.ObservationCount, &last, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RelationshipSnapshot{}, ir.NotFound("snapshot", key)
	}
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("get relationship snapshot: %w", err)
	}
	if snap.Fields, err = unmarshalFields(fields); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	if snap.Provenance, err = unmarshalProvenance(prov); err != nil {
		return ir.RelationshipSnapshot{}, err
	}
	snap.LastObservationAt = fromMicros(last)
	snap.ComputedAt = fromMicros(computed)
	return snap, nil
}
