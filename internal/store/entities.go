package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// EntityFilter narrows ListEntities. Merged entities are excluded unless
// IncludeMerged is set.
type EntityFilter struct {
	OwnerID       string
	AllOwners     bool
	EntityType    string
	IncludeMerged bool
	Limit         int
}

const entityColumns = `id, owner_id, entity_type, canonical_key, merged_to_entity_id, merged_at, created_at`

func scanEntity(row rowScanner) (ir.Entity, error) {
	var e ir.Entity
	var mergedTo sql.NullString
	var mergedAt sql.NullInt64
	var created int64
	if err := row.Scan(&e.ID, &e.OwnerID, &e.EntityType, &e.CanonicalKey, &mergedTo, &mergedAt, &created); err != nil {
		return ir.Entity{}, err
	}
	e.MergedToEntityID = mergedTo.String
	e.MergedAt = timePtr(mergedAt)
	e.CreatedAt = fromMicros(created)
	return e, nil
}

// EnsureEntity creates the entity if its id is new and returns the stored row.
//
// A stored row whose canonical key, owner or type differs from e means two
// distinct identities hashed to the same id; that is reported as a conflict
// and never silently merged.
func (s *Store) EnsureEntity(ctx context.Context, e ir.Entity) (ir.Entity, bool, error) {
	return ensureEntity(ctx, s.db, e)
}

// EnsureEntity is Store.EnsureEntity inside the transaction.
func (t *Tx) EnsureEntity(ctx context.Context, e ir.Entity) (ir.Entity, bool, error) {
	return ensureEntity(ctx, t.tx, e)
}

func ensureEntity(ctx context.Context, q querier, e ir.Entity) (ir.Entity, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO entities (id, owner_id, entity_type, canonical_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.OwnerID, e.EntityType, e.CanonicalKey, micros(e.CreatedAt))
	if err != nil {
		return ir.Entity{}, false, fmt.Errorf("ensure entity: %w", err)
	}
	n, err := affected(res, "ensure entity")
	if err != nil {
		return ir.Entity{}, false, err
	}

	stored, err := getEntity(ctx, q, e.ID)
	if err != nil {
		return ir.Entity{}, false, err
	}
	if stored.CanonicalKey != e.CanonicalKey || stored.OwnerID != e.OwnerID || stored.EntityType != e.EntityType {
		return ir.Entity{}, false, ir.Conflict("entity", e.ID,
			fmt.Sprintf("identity hash collision: stored key %s, resolved key %s", stored.CanonicalKey, e.CanonicalKey))
	}
	return stored, n == 1, nil
}

// GetEntity returns an entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (ir.Entity, error) {
	return getEntity(ctx, s.db, id)
}

// GetEntity is Store.GetEntity inside the transaction.
func (t *Tx) GetEntity(ctx context.Context, id string) (ir.Entity, error) {
	return getEntity(ctx, t.tx, id)
}

func getEntity(ctx context.Context, q querier, id string) (ir.Entity, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entity{}, ir.NotFound("entity", id)
	}
	if err != nil {
		return ir.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns entities ordered by id.
func (s *Store) ListEntities(ctx context.Context, f EntityFilter) ([]ir.Entity, error) {
	return listEntities(ctx, s.db, f)
}

// ListEntities is Store.ListEntities inside the transaction.
func (t *Tx) ListEntities(ctx context.Context, f EntityFilter) ([]ir.Entity, error) {
	return listEntities(ctx, t.tx, f)
}

func listEntities(ctx context.Context, q querier, f EntityFilter) ([]ir.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE 1 = 1`
	var args []any
	if !f.AllOwners {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if !f.IncludeMerged {
		query += ` AND merged_to_entity_id IS NULL`
	}
	query += ` ORDER BY id COLLATE BINARY ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []ir.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// InsertObservation appends an observation. The id is content-addressed, so
// ON CONFLICT(id) DO NOTHING makes replays of the same fact a no-op.
func (s *Store) InsertObservation(ctx context.Context, obs ir.Observation) (bool, error) {
	return insertObservation(ctx, s.db, obs)
}

// InsertObservation is Store.InsertObservation inside the transaction.
func (t *Tx) InsertObservation(ctx context.Context, obs ir.Observation) (bool, error) {
	return insertObservation(ctx, t.tx, obs)
}

func insertObservation(ctx context.Context, q querier, obs ir.Observation) (bool, error) {
	fields, err := marshalFields(obs.Fields)
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	original := obs.OriginalEntityID
	if original == "" {
		original = obs.EntityID
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO observations
		(id, entity_id, original_entity_id, entity_type, owner_id, schema_version, fields,
		 source_id, interpretation_id, priority, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		obs.ID,
		obs.EntityID,
		original,
		obs.EntityType,
		obs.OwnerID,
		obs.SchemaVersion,
		fields,
		obs.SourceID,
		nullString(obs.InterpretationID),
		obs.Priority,
		micros(obs.ObservedAt),
		micros(obs.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	n, err := affected(res, "insert observation")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const observationColumns = `id, entity_id, original_entity_id, entity_type, owner_id, schema_version,
	fields, source_id, interpretation_id, priority, observed_at, created_at`

func scanObservation(row rowScanner) (ir.Observation, error) {
	var obs ir.Observation
	var fields string
	var interp sql.NullString
	var observed, created int64
	if err := row.Scan(&obs.ID, &obs.EntityID, &obs.OriginalEntityID, &obs.EntityType, &obs.OwnerID,
		&obs.SchemaVersion, &fields, &obs.SourceID, &interp, &obs.Priority, &observed, &created); err != nil {
		return ir.Observation{}, err
	}
	f, err := unmarshalFields(fields)
	if err != nil {
		return ir.Observation{}, err
	}
	obs.Fields = f
	obs.InterpretationID = interp.String
	obs.ObservedAt = fromMicros(observed)
	obs.CreatedAt = fromMicros(created)
	return obs, nil
}

// ListObservations returns an entity's full history ordered by observed_at, id.
func (s *Store) ListObservations(ctx context.Context, entityID string) ([]ir.Observation, error) {
	return listObservations(ctx, s.db, `WHERE entity_id = ?`, entityID)
}

// ListObservationsBySource returns every observation derived from a Source.
func (s *Store) ListObservationsBySource(ctx context.Context, sourceID string) ([]ir.Observation, error) {
	return listObservations(ctx, s.db, `WHERE source_id = ?`, sourceID)
}

// ListObservationsByInterpretation returns the observations one interpretation produced.
func (s *Store) ListObservationsByInterpretation(ctx context.Context, interpretationID string) ([]ir.Observation, error) {
	return listObservations(ctx, s.db, `WHERE interpretation_id = ?`, interpretationID)
}

func listObservations(ctx context.Context, q querier, where string, args ...any) ([]ir.Observation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations `+where+`
		ORDER BY observed_at ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []ir.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("list observations: scan: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return out, nil
}
