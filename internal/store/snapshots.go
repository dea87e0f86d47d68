package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// EntityReduceFunc folds an entity's full observation history into a snapshot.
// It runs inside the recompute transaction and may read through tx only.
type EntityReduceFunc func(ctx context.Context, tx *Tx, e ir.Entity, obs []ir.Observation) (ir.EntitySnapshot, error)

// RecomputeEntitySnapshot reads the entity and all of its observations and
// replaces its snapshot wholesale, in one transaction. A reduce error rolls
// the transaction back so no partial snapshot is ever written.
//
// A merged entity, or one with no observations, has its snapshot removed and
// a zero snapshot is returned.
func (s *Store) RecomputeEntitySnapshot(ctx context.Context, entityID string, reduce EntityReduceFunc) (ir.EntitySnapshot, error) {
	var snap ir.EntitySnapshot
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		snap, err = tx.RecomputeEntitySnapshot(ctx, entityID, reduce)
		return err
	})
	if err != nil {
		return ir.EntitySnapshot{}, err
	}
	return snap, nil
}

// RecomputeEntitySnapshot is Store.RecomputeEntitySnapshot inside the transaction.
func (t *Tx) RecomputeEntitySnapshot(ctx context.Context, entityID string, reduce EntityReduceFunc) (ir.EntitySnapshot, error) {
	e, err := getEntity(ctx, t.tx, entityID)
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("recompute %s: %w", entityID, err)
	}
	obs, err := listObservations(ctx, t.tx, `WHERE entity_id = ?`, entityID)
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("recompute %s: %w", entityID, err)
	}
	if e.Merged() || len(obs) == 0 {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM entity_snapshots WHERE entity_id = ?`, entityID); err != nil {
			return ir.EntitySnapshot{}, fmt.Errorf("recompute %s: drop snapshot: %w", entityID, err)
		}
		return ir.EntitySnapshot{}, nil
	}

	snap, err := reduce(ctx, t, e, obs)
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("recompute %s: %w", entityID, err)
	}
	if err := putEntitySnapshot(ctx, t.tx, snap); err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("recompute %s: %w", entityID, err)
	}
	return snap, nil
}

func putEntitySnapshot(ctx context.Context, q querier, snap ir.EntitySnapshot) error {
	fields, err := marshalFields(snap.Fields)
	if err != nil {
		return err
	}
	prov, err := marshalProvenance(snap.Provenance)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entity_snapshots
		(entity_id, entity_type, owner_id, schema_version, fields, provenance,
		 observation_count, last_observation_at, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			owner_id = excluded.owner_id,
			schema_version = excluded.schema_version,
			fields = excluded.fields,
			provenance = excluded.provenance,
			observation_count = excluded.observation_count,
			last_observation_at = excluded.last_observation_at,
			computed_at = excluded.computed_at
	`,
		snap.EntityID,
		snap.EntityType,
		snap.OwnerID,
		snap.SchemaVersion,
		fields,
		prov,
		snap.ObservationCount,
		micros(snap.LastObservationAt),
		micros(snap.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("put entity snapshot: %w", err)
	}
	return nil
}

const entitySnapshotColumns = `entity_id, entity_type, owner_id, schema_version, fields, provenance,
	observation_count, last_observation_at, computed_at`

func scanEntitySnapshot(row rowScanner) (ir.EntitySnapshot, error) {
	var snap ir.EntitySnapshot
	var fields, prov string
	var last, computed int64
	if err := row.Scan(&snap.EntityID, &snap.EntityType, &snap.OwnerID, &snap.SchemaVersion,
		&fields, &prov, &snap.ObservationCount, &last, &computed); err != nil {
		return ir.EntitySnapshot{}, err
	}
	f, err := unmarshalFields(fields)
	if err != nil {
		return ir.EntitySnapshot{}, err
	}
	p, err := unmarshalProvenance(prov)
	if err != nil {
		return ir.EntitySnapshot{}, err
	}
	snap.Fields = f
	snap.Provenance = p
	snap.LastObservationAt = fromMicros(last)
	snap.ComputedAt = fromMicros(computed)
	return snap, nil
}

// GetEntitySnapshot returns the stored snapshot for an entity.
func (s *Store) GetEntitySnapshot(ctx context.Context, entityID string) (ir.EntitySnapshot, error) {
	snap, err := scanEntitySnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+entitySnapshotColumns+` FROM entity_snapshots WHERE entity_id = ?`, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EntitySnapshot{}, ir.NotFound("snapshot", entityID)
	}
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("get entity snapshot: %w", err)
	}
	return snap, nil
}
