package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// FragmentFilter narrows ListRawFragments. AllOwners ignores OwnerID, for
// promotion under a global schema.
type FragmentFilter struct {
	OwnerID    string
	AllOwners  bool
	EntityType string
	SourceID   string
}

// InsertRawFragment stores a field that failed validation.
func (s *Store) InsertRawFragment(ctx context.Context, f ir.RawFragment) error {
	return insertRawFragment(ctx, s.db, f)
}

// InsertRawFragment is Store.InsertRawFragment inside the transaction.
func (t *Tx) InsertRawFragment(ctx context.Context, f ir.RawFragment) error {
	return insertRawFragment(ctx, t.tx, f)
}

func insertRawFragment(ctx context.Context, q querier, f ir.RawFragment) error {
	value := string(f.Value)
	if value == "" {
		value = "null"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO raw_fragments
		(id, owner_id, source_id, interpretation_id, entity_type, entity_id, payload_index,
		 field_name, value, reason, priority, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.OwnerID,
		f.SourceID,
		nullString(f.InterpretationID),
		f.EntityType,
		f.EntityID,
		f.PayloadIndex,
		f.FieldName,
		value,
		f.Reason,
		f.Priority,
		micros(f.ObservedAt),
		micros(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert raw fragment: %w", err)
	}
	return nil
}

// ListRawFragments returns fragments ordered by source, payload, field, id.
func (s *Store) ListRawFragments(ctx context.Context, f FragmentFilter) ([]ir.RawFragment, error) {
	return listRawFragments(ctx, s.db, f)
}

// ListRawFragments is Store.ListRawFragments inside the transaction.
func (t *Tx) ListRawFragments(ctx context.Context, f FragmentFilter) ([]ir.RawFragment, error) {
	return listRawFragments(ctx, t.tx, f)
}

func listRawFragments(ctx context.Context, q querier, f FragmentFilter) ([]ir.RawFragment, error) {
	query := `
		SELECT id, owner_id, source_id, interpretation_id, entity_type, entity_id, payload_index,
		       field_name, value, reason, priority, observed_at, created_at
		FROM raw_fragments WHERE 1 = 1`
	var args []any
	if !f.AllOwners {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, f.SourceID)
	}
	query += ` ORDER BY source_id COLLATE BINARY ASC, payload_index ASC, field_name COLLATE BINARY ASC, id COLLATE BINARY ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list raw fragments: %w", err)
	}
	defer rows.Close()

	var out []ir.RawFragment
	for rows.Next() {
		var fr ir.RawFragment
		var interp sql.NullString
		var value string
		var observed, created int64
		if err := rows.Scan(&fr.ID, &fr.OwnerID, &fr.SourceID, &interp, &fr.EntityType, &fr.EntityID,
			&fr.PayloadIndex, &fr.FieldName, &value, &fr.Reason, &fr.Priority, &observed, &created); err != nil {
			return nil, fmt.Errorf("list raw fragments: scan: %w", err)
		}
		fr.InterpretationID = interp.String
		fr.Value = []byte(value)
		fr.ObservedAt = fromMicros(observed)
		fr.CreatedAt = fromMicros(created)
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list raw fragments: %w", err)
	}
	return out, nil
}

// DeleteRawFragment removes a fragment once it has been promoted.
func (t *Tx) DeleteRawFragment(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM raw_fragments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete raw fragment: %w", err)
	}
	return nil
}

// SourceHasDerivations reports whether any observation or raw fragment was
// produced from sourceID.
func (s *Store) SourceHasDerivations(ctx context.Context, sourceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM observations WHERE source_id = ?)
		     + (SELECT COUNT(*) FROM raw_fragments WHERE source_id = ?)
		     + (SELECT COUNT(*) FROM relationship_observations WHERE source_id = ?)
	`, sourceID, sourceID, sourceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("source derivations: %w", err)
	}
	return n > 0, nil
}
