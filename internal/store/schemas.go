package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// schemaBody is the persisted definition of one schema version.
type schemaBody struct {
	Fields           []ir.FieldSpec            `json:"fields"`
	MergePolicies    map[string]ir.MergePolicy `json:"merge_policies,omitempty"`
	Canonicalization ir.CanonicalizationRule   `json:"canonicalization"`
	Extraction       []ir.ExtractionRule       `json:"extraction,omitempty"`
}

const schemaColumns = `id, entity_type, scope, version, definition, schema_hash, active, created_at`

func scanSchema(row rowScanner) (ir.EntitySchema, error) {
	var sch ir.EntitySchema
	var def string
	var active int
	var created int64
	if err := row.Scan(&sch.ID, &sch.EntityType, &sch.Scope, &sch.Version, &def,
		&sch.SchemaHash, &active, &created); err != nil {
		return ir.EntitySchema{}, err
	}
	var body schemaBody
	if err := json.Unmarshal([]byte(def), &body); err != nil {
		return ir.EntitySchema{}, fmt.Errorf("decode schema %s: %w", sch.ID, err)
	}
	sch.Fields = body.Fields
	sch.MergePolicies = body.MergePolicies
	sch.Canonicalization = body.Canonicalization
	sch.Extraction = body.Extraction
	sch.Active = active == 1
	sch.CreatedAt = fromMicros(created)
	return sch, nil
}

// RegisterSchema appends a new version for (entity_type, scope) and makes it
// the only active one. If the active version already carries the same
// schema_hash it is returned unchanged with created=false.
//
// Version numbering, deactivation and insert happen in one immediate
// transaction, so two concurrent registrations never share a version.
func (s *Store) RegisterSchema(ctx context.Context, sch ir.EntitySchema) (out ir.EntitySchema, created bool, err error) {
	body, err := json.Marshal(schemaBody{
		Fields:           sch.Fields,
		MergePolicies:    sch.MergePolicies,
		Canonicalization: sch.Canonicalization,
		Extraction:       sch.Extraction,
	})
	if err != nil {
		return ir.EntitySchema{}, false, fmt.Errorf("register schema: encode: %w", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		active, err := scanSchema(tx.tx.QueryRowContext(ctx,
			`SELECT `+schemaColumns+` FROM entity_schemas WHERE entity_type = ? AND scope = ? AND active = 1`,
			sch.EntityType, sch.Scope))
		switch {
		case err == nil && active.SchemaHash == sch.SchemaHash:
			out = active
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select active: %w", err)
		}

		var maxVersion int
		if err := tx.tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM entity_schemas WHERE entity_type = ? AND scope = ?`,
			sch.EntityType, sch.Scope).Scan(&maxVersion); err != nil {
			return fmt.Errorf("max version: %w", err)
		}

		sch.Version = maxVersion + 1
		sch.Active = true
		sch.ID, err = ir.SchemaVersionID(sch.EntityType, sch.Scope, sch.Version, sch.SchemaHash)
		if err != nil {
			return err
		}

		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE entity_schemas SET active = 0 WHERE entity_type = ? AND scope = ? AND active = 1`,
			sch.EntityType, sch.Scope); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO entity_schemas (id, entity_type, scope, version, definition, schema_hash, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		`, sch.ID, sch.EntityType, sch.Scope, sch.Version, string(body), sch.SchemaHash, micros(sch.CreatedAt)); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		out = sch
		created = true
		return nil
	})
	if err != nil {
		return ir.EntitySchema{}, false, fmt.Errorf("register schema: %w", err)
	}
	return out, created, nil
}

// ActiveSchema returns the active version for (entity_type, scope).
func (s *Store) ActiveSchema(ctx context.Context, entityType, scope string) (ir.EntitySchema, error) {
	return activeSchema(ctx, s.db, entityType, scope)
}

// ActiveSchema is Store.ActiveSchema inside the transaction.
func (t *Tx) ActiveSchema(ctx context.Context, entityType, scope string) (ir.EntitySchema, error) {
	return activeSchema(ctx, t.tx, entityType, scope)
}

func activeSchema(ctx context.Context, q querier, entityType, scope string) (ir.EntitySchema, error) {
	sch, err := scanSchema(q.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM entity_schemas WHERE entity_type = ? AND scope = ? AND active = 1`,
		entityType, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EntitySchema{}, ir.NotFound("schema", schemaRef(entityType, scope))
	}
	if err != nil {
		return ir.EntitySchema{}, fmt.Errorf("active schema: %w", err)
	}
	return sch, nil
}

// SchemaVersion returns one specific version.
func (s *Store) SchemaVersion(ctx context.Context, entityType, scope string, version int) (ir.EntitySchema, error) {
	sch, err := scanSchema(s.db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM entity_schemas WHERE entity_type = ? AND scope = ? AND version = ?`,
		entityType, scope, version))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EntitySchema{}, ir.NotFound("schema", fmt.Sprintf("%s@v%d", schemaRef(entityType, scope), version))
	}
	if err != nil {
		return ir.EntitySchema{}, fmt.Errorf("schema version: %w", err)
	}
	return sch, nil
}

// ActivateSchema makes an existing version the active one.
func (s *Store) ActivateSchema(ctx context.Context, entityType, scope string, version int) (ir.EntitySchema, error) {
	var out ir.EntitySchema
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx,
			`UPDATE entity_schemas SET active = 0 WHERE entity_type = ? AND scope = ? AND active = 1 AND version != ?`,
			entityType, scope, version)
		if err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE entity_schemas SET active = 1 WHERE entity_type = ? AND scope = ? AND version = ?`,
			entityType, scope, version)
		if err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		n, err := affected(res, "activate")
		if err != nil {
			return err
		}
		if n == 0 {
			return ir.NotFound("schema", fmt.Sprintf("%s@v%d", schemaRef(entityType, scope), version))
		}
		out, err = scanSchema(tx.tx.QueryRowContext(ctx,
			`SELECT `+schemaColumns+` FROM entity_schemas WHERE entity_type = ? AND scope = ? AND version = ?`,
			entityType, scope, version))
		return err
	})
	if err != nil {
		return ir.EntitySchema{}, fmt.Errorf("activate schema: %w", err)
	}
	return out, nil
}

// ListSchemas returns every version, optionally filtered by entity type,
// ordered by entity_type, scope, version.
func (s *Store) ListSchemas(ctx context.Context, entityType string) ([]ir.EntitySchema, error) {
	query := `SELECT ` + schemaColumns + ` FROM entity_schemas`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY entity_type COLLATE BINARY ASC, scope COLLATE BINARY ASC, version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var out []ir.EntitySchema
	for rows.Next() {
		sch, err := scanSchema(rows)
		if err != nil {
			return nil, fmt.Errorf("list schemas: %w", err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	return out, nil
}

func schemaRef(entityType, scope string) string {
	if scope == ir.GlobalScope {
		return entityType
	}
	return entityType + "/" + scope
}
