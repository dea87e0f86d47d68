// Package registry manages versioned entity schemas and splits payloads into
// schema-valid fields and unknown fields.
//
// Versions are immutable. Registering a changed definition appends a new
// version and atomically makes it the single active version for its
// (entity type, scope); rollback activates an earlier version. Nothing is
// ever edited in place.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// SchemaSource reads the active schema for an (entity type, scope).
// Implemented by *store.Store and by *store.Tx for reads inside a write.
type SchemaSource interface {
	ActiveSchema(ctx context.Context, entityType, scope string) (ir.EntitySchema, error)
}

// Registry is the schema registry.
//
// Thread-safety: safe for concurrent use; all state lives in the store.
type Registry struct {
	rows   *store.Store
	clock  ir.Clock
	logger *slog.Logger
}

// New creates a registry over the row store.
func New(rows *store.Store, clock ir.Clock, logger *slog.Logger) *Registry {
	return &Registry{rows: rows, clock: clock, logger: logger}
}

// Register validates def and stores it as the active version of its
// (entity type, scope). Registering the definition that is already active is
// idempotent and returns the existing version.
func (r *Registry) Register(ctx context.Context, def Definition) (ir.EntitySchema, error) {
	if err := def.Check(); err != nil {
		return ir.EntitySchema{}, err
	}
	hash, err := def.Hash()
	if err != nil {
		return ir.EntitySchema{}, err
	}

	norm := def.normalized()
	sch, created, err := r.rows.RegisterSchema(ctx, ir.EntitySchema{
		EntityType:       def.EntityType,
		Scope:            def.Scope,
		Fields:           def.Fields,
		MergePolicies:    norm.MergePolicies,
		Canonicalization: def.Canonicalization,
		Extraction:       def.Extraction,
		SchemaHash:       hash,
		CreatedAt:        r.clock.Now(),
	})
	if err != nil {
		return ir.EntitySchema{}, fmt.Errorf("register %s: %w", def.EntityType, err)
	}
	if created {
		r.logger.Info("schema registered",
			"entity_type", sch.EntityType, "scope", sch.Scope, "version", sch.Version, "hash", sch.SchemaHash[:12])
	}
	return sch, nil
}

// GetActive returns the active version for exactly (entityType, scope).
func (r *Registry) GetActive(ctx context.Context, entityType, scope string) (ir.EntitySchema, error) {
	return r.rows.ActiveSchema(ctx, entityType, scope)
}

// Resolve returns the schema that governs entityType for ownerID: the owner's
// own active version if one exists, otherwise the global one.
func (r *Registry) Resolve(ctx context.Context, entityType, ownerID string) (ir.EntitySchema, error) {
	return ResolveWith(ctx, r.rows, entityType, ownerID)
}

// ResolveWith is Resolve against an explicit source, typically a transaction.
func ResolveWith(ctx context.Context, src SchemaSource, entityType, ownerID string) (ir.EntitySchema, error) {
	if ownerID != ir.GlobalScope {
		sch, err := src.ActiveSchema(ctx, entityType, ownerID)
		if err == nil {
			return sch, nil
		}
		if !ir.IsNotFound(err) {
			return ir.EntitySchema{}, err
		}
	}
	return src.ActiveSchema(ctx, entityType, ir.GlobalScope)
}

// Activate makes an existing version the active one.
func (r *Registry) Activate(ctx context.Context, entityType, scope string, version int) (ir.EntitySchema, error) {
	sch, err := r.rows.ActivateSchema(ctx, entityType, scope, version)
	if err != nil {
		return ir.EntitySchema{}, err
	}
	r.logger.Info("schema activated", "entity_type", entityType, "scope", scope, "version", version)
	return sch, nil
}

// List returns every version of entityType across scopes.
func (r *Registry) List(ctx context.Context, entityType string) ([]ir.EntitySchema, error) {
	return r.rows.ListSchemas(ctx, entityType)
}
