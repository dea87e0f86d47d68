package engine

import (
	"context"

	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
)

// SchemaResult is the active schema and what promotion moved into it.
type SchemaResult struct {
	Schema    ir.EntitySchema      `json:"schema"`
	Promotion ingest.PromoteResult `json:"promotion"`
}

// RegisterSchema stores def as the active version of its type in the owner's
// scope and promotes raw fragments the new version now covers. An empty
// def.Scope is taken as the owner's scope.
//
// Global schemas change what every owner sees and go through
// RegisterGlobalSchema instead.
func (e *Engine) RegisterSchema(ctx context.Context, ownerID string, def registry.Definition) (SchemaResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return SchemaResult{}, err
	}
	if def.Scope == ir.GlobalScope {
		def.Scope = ownerID
	}
	if err := checkOwner("schema", def.EntityType, def.Scope, ownerID); err != nil {
		return SchemaResult{}, err
	}
	return e.register(ctx, def)
}

// RegisterGlobalSchema stores def as the active global version of its type.
// It is the administrative path: no owner identity applies.
func (e *Engine) RegisterGlobalSchema(ctx context.Context, def registry.Definition) (SchemaResult, error) {
	if def.Scope != ir.GlobalScope {
		return SchemaResult{}, ir.Validation("scope", "a global schema has no scope; use RegisterSchema for owner scopes")
	}
	e.logger.Info("registering global schema", "entity_type", def.EntityType)
	return e.register(ctx, def)
}

func (e *Engine) register(ctx context.Context, def registry.Definition) (SchemaResult, error) {
	sch, err := e.registry.Register(ctx, def)
	if err != nil {
		return SchemaResult{}, err
	}
	return e.promote(ctx, sch)
}

// ActivateSchema makes an earlier version in the owner's scope active again
// and promotes what it covers.
func (e *Engine) ActivateSchema(ctx context.Context, ownerID, entityType string, version int) (SchemaResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return SchemaResult{}, err
	}
	return e.activate(ctx, entityType, ownerID, version)
}

// ActivateGlobalSchema makes an earlier global version active again.
func (e *Engine) ActivateGlobalSchema(ctx context.Context, entityType string, version int) (SchemaResult, error) {
	e.logger.Info("activating global schema", "entity_type", entityType, "version", version)
	return e.activate(ctx, entityType, ir.GlobalScope, version)
}

func (e *Engine) activate(ctx context.Context, entityType, scope string, version int) (SchemaResult, error) {
	sch, err := e.registry.Activate(ctx, entityType, scope, version)
	if err != nil {
		return SchemaResult{}, err
	}
	return e.promote(ctx, sch)
}

func (e *Engine) promote(ctx context.Context, sch ir.EntitySchema) (SchemaResult, error) {
	res, err := e.ingester.Promote(ctx, sch)
	if err != nil {
		return SchemaResult{}, err
	}
	if res.Promoted > 0 {
		e.logger.Info("raw fragments promoted",
			"entity_type", sch.EntityType, "version", sch.Version, "promoted", res.Promoted)
	}
	return SchemaResult{Schema: sch, Promotion: res}, nil
}

// ListSchemas lists every version visible to the owner: its own scope and
// the global one. An empty entityType lists every type.
func (e *Engine) ListSchemas(ctx context.Context, ownerID, entityType string) ([]ir.EntitySchema, error) {
	all, err := e.registry.List(ctx, entityType)
	if err != nil {
		return nil, err
	}
	out := make([]ir.EntitySchema, 0, len(all))
	for _, s := range all {
		if s.Scope == ir.GlobalScope || s.Scope == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ResolveSchema returns the schema governing entityType for the owner.
func (e *Engine) ResolveSchema(ctx context.Context, ownerID, entityType string) (ir.EntitySchema, error) {
	return e.registry.Resolve(ctx, entityType, ownerID)
}
