package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/truthlayer/internal/content"
	"github.com/roach88/truthlayer/internal/ids"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
)

// Engine serves the action surface.
//
// Thread-safety model:
//   - every method is safe for concurrent use
//   - writers serialize on the store's single connection
//   - concurrent merges of overlapping entities: the second fails with a conflict
type Engine struct {
	rows     *store.Store
	content  *content.Store
	registry *registry.Registry
	ingester *ingest.Ingester
	fence    *interpret.Fence // nil when interpretation is disabled
	mergeIDs ids.Generator
	clock    ir.Clock
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFence enables interpretation of unstructured sources.
func WithFence(f *interpret.Fence) Option {
	return func(e *Engine) { e.fence = f }
}

// WithMergeIDs replaces the merge audit id generator.
//
// Default: UUIDv7 with prefix "mrg_".
// Tests use ids.NewSequence for stable ids.
func WithMergeIDs(g ids.Generator) Option {
	return func(e *Engine) { e.mergeIDs = g }
}

// New creates an Engine over its collaborators.
func New(
	rows *store.Store,
	cs *content.Store,
	reg *registry.Registry,
	in *ingest.Ingester,
	clock ir.Clock,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		rows:     rows,
		content:  cs,
		registry: reg,
		ingester: in,
		mergeIDs: ids.UUIDv7{Prefix: "mrg_"},
		clock:    clock,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Interpreting reports whether unstructured sources can be interpreted.
func (e *Engine) Interpreting() bool { return e.fence != nil }

// Registry returns the schema registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Source returns a Source the owner may read.
func (e *Engine) Source(ctx context.Context, ownerID, sourceID string) (ir.Source, error) {
	src, err := e.rows.GetSource(ctx, sourceID)
	if err != nil {
		return ir.Source{}, err
	}
	if err := checkOwner("source", src.ID, src.OwnerID, ownerID); err != nil {
		return ir.Source{}, err
	}
	return src, nil
}

// SourceContent returns the stored bytes of a Source the owner may read.
func (e *Engine) SourceContent(ctx context.Context, ownerID, sourceID string) ([]byte, error) {
	if _, err := e.Source(ctx, ownerID, sourceID); err != nil {
		return nil, err
	}
	return e.content.Open(ctx, sourceID)
}
