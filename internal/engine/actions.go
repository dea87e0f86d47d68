package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/content"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
)

// StoreRequest is one raw payload submission.
type StoreRequest struct {
	OwnerID   string
	Data      []byte
	MimeType  string
	Interpret bool
}

// StoreResult is the stored Source and, when interpretation ran (or had
// already run), what it produced.
type StoreResult struct {
	Source         ir.Source          `json:"source"`
	Deduplicated   bool               `json:"deduplicated"`
	Interpretation *ir.Interpretation `json:"interpretation,omitempty"`
	Result         ingest.Result      `json:"result"`
}

// Store puts a payload into the content store and optionally interprets it.
//
// Re-storing identical bytes is idempotent: the existing Source is returned
// with Deduplicated set, and when it already has a completed interpretation
// its observations are returned instead of interpreting again. Use
// Reinterpret to force a new attempt.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if err := requireOwner(req.OwnerID); err != nil {
		return StoreResult{}, err
	}
	if req.Interpret && e.fence == nil {
		return StoreResult{}, ir.Validation("interpret", "no interpreter is configured")
	}

	priority := ir.PriorityStructured
	if req.Interpret {
		priority = ir.PriorityAI
	}
	put, err := e.content.Put(ctx, content.PutRequest{
		OwnerID:  req.OwnerID,
		Data:     req.Data,
		MimeType: req.MimeType,
		Priority: priority,
	})
	if err != nil {
		return StoreResult{}, err
	}
	out := StoreResult{Source: put.Source, Deduplicated: put.Deduplicated}
	if !req.Interpret {
		return out, nil
	}

	if put.Deduplicated {
		prior, ok, err := e.completedInterpretation(ctx, put.Source.ID)
		if err != nil {
			return StoreResult{}, err
		}
		if ok {
			obs, err := e.rows.ListObservationsByInterpretation(ctx, prior.ID)
			if err != nil {
				return StoreResult{}, err
			}
			out.Interpretation = &prior
			out.Result = ingest.Result{Observations: obs}
			return out, nil
		}
	}

	run, err := e.fence.Run(ctx, req.OwnerID, put.Source)
	if err != nil {
		return StoreResult{}, err
	}
	out.Interpretation = &run.Interpretation
	out.Result = run.Result
	return out, nil
}

// completedInterpretation returns the most recent completed interpretation
// of a source.
func (e *Engine) completedInterpretation(ctx context.Context, sourceID string) (ir.Interpretation, bool, error) {
	list, err := e.rows.ListInterpretations(ctx, sourceID)
	if err != nil {
		return ir.Interpretation{}, false, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == ir.InterpretationCompleted {
			return list[i], true, nil
		}
	}
	return ir.Interpretation{}, false, nil
}

// StructuredResult is the stored Source and the ingestion it produced.
type StructuredResult struct {
	Source       ir.Source     `json:"source"`
	Deduplicated bool          `json:"deduplicated"`
	Result       ingest.Result `json:"result"`
}

// StoreStructured ingests entity payloads without interpretation.
//
// The payloads are serialized into a JSON Source first so every observation
// has one. A re-submission of identical payloads deduplicates to that Source
// and returns its observations without writing anything.
func (e *Engine) StoreStructured(ctx context.Context, ownerID string, entities []ir.EntityPayload) (StructuredResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return StructuredResult{}, err
	}
	if len(entities) == 0 {
		return StructuredResult{}, ir.Validation("entities", "at least one entity payload is required")
	}

	body, err := json.Marshal(struct {
		Entities []ir.EntityPayload `json:"entities"`
	}{entities})
	if err != nil {
		return StructuredResult{}, ir.Validation("entities", err.Error())
	}
	put, err := e.content.Put(ctx, content.PutRequest{
		OwnerID:  ownerID,
		Data:     body,
		MimeType: "application/json",
		Priority: ir.PriorityStructured,
	})
	if err != nil {
		return StructuredResult{}, err
	}
	out := StructuredResult{Source: put.Source, Deduplicated: put.Deduplicated}

	if put.Deduplicated {
		derived, err := e.rows.SourceHasDerivations(ctx, put.Source.ID)
		if err != nil {
			return StructuredResult{}, err
		}
		if derived {
			obs, err := e.rows.ListObservationsBySource(ctx, put.Source.ID)
			if err != nil {
				return StructuredResult{}, err
			}
			out.Result = ingest.Result{Observations: obs}
			return out, nil
		}
	}

	res, err := e.ingester.Ingest(ctx, ingest.Request{
		OwnerID:    ownerID,
		SourceID:   put.Source.ID,
		Priority:   ir.PriorityStructured,
		ObservedAt: put.Source.CreatedAt,
		Entities:   entities,
	})
	if err != nil {
		return StructuredResult{}, err
	}
	out.Result = res
	return out, nil
}

// DecodeEntities parses a {"entities": [...]} document the way
// StoreStructured serializes one. Numbers stay json.Number so decimals keep
// their literal text.
func DecodeEntities(data []byte) ([]ir.EntityPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc struct {
		Entities []ir.EntityPayload `json:"entities"`
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, ir.Validation("entities", fmt.Sprintf("unparseable payload: %v", err))
	}
	if len(doc.Entities) == 0 {
		return nil, ir.Validation("entities", "at least one entity payload is required")
	}
	for i := range doc.Entities {
		if doc.Entities[i].Fields == nil {
			doc.Entities[i].Fields = map[string]any{}
		}
	}
	return doc.Entities, nil
}

// Reinterpret runs a new interpretation on an existing Source. Observations
// of earlier interpretations are never touched.
func (e *Engine) Reinterpret(ctx context.Context, ownerID, sourceID string) (StoreResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return StoreResult{}, err
	}
	if e.fence == nil {
		return StoreResult{}, ir.Validation("interpret", "no interpreter is configured")
	}
	src, err := e.Source(ctx, ownerID, sourceID)
	if err != nil {
		return StoreResult{}, err
	}
	run, err := e.fence.Run(ctx, ownerID, src)
	if err != nil {
		return StoreResult{}, err
	}
	return StoreResult{Source: src, Interpretation: &run.Interpretation, Result: run.Result}, nil
}

// CorrectRequest overrides one field of one entity.
type CorrectRequest struct {
	OwnerID  string
	EntityID string
	Field    string
	Value    any
}

// Correct writes a priority-1000 observation for one field. The correction
// is backed by its own Source recording what was corrected and when, so two
// identical corrections at different times are two observations.
//
// A correction against a merged entity lands on the merge target. The field
// must be declared by the governing schema and the value must coerce to its
// type.
func (e *Engine) Correct(ctx context.Context, req CorrectRequest) (ingest.Result, error) {
	if err := requireOwner(req.OwnerID); err != nil {
		return ingest.Result{}, err
	}
	if req.Field == "" {
		return ingest.Result{}, ir.Validation("field", "field is required")
	}
	if req.Value == nil {
		return ingest.Result{}, ir.Validation(req.Field, "a correction needs a value")
	}
	ent, err := e.liveEntity(ctx, req.OwnerID, req.EntityID)
	if err != nil {
		return ingest.Result{}, err
	}

	schema, err := e.registry.Resolve(ctx, ent.EntityType, req.OwnerID)
	if ir.IsNotFound(err) {
		return ingest.Result{}, ir.Validation("entity_type", fmt.Sprintf("%s has no schema to correct against", ent.EntityType))
	}
	if err != nil {
		return ingest.Result{}, err
	}
	spec, ok := schema.Field(req.Field)
	if !ok {
		return ingest.Result{}, ir.Validation(req.Field, fmt.Sprintf("not declared by %s v%d", schema.EntityType, schema.Version))
	}
	if _, err := registry.Coerce(spec.Type, spec.Items, req.Value); err != nil {
		return ingest.Result{}, ir.Validation(req.Field, err.Error())
	}

	now := e.clock.Now()
	body, err := json.Marshal(map[string]any{
		"entity_id":    ent.ID,
		"field":        req.Field,
		"value":        req.Value,
		"corrected_at": now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ingest.Result{}, ir.Validation(req.Field, err.Error())
	}
	put, err := e.content.Put(ctx, content.PutRequest{
		OwnerID:  req.OwnerID,
		Data:     body,
		MimeType: "application/json",
		Priority: ir.PriorityCorrection,
	})
	if err != nil {
		return ingest.Result{}, err
	}

	res, err := e.ingester.Ingest(ctx, ingest.Request{
		OwnerID:    req.OwnerID,
		SourceID:   put.Source.ID,
		Priority:   ir.PriorityCorrection,
		ObservedAt: now,
		Entities: []ir.EntityPayload{{
			EntityType: ent.EntityType,
			EntityID:   ent.ID,
			Fields:     map[string]any{req.Field: req.Value},
		}},
	})
	if err != nil {
		return ingest.Result{}, err
	}
	e.logger.Info("entity corrected", "entity_id", ent.ID, "field", req.Field, "source_id", put.Source.ID)
	return res, nil
}
