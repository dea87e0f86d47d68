package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
)

// actionFunc runs one step. It returns the engine result (matched by expect
// and save) and the summary recorded in the trace.
type actionFunc func(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error)

var actions = map[string]actionFunc{
	"register_schema":       registerSchema,
	"activate_schema":       activateSchema,
	"store":                 storeRaw,
	"store_structured":      storeStructured,
	"reinterpret":           reinterpret,
	"correct":               correct,
	"merge_entities":        mergeEntities,
	"merge_relationships":   mergeRelationships,
	"create_relationship":   createRelationship,
	"snapshot":              entitySnapshot,
	"relationship_snapshot": relationshipSnapshot,
	"list_observations":     listObservations,
	"list_entities":         listEntities,
	"list_relationships":    listRelationships,
	"list_fragments":        listFragments,
	"verify":                verify,
	"quota":                 quota,
	"advance":               advance,
}

func registerSchema(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	var def registry.Definition
	if err := remarshal(args, &def); err != nil {
		return nil, nil, ir.Validation("schema", err.Error())
	}
	res, err := registerAs(ctx, h, owner, def)
	if err != nil {
		return nil, nil, err
	}
	return res, schemaSummary(res), nil
}

func activateSchema(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	entityType, version := argString(args, "entity_type"), argInt(args, "version")
	var res engine.SchemaResult
	var err error
	if owner == "" {
		res, err = h.engine.ActivateGlobalSchema(ctx, entityType, version)
	} else {
		res, err = h.engine.ActivateSchema(ctx, owner, entityType, version)
	}
	if err != nil {
		return nil, nil, err
	}
	return res, schemaSummary(res), nil
}

// registerAs registers def in owner's scope, or globally when owner is the
// null owner.
func registerAs(ctx context.Context, h *Harness, owner string, def registry.Definition) (engine.SchemaResult, error) {
	if owner == "" {
		return h.engine.RegisterGlobalSchema(ctx, def)
	}
	return h.engine.RegisterSchema(ctx, owner, def)
}

func schemaSummary(res engine.SchemaResult) map[string]any {
	return map[string]any{
		"entity_type": res.Schema.EntityType,
		"version":     res.Schema.Version,
		"promoted":    res.Promotion.Promoted,
	}
}

func storeRaw(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	res, err := h.engine.Store(ctx, engine.StoreRequest{
		OwnerID:   owner,
		Data:      []byte(argString(args, "data")),
		MimeType:  argString(args, "mime_type"),
		Interpret: argBool(args, "interpret"),
	})
	if err != nil {
		return nil, nil, err
	}
	return res, storeSummary(res), nil
}

func reinterpret(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	res, err := h.engine.Reinterpret(ctx, owner, argString(args, "source_id"))
	if err != nil {
		return nil, nil, err
	}
	return res, storeSummary(res), nil
}

func storeSummary(res engine.StoreResult) map[string]any {
	s := ingestSummary(res.Deduplicated, res.Result)
	if res.Interpretation != nil {
		s["interpretation"] = string(res.Interpretation.Status)
	}
	return s
}

func storeStructured(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	entities, err := decodePayloads(args["entities"])
	if err != nil {
		return nil, nil, err
	}
	res, err := h.engine.StoreStructured(ctx, owner, entities)
	if err != nil {
		return nil, nil, err
	}
	return res, ingestSummary(res.Deduplicated, res.Result), nil
}

func ingestSummary(deduplicated bool, r ingest.Result) map[string]any {
	return map[string]any{
		"deduplicated": deduplicated,
		"observations": len(r.Observations),
		"fragments":    len(r.Fragments),
		"warnings":     len(r.Warnings),
	}
}

func correct(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	res, err := h.engine.Correct(ctx, engine.CorrectRequest{
		OwnerID:  owner,
		EntityID: argString(args, "entity_id"),
		Field:    argString(args, "field"),
		Value:    args["value"],
	})
	if err != nil {
		return nil, nil, err
	}
	s := map[string]any{"observations": len(res.Observations)}
	if len(res.Snapshots) > 0 {
		snap := res.Snapshots[0]
		s["fields"] = plainObject(snap.Fields)
		s["observation_count"] = snap.ObservationCount
	}
	return res, s, nil
}

func mergeEntities(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	res, err := h.engine.MergeEntities(ctx, engine.MergeRequest{
		OwnerID: owner,
		FromID:  argString(args, "from"),
		ToID:    argString(args, "to"),
		Actor:   argString(args, "actor"),
	})
	if err != nil {
		return nil, nil, err
	}
	return res, map[string]any{
		"moved":             res.Merge.ObservationCountMoved,
		"fields":            plainObject(res.Snapshot.Fields),
		"observation_count": res.Snapshot.ObservationCount,
	}, nil
}

func mergeRelationships(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	res, err := h.engine.MergeRelationships(ctx, engine.MergeRequest{
		OwnerID: owner,
		FromID:  argString(args, "from"),
		ToID:    argString(args, "to"),
		Actor:   argString(args, "actor"),
	})
	if err != nil {
		return nil, nil, err
	}
	return res, map[string]any{
		"moved":             res.Merge.ObservationCountMoved,
		"fields":            plainObject(res.Snapshot.Fields),
		"observation_count": res.Snapshot.ObservationCount,
	}, nil
}

func createRelationship(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	fields, _ := args["fields"].(map[string]any)
	res, err := h.engine.CreateRelationship(ctx, engine.RelationshipRequest{
		OwnerID:          owner,
		RelationshipType: argString(args, "relationship_type"),
		SourceEntityID:   argString(args, "source"),
		TargetEntityID:   argString(args, "target"),
		Fields:           numbersAsJSON(fields),
	})
	if err != nil {
		return nil, nil, err
	}
	return res, h.relationshipSummary(res.Snapshot), nil
}

func (h *Harness) relationshipSummary(snap ir.RelationshipSnapshot) map[string]any {
	s := map[string]any{
		"relationship_type": snap.RelationshipType,
		"fields":            plainObject(snap.Fields),
		"observation_count": snap.ObservationCount,
	}
	if a := h.alias(snap.SourceEntityID); a != "" {
		s["source"] = a
	}
	if a := h.alias(snap.TargetEntityID); a != "" {
		s["target"] = a
	}
	return s
}

func entitySnapshot(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	view, err := h.engine.RetrieveEntitySnapshot(ctx, owner, argString(args, "entity_id"))
	if err != nil {
		return nil, nil, err
	}
	return view, map[string]any{
		"entity_type":       view.Snapshot.EntityType,
		"fields":            plainObject(view.Snapshot.Fields),
		"observation_count": view.Snapshot.ObservationCount,
		"redirected":        view.RedirectedFrom != "",
	}, nil
}

func relationshipSnapshot(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	view, err := h.engine.RetrieveRelationshipSnapshot(ctx, owner, argString(args, "key"))
	if err != nil {
		return nil, nil, err
	}
	s := h.relationshipSummary(view.Snapshot)
	s["redirected"] = view.RedirectedFrom != ""
	return view, s, nil
}

func listObservations(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	obs, err := h.engine.ListObservations(ctx, owner, argString(args, "entity_id"))
	if err != nil {
		return nil, nil, err
	}
	return obs, countSummary(len(obs)), nil
}

func listEntities(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	ents, err := h.engine.ListEntities(ctx, owner, engine.EntityFilter{
		EntityType:    argString(args, "entity_type"),
		IncludeMerged: argBool(args, "include_merged"),
	})
	if err != nil {
		return nil, nil, err
	}
	return ents, countSummary(len(ents)), nil
}

func listRelationships(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	rels, err := h.engine.ListRelationships(ctx, owner, engine.RelationshipFilter{
		EntityID:         argString(args, "entity_id"),
		RelationshipType: argString(args, "relationship_type"),
		IncludeMerged:    argBool(args, "include_merged"),
	})
	if err != nil {
		return nil, nil, err
	}
	return rels, countSummary(len(rels)), nil
}

func listFragments(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	frags, err := h.engine.ListRawFragments(ctx, owner, argString(args, "entity_type"))
	if err != nil {
		return nil, nil, err
	}
	return frags, countSummary(len(frags)), nil
}

func countSummary(n int) map[string]any {
	return map[string]any{"count": n}
}

func verify(ctx context.Context, h *Harness, owner string, args map[string]any) (any, map[string]any, error) {
	report, err := h.engine.Verify(ctx, owner, argBool(args, "repair"))
	if err != nil {
		return nil, nil, err
	}
	return report, map[string]any{
		"entities":      report.Entities,
		"relationships": report.Relationships,
		"drifts":        len(report.Drifts),
	}, nil
}

func quota(ctx context.Context, h *Harness, owner string, _ map[string]any) (any, map[string]any, error) {
	q, err := h.engine.Quota(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	return q, map[string]any{"used": q.Used, "limit": q.Limit}, nil
}

// advance moves the deterministic clock, e.g. past a lease timeout.
func advance(_ context.Context, h *Harness, _ string, args map[string]any) (any, map[string]any, error) {
	d, err := time.ParseDuration(argString(args, "duration"))
	if err != nil {
		return nil, nil, ir.Validation("duration", err.Error())
	}
	h.clock.Advance(d)
	return map[string]any{"now": h.clock.Peek()}, map[string]any{"duration": d.String()}, nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// numbersAsJSON rewrites YAML numbers as json.Number, the form payloads
// arrive in from the wire.
func numbersAsJSON(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = numberAsJSON(v)
	}
	return out
}

func numberAsJSON(v any) any {
	switch val := v.(type) {
	case int:
		return json.Number(fmt.Sprint(val))
	case int64:
		return json.Number(fmt.Sprint(val))
	case float64:
		return json.Number(fmt.Sprint(val))
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = numberAsJSON(e)
		}
		return out
	case map[string]any:
		return numbersAsJSON(val)
	}
	return v
}

// plainObject converts IR values to the plain Go values canonical JSON
// accepts.
func plainObject(obj ir.IRObject) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if p, ok := plain(v); ok {
			out[k] = p
		}
	}
	return out
}

func plain(v ir.IRValue) (any, bool) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), true
	case ir.IRInt:
		return int64(val), true
	case ir.IRBool:
		return bool(val), true
	case ir.IRArray:
		out := make([]any, 0, len(val))
		for _, e := range val {
			if p, ok := plain(e); ok {
				out = append(out, p)
			}
		}
		return out, true
	case ir.IRObject:
		return plainObject(val), true
	}
	return nil, false
}
