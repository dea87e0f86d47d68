package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ids"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/testutil"
)

type fixture struct {
	rows *store.Store
	reg  *registry.Registry
	in   *Ingester
	src  ir.Source
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rows := testutil.OpenStore(t)
	clock := testutil.NewDeterministicClock(testutil.Epoch, time.Millisecond)
	logger := testutil.Logger(t)
	opts = append([]Option{WithFragmentIDs(ids.NewSequence("frag"))}, opts...)
	return &fixture{
		rows: rows,
		reg:  registry.New(rows, clock, logger),
		in:   New(rows, clock, logger, opts...),
		src:  testutil.SeedSource(t, rows, "alice", `{"batch":1}`, ir.PriorityStructured),
	}
}

func (f *fixture) register(t *testing.T, def registry.Definition) ir.EntitySchema {
	t.Helper()
	sch, err := f.reg.Register(context.Background(), def)
	require.NoError(t, err)
	return sch
}

func (f *fixture) request(t *testing.T, payloads ...ir.EntityPayload) Request {
	t.Helper()
	return Request{
		OwnerID:    "alice",
		SourceID:   f.src.ID,
		Priority:   ir.PriorityStructured,
		ObservedAt: testutil.Epoch,
		Entities:   payloads,
	}
}

func payload(t *testing.T, entityType, fields string) ir.EntityPayload {
	return ir.EntityPayload{EntityType: entityType, Fields: testutil.DecodeJSON(t, fields)}
}

var companyDef = registry.Definition{
	EntityType: "company",
	Fields: []ir.FieldSpec{
		{Name: "name", Type: ir.FieldString, Required: true},
		{Name: "hq", Type: ir.FieldString},
	},
	Canonicalization: ir.CanonicalizationRule{Fields: []ir.CanonicalField{
		{Name: "name", Transforms: []ir.Transform{ir.TransformTrim, ir.TransformLowercase}},
	}},
}

var invoiceDef = registry.Definition{
	EntityType: "invoice",
	Fields: []ir.FieldSpec{
		{Name: "number", Type: ir.FieldString, Required: true},
		{Name: "total", Type: ir.FieldDecimal},
	},
	Canonicalization: ir.CanonicalizationRule{Fields: []ir.CanonicalField{{Name: "number"}}},
	Extraction: []ir.ExtractionRule{
		{EntityType: "company", From: "vendor", Relationship: "billed_by"},
	},
}

func TestIngest_SchemaUnknownRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, companyDef)

	res, err := f.in.Ingest(ctx, f.request(t, payload(t, "company", `{"name": "Acme", "ticker": "ACME"}`)))
	require.NoError(t, err)

	require.Len(t, res.Observations, 1)
	assert.Equal(t, ir.IRObject{"name": ir.IRString("Acme")}, res.Observations[0].Fields)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "ticker", res.Fragments[0].FieldName)
	assert.Equal(t, registry.ReasonUndeclared, res.Fragments[0].Reason)
	assert.Equal(t, res.Observations[0].EntityID, res.Fragments[0].EntityID)
	assert.JSONEq(t, `"ACME"`, string(res.Fragments[0].Value))

	require.Len(t, res.Snapshots, 1)
	snap := res.Snapshots[0]
	assert.Equal(t, ir.IRString("Acme"), snap.Fields["name"])
	assert.Equal(t, res.Observations[0].ID, snap.Provenance["name"])

	stored, err := f.rows.GetEntitySnapshot(ctx, snap.EntityID)
	require.NoError(t, err)
	assert.Equal(t, snap.Fields, stored.Fields)
}

func TestIngest_NoSchemaRoutesEverythingToFragments(t *testing.T) {
	f := newFixture(t)
	res, err := f.in.Ingest(context.Background(), f.request(t, payload(t, "receipt", `{"store": "Corner Shop", "total": 3.20, "note": null}`)))
	require.NoError(t, err)

	assert.Empty(t, res.Observations)
	require.Len(t, res.Fragments, 2)
	assert.Equal(t, "store", res.Fragments[0].FieldName)
	assert.Equal(t, "total", res.Fragments[1].FieldName)
	assert.Equal(t, registry.ReasonNoSchema, res.Fragments[1].Reason)
	assert.Equal(t, "3.20", string(res.Fragments[1].Value), "raw number literal is kept")
}

func TestIngest_MissingIdentityKeepsValuesAsFragments(t *testing.T) {
	f := newFixture(t)
	f.register(t, companyDef)

	res, err := f.in.Ingest(context.Background(), f.request(t, payload(t, "company", `{"hq": "Springfield"}`)))
	require.NoError(t, err)
	assert.Empty(t, res.Observations)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, ReasonNoIdentity, res.Fragments[0].Reason)
	assert.Empty(t, res.Fragments[0].EntityID)

	var messages []string
	for _, w := range res.Warnings {
		messages = append(messages, w.Message)
	}
	assert.Contains(t, messages, "required field missing")
	assert.Contains(t, messages, ReasonNoIdentity)
}

func TestIngest_ExtractionYieldsEntitiesAndRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, companyDef)
	f.register(t, invoiceDef)

	res, err := f.in.Ingest(ctx, f.request(t, payload(t, "invoice", `{
		"number": "INV-1",
		"total": 12.50,
		"vendor": {"name": " ACME ", "hq": "Springfield"}
	}`)))
	require.NoError(t, err)

	require.Len(t, res.Observations, 2)
	assert.Empty(t, res.Fragments, "the vendor object is consumed by extraction")

	invoice, company := res.Observations[0], res.Observations[1]
	assert.Equal(t, "invoice", invoice.EntityType)
	assert.Equal(t, ir.IRString("12.5"), invoice.Fields["total"])
	assert.Equal(t, "company", company.EntityType)

	require.Len(t, res.RelationshipObservations, 1)
	rel := res.RelationshipObservations[0]
	assert.Equal(t, "billed_by", rel.RelationshipType)
	assert.Equal(t, invoice.EntityID, rel.SourceEntityID)
	assert.Equal(t, company.EntityID, rel.TargetEntityID)
	require.Len(t, res.RelationshipSnapshots, 1)
	assert.Equal(t, 1, res.RelationshipSnapshots[0].ObservationCount)

	// The same vendor named differently resolves to the same company.
	again, err := f.in.Ingest(ctx, f.request(t, payload(t, "company", `{"name": "acme"}`)))
	require.NoError(t, err)
	assert.Equal(t, company.EntityID, again.Observations[0].EntityID)
}

func TestIngest_ResubmissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, companyDef)
	req := f.request(t, payload(t, "company", `{"name": "Acme", "hq": "Springfield"}`))

	first, err := f.in.Ingest(ctx, req)
	require.NoError(t, err)
	second, err := f.in.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Observations[0].ID, second.Observations[0].ID)

	obs, err := f.rows.ListObservations(ctx, first.Observations[0].EntityID)
	require.NoError(t, err)
	assert.Len(t, obs, 1)
}

func TestIngest_GuardFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, companyDef)

	req := f.request(t, payload(t, "company", `{"name": "Acme", "ticker": "A"}`))
	req.Guard = func(context.Context, *store.Tx) error { return errors.New("interpretation reaped") }
	_, err := f.in.Ingest(ctx, req)
	require.EqualError(t, err, "interpretation reaped")

	obs, err := f.rows.ListObservationsBySource(ctx, f.src.ID)
	require.NoError(t, err)
	assert.Empty(t, obs)
	frags, err := f.rows.ListRawFragments(ctx, store.FragmentFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestIngest_RejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, Request{OwnerID: "alice", SourceID: f.src.ID})
	assert.True(t, ir.IsValidation(err))

	_, err = f.in.Ingest(ctx, f.request(t, ir.EntityPayload{Fields: map[string]any{"a": "b"}}))
	assert.True(t, ir.IsValidation(err))
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, f.request(t, payload(t, "person", `{"name": "Ada", "email": "ada@example.com"}`)))
	require.NoError(t, err)

	// v1 covers only the name; email stays behind.
	v1 := f.register(t, registry.Definition{
		EntityType: "person",
		Fields:     []ir.FieldSpec{{Name: "name", Type: ir.FieldString}},
	})
	res, err := f.in.Promote(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, ir.PriorityStructured, res.Observations[0].Priority)
	assert.Equal(t, testutil.Epoch, res.Observations[0].ObservedAt)
	personID := res.Observations[0].EntityID

	left, err := f.rows.ListRawFragments(ctx, store.FragmentFilter{OwnerID: "alice", EntityType: "person"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "email", left[0].FieldName)

	// v2 covers email. The group has no entity id and no identity field left,
	// so it cannot be attached and stays put.
	v2 := f.register(t, registry.Definition{
		EntityType: "person",
		Fields:     []ir.FieldSpec{{Name: "name", Type: ir.FieldString}, {Name: "email", Type: ir.FieldString}},
		Canonicalization: ir.CanonicalizationRule{Fields: []ir.CanonicalField{{Name: "name"}}},
	})
	res, err = f.in.Promote(ctx, v2)
	require.NoError(t, err)
	assert.Zero(t, res.Promoted)

	snap, err := f.rows.GetEntitySnapshot(ctx, personID)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Ada"), snap.Fields["name"])
}

func TestPromote_AttachesToResolvedEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, companyDef)

	first, err := f.in.Ingest(ctx, f.request(t, payload(t, "company", `{"name": "Acme", "employees": 40}`)))
	require.NoError(t, err)
	require.Len(t, first.Fragments, 1)

	withEmployees := companyDef
	withEmployees.Fields = append(append([]ir.FieldSpec(nil), companyDef.Fields...), ir.FieldSpec{Name: "employees", Type: ir.FieldInteger})
	v2 := f.register(t, withEmployees)

	res, err := f.in.Promote(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, first.Observations[0].EntityID, res.Snapshots[0].EntityID)
	assert.Equal(t, ir.IRInt(40), res.Snapshots[0].Fields["employees"])
	assert.Equal(t, 2, res.Snapshots[0].ObservationCount)
}

func TestIngestRelationship(t *testing.T) {
	f := newFixture(t, WithGraphPolicy(GraphPolicy{Acyclic: []string{"reports_to"}, MaxDepth: 4}))
	ctx := context.Background()
	f.register(t, companyDef)
	f.register(t, registry.Definition{
		EntityType: "person",
		Fields:     []ir.FieldSpec{{Name: "name", Type: ir.FieldString}},
	})

	res, err := f.in.Ingest(ctx, f.request(t,
		payload(t, "person", `{"name": "a"}`),
		payload(t, "person", `{"name": "b"}`),
		payload(t, "person", `{"name": "c"}`),
	))
	require.NoError(t, err)
	a, b, c := res.Observations[0].EntityID, res.Observations[1].EntityID, res.Observations[2].EntityID

	link := func(src, tgt string, fields map[string]any) error {
		_, err := f.in.IngestRelationship(ctx, RelationshipRequest{
			OwnerID: "alice", SourceID: f.src.ID, Priority: ir.PriorityStructured, ObservedAt: testutil.Epoch,
			RelationshipType: "reports_to", SourceEntityID: src, TargetEntityID: tgt, Fields: fields,
		})
		return err
	}

	require.NoError(t, link(a, b, map[string]any{"since": "2024"}))
	require.NoError(t, link(b, c, nil))
	assert.True(t, ir.IsConflict(link(c, a, nil)), "c -> a closes a cycle")
	assert.True(t, ir.IsValidation(link(a, a, nil)))

	_, err = f.in.IngestRelationship(ctx, RelationshipRequest{
		OwnerID: "bob", SourceID: f.src.ID, RelationshipType: "reports_to", SourceEntityID: a, TargetEntityID: b,
	})
	assert.True(t, ir.IsForbidden(err))

	rels, err := f.rows.ListRelationships(ctx, store.RelationshipFilter{OwnerID: "alice", RelationshipType: "reports_to"})
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}

func TestIngestRelationship_SchemaValidatesFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, companyDef)
	f.register(t, registry.Definition{
		EntityType: "partners_with",
		Fields: []ir.FieldSpec{
			{Name: "since", Type: ir.FieldDate},
			{Name: "region", Type: ir.FieldString, Required: true},
		},
	})

	res, err := f.in.Ingest(ctx, f.request(t,
		payload(t, "company", `{"name": "Acme"}`),
		payload(t, "company", `{"name": "Globex"}`),
	))
	require.NoError(t, err)
	acme, globex := res.Observations[0].EntityID, res.Observations[1].EntityID

	req := RelationshipRequest{
		OwnerID: "alice", SourceID: f.src.ID, RelationshipType: "partners_with",
		SourceEntityID: acme, TargetEntityID: globex,
		Fields: map[string]any{"since": "yesterday", "region": "emea", "tier": "gold"},
	}
	out, err := f.in.IngestRelationship(ctx, req)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.IRObject{"region": ir.IRString("emea")}, out.Observation.Fields))
	require.Len(t, out.Fragments, 2)
	assert.Equal(t, "since", out.Fragments[0].FieldName)
	assert.Equal(t, "tier", out.Fragments[1].FieldName)
	assert.Equal(t, registry.ReasonUndeclared, out.Fragments[1].Reason)
	for _, frag := range out.Fragments {
		assert.Equal(t, "partners_with", frag.EntityType)
		assert.Equal(t, out.Observation.RelationshipKey, frag.EntityID)
	}
	assert.Empty(t, out.Warnings)

	req.Fields = map[string]any{"since": "2020-05-01"}
	out, err = f.in.IngestRelationship(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("2020-05-01"), out.Snapshot.Fields["since"])
	assert.Empty(t, out.Fragments)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, "region", out.Warnings[0].Field)
}

func TestCheckRelationship_WritesNothing(t *testing.T) {
	f := newFixture(t, WithGraphPolicy(GraphPolicy{Acyclic: []string{"owns"}, MaxDepth: 4}))
	ctx := context.Background()
	f.register(t, companyDef)

	res, err := f.in.Ingest(ctx, f.request(t,
		payload(t, "company", `{"name": "Acme"}`),
		payload(t, "company", `{"name": "Globex"}`),
	))
	require.NoError(t, err)
	acme, globex := res.Observations[0].EntityID, res.Observations[1].EntityID

	check := func(owner, src, tgt string) error {
		return f.in.CheckRelationship(ctx, RelationshipRequest{
			OwnerID: owner, RelationshipType: "owns", SourceEntityID: src, TargetEntityID: tgt,
		})
	}
	assert.NoError(t, check("alice", acme, globex))
	assert.True(t, ir.IsValidation(check("alice", acme, acme)))
	assert.True(t, ir.IsForbidden(check("bob", acme, globex)))
	assert.True(t, ir.IsNotFound(check("alice", acme, "ent_missing")))

	rels, err := f.rows.ListRelationships(ctx, store.RelationshipFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestGraphPolicy_DepthBound(t *testing.T) {
	edges := chain{"n0": {"n1"}, "n1": {"n2"}, "n2": {"n3"}, "n3": {"n4"}}
	p := GraphPolicy{Acyclic: []string{"parent_of"}, MaxDepth: 2}

	err := p.CheckEdge(context.Background(), edges, "", "parent_of", "x", "n0")
	assert.True(t, ir.IsConflict(err), "unbounded depth is not assumed acyclic")

	p.MaxDepth = 10
	assert.NoError(t, p.CheckEdge(context.Background(), edges, "", "parent_of", "x", "n0"))
	assert.NoError(t, p.CheckEdge(context.Background(), edges, "", "other", "n4", "n0"), "only listed types are checked")
}

type chain map[string][]string

func (c chain) OutgoingTargets(_ context.Context, _, _, src string) ([]string, error) {
	return c[src], nil
}
