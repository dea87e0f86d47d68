package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFieldNaming(t *testing.T) {
	obs := Observation{
		ID:               "obs-1",
		EntityID:         "ent_1",
		OriginalEntityID: "ent_1",
		EntityType:       "company",
		OwnerID:          "owner-1",
		SchemaVersion:    2,
		Fields:           IRObject{"name": IRString("Acme")},
		SourceID:         "src-1",
		InterpretationID: "int-1",
		Priority:         PriorityAI,
	}
	data, err := json.Marshal(obs)
	require.NoError(t, err)

	for _, tag := range []string{
		`"entity_id"`, `"original_entity_id"`, `"entity_type"`, `"owner_id"`,
		`"schema_version"`, `"source_id"`, `"interpretation_id"`, `"observed_at"`,
	} {
		assert.Contains(t, string(data), tag)
	}
	assert.NotContains(t, string(data), `"entityId"`)
	assert.NotContains(t, string(data), `"EntityID"`)
}

func TestOmitEmptyOwner(t *testing.T) {
	data, err := json.Marshal(Source{ID: "s", ContentHash: "h", StorageStatus: StorageStored})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"owner_id"`)
	assert.NotContains(t, string(data), `"storage_location"`)
	assert.Contains(t, string(data), `"storage_status":"stored"`)
}

func TestEmptyStructMarshaling(t *testing.T) {
	tests := []struct {
		name string
		val  any
	}{
		{"Source", Source{}},
		{"Interpretation", Interpretation{}},
		{"Observation", Observation{}},
		{"Entity", Entity{}},
		{"EntitySnapshot", EntitySnapshot{}},
		{"Relationship", Relationship{}},
		{"RelationshipObservation", RelationshipObservation{}},
		{"RelationshipSnapshot", RelationshipSnapshot{}},
		{"EntityMerge", EntityMerge{}},
		{"RelationshipMerge", RelationshipMerge{}},
		{"RawFragment", RawFragment{Value: json.RawMessage(`null`)}},
		{"EntitySchema", EntitySchema{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := json.Marshal(tt.val)
			require.NoError(t, err, "empty %s should marshal", tt.name)
		})
	}
}

func TestEntitySnapshotRoundTrip(t *testing.T) {
	computed := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	snap := EntitySnapshot{
		EntityID:          "ent_abc",
		EntityType:        "company",
		SchemaVersion:     1,
		Fields:            IRObject{"name": IRString("Acme"), "tags": IRArray{IRString("b2b")}},
		Provenance:        map[string]string{"name": "obs-1", "tags": "obs-2"},
		ObservationCount:  2,
		LastObservationAt: computed,
		ComputedAt:        computed,
	}

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded EntitySnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, snap.EntityID, decoded.EntityID)
	assert.True(t, Equal(snap.Fields, decoded.Fields))
	assert.Equal(t, snap.Provenance, decoded.Provenance)
	assert.True(t, snap.ComputedAt.Equal(decoded.ComputedAt))
}

func TestEntity_Merged(t *testing.T) {
	assert.False(t, Entity{ID: "ent_a"}.Merged())
	assert.True(t, Entity{ID: "ent_a", MergedToEntityID: "ent_b"}.Merged())
}

func TestRelationship_Merged(t *testing.T) {
	assert.False(t, Relationship{Key: "rel_a"}.Merged())
	assert.True(t, Relationship{Key: "rel_a", MergedToKey: "rel_b"}.Merged())
}

func TestEntitySchema_Field(t *testing.T) {
	s := EntitySchema{Fields: []FieldSpec{{Name: "name"}, {Name: "revenue"}}}

	f, ok := s.Field("revenue")
	require.True(t, ok)
	assert.Equal(t, "revenue", f.Name)

	_, ok = s.Field("missing")
	assert.False(t, ok)
}

func TestEntitySchema_Policy(t *testing.T) {
	s := EntitySchema{MergePolicies: map[string]MergePolicy{
		"name": {Strategy: StrategyHighestPriority},
	}}

	p := s.Policy("name")
	assert.Equal(t, StrategyHighestPriority, p.Strategy)
	assert.Equal(t, TieBreakLatest, p.TieBreaker)

	assert.Equal(t, DefaultMergePolicy, s.Policy("unset"))
}

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", NotFound("entity", "ent_x"), "not_found: entity not found (entity=ent_x)"},
		{"validation", Validation("revenue", "expected integer"), "validation: expected integer (field=revenue)"},
		{"forbidden", Forbidden("source", "s1"), "forbidden: resource belongs to another owner (source=s1)"},
		{
			"wrapped cause",
			&Error{Kind: KindConflict, Message: "merge collision", Err: errors.New("row changed")},
			"conflict: merge collision: row changed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_KindThroughWrapping(t *testing.T) {
	base := QuotaExceeded("owner-1", "2026-03", 10)
	wrapped := fmt.Errorf("interpret: %w", base)

	assert.Equal(t, KindQuotaExceeded, KindOf(wrapped))
	assert.True(t, IsQuotaExceeded(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Contains(t, base.Message, "10")
	assert.Contains(t, base.Message, "2026-03")
}

func TestError_Predicates(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("entity", "e")))
	assert.True(t, IsConflict(Conflict("entity", "e", "already merged")))
	assert.True(t, IsValidation(Validation("f", "bad")))
	assert.True(t, IsTimeout(Timeout("int-1")))
	assert.True(t, IsForbidden(Forbidden("entity", "e")))

	plain := errors.New("plain")
	assert.Equal(t, ErrorKind(""), KindOf(plain))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &Error{Kind: KindConflict, Message: "write failed", Err: cause}
	assert.ErrorIs(t, err, cause)
}
