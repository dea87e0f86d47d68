package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

const companySchema = `
schema: company: {
	fields: {
		name:     {type: "string", required: true}
		revenue:  "decimal"
		tags:     [...string]
		profile:  {...}
		headcount: int
		public:   bool
		ceo:      {type: "object"}
		aliases:  {type: "array", items: "string"}
	}
	merge: {
		tags: "array_union"
		name: {strategy: "last_write", tie_breaker: "earliest"}
	}
	identity: {
		name: ["trim", "collapse_whitespace", "lowercase"]
	}
	extract: [{entity_type: "person", from: "ceo", relationship: "led_by"}]
}

schema: person: {
	scope: "alice"
	fields: name: string
}
`

func TestCompileSource(t *testing.T) {
	defs, err := CompileSource("company.cue", companySchema)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	company := defs[0]
	assert.Equal(t, "company", company.EntityType)
	assert.Equal(t, []ir.FieldSpec{
		{Name: "name", Type: ir.FieldString, Required: true},
		{Name: "revenue", Type: ir.FieldDecimal},
		{Name: "tags", Type: ir.FieldArray, Items: ir.FieldString},
		{Name: "profile", Type: ir.FieldObject},
		{Name: "headcount", Type: ir.FieldInteger},
		{Name: "public", Type: ir.FieldBoolean},
		{Name: "ceo", Type: ir.FieldObject},
		{Name: "aliases", Type: ir.FieldArray, Items: ir.FieldString},
	}, company.Fields)
	assert.Equal(t, map[string]ir.MergePolicy{
		"tags": {Strategy: ir.StrategyArrayUnion},
		"name": {Strategy: ir.StrategyLastWrite, TieBreaker: ir.TieBreakEarliest},
	}, company.MergePolicies)
	assert.Equal(t, []ir.Transform{ir.TransformTrim, ir.TransformCollapseWhitespace, ir.TransformLowercase},
		company.Canonicalization.Fields[0].Transforms)
	assert.Equal(t, []ir.ExtractionRule{{EntityType: "person", From: "ceo", Relationship: "led_by"}}, company.Extraction)

	person := defs[1]
	assert.Equal(t, "alice", person.Scope)
	assert.Equal(t, []ir.FieldSpec{{Name: "name", Type: ir.FieldString}}, person.Fields)
}

func TestCompileSource_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"no schema block", `other: 1`, "schema"},
		{"missing fields", `schema: x: {merge: {}}`, "fields"},
		{"float field", `schema: x: fields: amount: float`, "fields.amount"},
		{"number field", `schema: x: fields: amount: number`, "fields.amount"},
		{"bad merge", `schema: x: {fields: a: string, merge: a: 3}`, "merge.a"},
		{"bad identity", `schema: x: {fields: a: string, identity: a: "trim"}`, "identity.a"},
		{"bad extract", `schema: x: {fields: a: string, extract: [{entity_type: 3}]}`, "extract.0"},
		{"definition check", `schema: x: fields: a: "money"`, "schema.x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("bad.cue", tt.src)
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileSource_SyntaxErrorHasPosition(t *testing.T) {
	_, err := CompileSource("broken.cue", "schema: {\n  x: \n")
	require.Error(t, err)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, ce.Error(), "broken.cue")
}

func TestCompileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.cue")
	require.NoError(t, os.WriteFile(path, []byte(companySchema), 0o644))

	defs, err := CompileFile(path)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	_, err = CompileFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
