package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one structured store
owner: alice
steps:
  - action: store_structured
    args:
      entities:
        - entity_type: company
          fields: {name: Acme}
assertions:
  - type: trace_contains
    action: store_structured
`

func TestParseScenario_Minimal(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, "alice", scenario.Owner)
	assert.Zero(t, scenario.Quota)
	require.Len(t, scenario.Steps, 1)
	assert.Equal(t, "store_structured", scenario.Steps[0].Action)
	assert.Nil(t, scenario.Steps[0].Expect)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertTraceContains, scenario.Assertions[0].Type)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nowner: a\nsteps: [{action: quota}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nowner: a\nsteps: [{action: quota}]\n",
			wantErr: "description is required",
		},
		{
			name:    "missing owner",
			yaml:    "name: n\ndescription: d\nsteps: [{action: quota}]\n",
			wantErr: "owner is required",
		},
		{
			name:    "negative quota",
			yaml:    "name: n\ndescription: d\nowner: a\nquota: -1\nsteps: [{action: quota}]\n",
			wantErr: "quota must be non-negative",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\nowner: a\n",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown field",
			yaml:    "name: n\ndescription: d\nowner: a\nflow: []\nsteps: [{action: quota}]\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: teleport}]\n",
			wantErr: `unknown action "teleport"`,
		},
		{
			name:    "schema without entity type",
			yaml:    "name: n\ndescription: d\nowner: a\nschemas: [{fields: []}]\nsteps: [{action: quota}]\n",
			wantErr: "schemas[0]: entity_type is required",
		},
		{
			name:    "unknown error kind",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota, expect: {error: exploded}}]\n",
			wantErr: `unknown error kind "exploded"`,
		},
		{
			name:    "failing step saves",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota, save: {x: used}, expect: {error: forbidden}}]\n",
			wantErr: "a step expected to fail cannot save",
		},
		{
			name:    "empty save path",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota, save: {x: \"\"}}]\n",
			wantErr: "alias and path are required",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota}]\nassertions: [{type: vibes}]\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "trace_order without actions",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota}]\nassertions: [{type: trace_order}]\n",
			wantErr: "actions list is required",
		},
		{
			name:    "merged without target",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota}]\nassertions: [{type: merged, entity: e}]\n",
			wantErr: "entity and into are required",
		},
		{
			name:    "final_state without expect",
			yaml:    "name: n\ndescription: d\nowner: a\nsteps: [{action: quota}]\nassertions: [{type: final_state, table: entities}]\n",
			wantErr: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadDir_SortedByFileName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yaml"} {
		body := "name: " + name[:1] + "\ndescription: d\nowner: a\nsteps: [{action: quota}]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "a", scenarios[0].Name)
	assert.Equal(t, "b", scenarios[1].Name)
}

func TestLoadDir_ReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0o644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestLoadDir_Testdata(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)
	for _, s := range scenarios {
		assert.NotEmpty(t, s.Steps, s.Name)
	}
}

func TestScenarioDefinitions(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: defs
description: schema conversion
owner: alice
schemas:
  - entity_type: company
    fields:
      - {name: name, type: string, required: true}
steps: [{action: quota}]
`))
	require.NoError(t, err)

	defs, err := scenario.definitions()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "company", defs[0].EntityType)
	assert.Empty(t, defs[0].Scope)
}
