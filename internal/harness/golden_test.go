package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"correction_and_merge", "fragment_promotion"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalTrace_Canonical(t *testing.T) {
	result := NewResult()
	result.AddTrace("quota", "alice", map[string]any{"ignored": 1.5}, OutcomeOK,
		map[string]any{"used": int64(1), "limit": int64(0)})
	result.AddTrace("register_schema", "", nil, "validation", nil)

	data, err := MarshalTrace("demo", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"demo","trace":[`+
			`{"action":"quota","outcome":"ok","owner":"alice","seq":1,"summary":{"limit":0,"used":1}},`+
			`{"action":"register_schema","outcome":"validation","seq":2}]}`,
		string(data))
}

func TestMarshalTrace_RejectsFloatSummary(t *testing.T) {
	result := NewResult()
	result.AddTrace("quota", "alice", nil, OutcomeOK, map[string]any{"ratio": 0.5})

	_, err := MarshalTrace("demo", result)
	require.Error(t, err)
}
