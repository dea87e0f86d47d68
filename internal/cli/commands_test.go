package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cliEnv runs commands against one database under a temporary HOME.
type cliEnv struct {
	t   *testing.T
	dir string
	db  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return &cliEnv{t: t, dir: dir, db: filepath.Join(dir, "data", "truth.db")}
}

// file writes content under the env directory and returns its path.
func (e *cliEnv) file(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run executes the CLI and returns stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := NewRootCommand()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--db", e.db}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// runJSON executes the CLI with --format json and decodes the response data
// into out when it is non-nil.
func (e *cliEnv) runJSON(out any, args ...string) (jsonResponse, error) {
	e.t.Helper()
	stdout, err := e.run(append([]string{"--format", "json"}, args...)...)
	var resp jsonResponse
	require.NoError(e.t, json.Unmarshal([]byte(stdout), &resp), "stdout: %s", stdout)
	if out != nil && len(resp.Data) > 0 {
		require.NoError(e.t, json.Unmarshal(resp.Data, out))
	}
	return resp, err
}

type storedSnapshots struct {
	Deduplicated bool `json:"deduplicated"`
	Result       struct {
		Snapshots []struct {
			EntityID string         `json:"entity_id"`
			Fields   map[string]any `json:"fields"`
		} `json:"snapshots"`
	} `json:"result"`
}

type snapshotView struct {
	RedirectedFrom string `json:"redirected_from"`
	Snapshot       struct {
		EntityID         string            `json:"entity_id"`
		Fields           map[string]any    `json:"fields"`
		Provenance       map[string]string `json:"provenance"`
		ObservationCount int               `json:"observation_count"`
	} `json:"snapshot"`
}

func (e *cliEnv) registerSchemas() {
	e.t.Helper()
	dir := filepath.Join(e.dir, "schemas")
	writeCUE(e.t, dir, "company.cue", companyCUE)
	writeCUE(e.t, dir, "person.cue", personCUE)

	var results []struct {
		Schema struct {
			EntityType string `json:"entity_type"`
			Version    int    `json:"version"`
			Active     bool   `json:"active"`
		} `json:"schema"`
	}
	resp, err := e.runJSON(&results, "schema", "register", "--global", dir)
	require.NoError(e.t, err)
	require.Equal(e.t, "ok", resp.Status)
	require.Len(e.t, results, 2)
	assert.Equal(e.t, "company", results[0].Schema.EntityType)
	assert.Equal(e.t, 1, results[0].Schema.Version)
	assert.True(e.t, results[0].Schema.Active)
}

func (e *cliEnv) storeCompany(owner, fields string) string {
	e.t.Helper()
	path := e.file("payload.json", `{"entities": [{"entity_type": "company", "fields": `+fields+`}]}`)
	var res storedSnapshots
	resp, err := e.runJSON(&res, "--owner", owner, "store-structured", path)
	require.NoError(e.t, err)
	require.Equal(e.t, "ok", resp.Status)
	require.Len(e.t, res.Result.Snapshots, 1)
	return res.Result.Snapshots[0].EntityID
}

func TestCommands_CorrectMergeVerify(t *testing.T) {
	env := newCLIEnv(t)
	env.registerSchemas()

	acme := env.storeCompany("alice", `{"name": "Acme", "hq": "Boston", "employees": 120}`)

	var view snapshotView
	_, err := env.runJSON(&view, "--owner", "alice", "snapshot", acme)
	require.NoError(t, err)
	assert.Equal(t, "Boston", view.Snapshot.Fields["hq"])

	_, err = env.runJSON(nil, "--owner", "alice", "correct", acme, "--field", "hq", "--value", "New York")
	require.NoError(t, err)

	_, err = env.runJSON(&view, "--owner", "alice", "snapshot", acme)
	require.NoError(t, err)
	assert.Equal(t, "New York", view.Snapshot.Fields["hq"])
	assert.Equal(t, 2, view.Snapshot.ObservationCount)

	acmeCorp := env.storeCompany("alice", `{"name": "Acme Corp", "hq": "Cambridge"}`)
	require.NotEqual(t, acme, acmeCorp)

	var merged struct {
		Merge struct {
			ToEntityID            string `json:"to_entity_id"`
			ObservationCountMoved int    `json:"observation_count_moved"`
			Actor                 string `json:"actor"`
		} `json:"merge"`
	}
	_, err = env.runJSON(&merged, "--owner", "alice", "merge", acmeCorp, acme)
	require.NoError(t, err)
	assert.Equal(t, acme, merged.Merge.ToEntityID)
	assert.Equal(t, 1, merged.Merge.ObservationCountMoved)
	assert.Equal(t, "alice", merged.Merge.Actor)

	// The correction still outranks the merged-in structured value.
	_, err = env.runJSON(&view, "--owner", "alice", "snapshot", acmeCorp)
	require.NoError(t, err)
	assert.Equal(t, acmeCorp, view.RedirectedFrom)
	assert.Equal(t, acme, view.Snapshot.EntityID)
	assert.Equal(t, "New York", view.Snapshot.Fields["hq"])

	resp, err := env.runJSON(nil, "--owner", "alice", "merge", acmeCorp, acme)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "conflict", resp.Error.Code)

	var hist HistoryResult
	_, err = env.runJSON(&hist, "--owner", "alice", "history", acme)
	require.NoError(t, err)
	assert.Equal(t, 3, hist.Stats.Observations)
	assert.Equal(t, 1, hist.Stats.Corrections)
	assert.Equal(t, 1, hist.Stats.Merged)
	require.Len(t, hist.Merges, 1)
	assert.Equal(t, acmeCorp, hist.Merges[0].FromEntityID)

	var ents []map[string]any
	_, err = env.runJSON(&ents, "--owner", "alice", "entities")
	require.NoError(t, err)
	assert.Len(t, ents, 1)
	_, err = env.runJSON(&ents, "--owner", "alice", "entities", "--include-merged")
	require.NoError(t, err)
	assert.Len(t, ents, 2)

	resp, err = env.runJSON(nil, "--owner", "alice", "verify")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestCommands_CrossOwnerForbidden(t *testing.T) {
	env := newCLIEnv(t)
	env.registerSchemas()
	acme := env.storeCompany("alice", `{"name": "Acme"}`)

	resp, err := env.runJSON(nil, "--owner", "bob", "snapshot", acme)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "forbidden", resp.Error.Code)
}

func TestCommands_Relationships(t *testing.T) {
	env := newCLIEnv(t)
	env.registerSchemas()
	acme := env.storeCompany("alice", `{"name": "Acme"}`)
	globex := env.storeCompany("alice", `{"name": "Globex"}`)

	var created struct {
		Snapshot struct {
			RelationshipKey string         `json:"relationship_key"`
			Fields          map[string]any `json:"fields"`
		} `json:"snapshot"`
	}
	_, err := env.runJSON(&created, "--owner", "alice", "relationship", "create", acme, globex,
		"--type", "partner_of", "--field", "since=2019", "--fields", `{"region": "EMEA"}`)
	require.NoError(t, err)
	require.NotEmpty(t, created.Snapshot.RelationshipKey)
	assert.Equal(t, map[string]any{"since": float64(2019), "region": "EMEA"}, created.Snapshot.Fields)

	var rels []map[string]any
	_, err = env.runJSON(&rels, "--owner", "alice", "relationship", "list", "--entity", globex)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "partner_of", rels[0]["relationship_type"])

	var view struct {
		Snapshot struct {
			SourceEntityID string `json:"source_entity_id"`
		} `json:"snapshot"`
	}
	_, err = env.runJSON(&view, "--owner", "alice", "relationship", "snapshot", created.Snapshot.RelationshipKey)
	require.NoError(t, err)
	assert.Equal(t, acme, view.Snapshot.SourceEntityID)
}

func TestCommands_RelationshipBadFields(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.runJSON(nil, "--owner", "alice", "relationship", "create", "a", "b",
		"--type", "partner_of", "--fields", "[1, 2]")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCommands_SchemaValidate(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join(env.dir, "schemas")
	writeCUE(t, dir, "company.cue", companyCUE)
	writeCUE(t, dir, "person.cue", personCUE)

	var result ValidationResult
	_, err := env.runJSON(&result, "schema", "validate", dir)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"company", "person"}, result.Schemas)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "warning", result.Warnings[0].Level)

	writeCUE(t, dir, "zz_bad.cue", `schema: x: fields: amount: float`)
	resp, err := env.runJSON(&result, "schema", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, ErrCodeInvalidField, result.Errors[0].Code)

	_, err = env.runJSON(nil, "schema", "validate", filepath.Join(env.dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCommands_SchemaActivate(t *testing.T) {
	env := newCLIEnv(t)
	env.registerSchemas()

	v2 := env.file("company_v2.cue", `
schema: company: {
	fields: {
		name:    {type: "string", required: true}
		ticker:  string
	}
	identity: name: ["trim", "lowercase"]
}
`)
	_, err := env.runJSON(nil, "schema", "register", "--global", v2)
	require.NoError(t, err)

	var schemas []struct {
		Version int  `json:"version"`
		Active  bool `json:"active"`
	}
	_, err = env.runJSON(&schemas, "schema", "list", "--type", "company")
	require.NoError(t, err)
	require.Len(t, schemas, 2)

	_, err = env.runJSON(nil, "schema", "activate", "--global", "company", "1")
	require.NoError(t, err)

	_, err = env.runJSON(&schemas, "schema", "list", "--type", "company")
	require.NoError(t, err)
	for _, s := range schemas {
		assert.Equal(t, s.Version == 1, s.Active, "version %d", s.Version)
	}

	_, err = env.runJSON(nil, "schema", "activate", "company", "zero")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCommands_SchemaRegisterNeedsOwnerOrGlobal(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join(env.dir, "schemas")
	writeCUE(t, dir, "company.cue", companyCUE)

	resp, err := env.runJSON(nil, "schema", "register", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation", resp.Error.Code)

	var schemas []struct {
		Scope string `json:"scope"`
	}
	_, err = env.runJSON(nil, "--owner", "alice", "schema", "register", dir)
	require.NoError(t, err)
	_, err = env.runJSON(&schemas, "--owner", "alice", "schema", "list", "--type", "company")
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "alice", schemas[0].Scope)

	_, err = env.runJSON(nil, "schema", "activate", "company", "1")
	require.Error(t, err)
}

func TestCommands_FragmentsAndQuota(t *testing.T) {
	env := newCLIEnv(t)
	env.registerSchemas()
	env.storeCompany("alice", `{"name": "Acme", "ticker": "ACM"}`)

	var frags []struct {
		FieldName string `json:"field_name"`
	}
	_, err := env.runJSON(&frags, "--owner", "alice", "fragments", "--type", "company")
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "ticker", frags[0].FieldName)

	var quota struct {
		Used  int64 `json:"used"`
		Limit int64 `json:"limit"`
	}
	_, err = env.runJSON(&quota, "--owner", "alice", "quota")
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.Used)
}

func TestCommands_TextOutput(t *testing.T) {
	env := newCLIEnv(t)
	env.registerSchemas()
	acme := env.storeCompany("alice", `{"name": "Acme", "hq": "Boston"}`)

	out, err := env.run("--owner", "alice", "history", acme)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Timeline ===")
	assert.Contains(t, out, "=== Provenance ===")
	assert.Contains(t, out, "=== Stats ===")
	assert.Contains(t, out, "hq=Boston")

	out, err = env.run("--owner", "alice", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All snapshots match their replay")

	out, err = env.run("--owner", "alice", "snapshot", "ent_missing")
	require.Error(t, err)
	assert.Contains(t, out, "Error [not_found]")
}

func TestCommands_StoreUnreadableInput(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.runJSON(nil, "--owner", "alice", "store-structured", filepath.Join(env.dir, "missing.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
