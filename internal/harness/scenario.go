package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
)

// Scenario defines one end-to-end run against a fresh engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Owner runs every step that does not name its own.
	Owner string `yaml:"owner"`

	// Quota is the monthly interpretation quota per owner. Zero is unlimited.
	Quota int64 `yaml:"quota,omitempty"`

	// Acyclic lists relationship types that must never form a cycle.
	Acyclic []string `yaml:"acyclic,omitempty"`

	// Schemas are registry definitions registered, in order, before the
	// first step. Each is registered by the owner of its scope.
	Schemas []map[string]any `yaml:"schemas,omitempty"`

	// Steps are executed in order; a failing step does not stop the run.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one engine operation.
type Step struct {
	// Action names the operation, e.g. "store_structured".
	Action string `yaml:"action"`

	// Owner overrides the scenario owner for this step.
	Owner string `yaml:"owner,omitempty"`

	// Args are the operation arguments. String values of the form "$alias"
	// are replaced by saved values before the step runs.
	Args map[string]any `yaml:"args"`

	// Reply is what the interpreter returns for a store step with
	// interpret set: a list of entity payloads.
	Reply []map[string]any `yaml:"reply,omitempty"`

	// Save maps an alias to a dotted path into the JSON result,
	// e.g. acme: result.snapshots.0.entity_id.
	Save map[string]string `yaml:"save,omitempty"`

	// Expect validates the step outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Error is the expected error kind; empty expects success.
	Error string `yaml:"error,omitempty"`

	// Result is a subset of the expected JSON result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action and Outcome select trace events (trace_contains, trace_count).
	Action  string `yaml:"action,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Actions is the expected action order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Owner reads state as this owner instead of the scenario owner.
	Owner string `yaml:"owner,omitempty"`

	// Entity is the entity id or alias (snapshot, observation_count,
	// merged, relationship_count).
	Entity string `yaml:"entity,omitempty"`

	// Into is the expected merge target (merged).
	Into string `yaml:"into,omitempty"`

	// EntityType filters raw fragments (fragment_count).
	EntityType string `yaml:"entity_type,omitempty"`

	// Count is the expected number of matches.
	Count int `yaml:"count,omitempty"`

	// Table and Where select one row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset of the expected snapshot or row.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains     = "trace_contains"
	AssertTraceOrder        = "trace_order"
	AssertTraceCount        = "trace_count"
	AssertSnapshot          = "snapshot"
	AssertObservationCount  = "observation_count"
	AssertFragmentCount     = "fragment_count"
	AssertMerged            = "merged"
	AssertRelationshipCount = "relationship_count"
	AssertVerifyClean       = "verify_clean"
	AssertFinalState        = "final_state"
)

var errorKinds = []string{
	string(ir.KindValidation),
	string(ir.KindNotFound),
	string(ir.KindConflict),
	string(ir.KindQuotaExceeded),
	string(ir.KindTimeout),
	string(ir.KindForbidden),
	string(engine.KindInternal),
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields so "assertion:" vs "assertions:" typos fail loudly.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// definitions converts the scenario schemas into registry definitions.
func (s *Scenario) definitions() ([]registry.Definition, error) {
	defs := make([]registry.Definition, 0, len(s.Schemas))
	for i, raw := range s.Schemas {
		var def registry.Definition
		if err := remarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("schemas[%d]: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// remarshal moves a YAML-decoded value into a JSON-tagged type.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if s.Quota < 0 {
		return fmt.Errorf("quota must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, raw := range s.Schemas {
		if _, ok := raw["entity_type"].(string); !ok {
			return fmt.Errorf("schemas[%d]: entity_type is required", i)
		}
	}

	for i, step := range s.Steps {
		if _, ok := actions[step.Action]; !ok {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		for alias, path := range step.Save {
			if alias == "" || path == "" {
				return fmt.Errorf("steps[%d].save: alias and path are required", i)
			}
		}
		if step.Expect != nil && step.Expect.Error != "" && !slices.Contains(errorKinds, step.Expect.Error) {
			return fmt.Errorf("steps[%d].expect: unknown error kind %q", i, step.Expect.Error)
		}
		if step.Expect != nil && step.Expect.Error != "" && len(step.Save) > 0 {
			return fmt.Errorf("steps[%d]: a step expected to fail cannot save", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for %s", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertSnapshot:
		if a.Entity == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: entity and expect are required for snapshot", index)
		}
	case AssertObservationCount, AssertRelationshipCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for %s", index, a.Type)
		}
	case AssertMerged:
		if a.Entity == "" || a.Into == "" {
			return fmt.Errorf("assertions[%d]: entity and into are required for merged", index)
		}
	case AssertFragmentCount, AssertVerifyClean:
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
