package harness

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/roach88/truthlayer/internal/blob"
	"github.com/roach88/truthlayer/internal/content"
	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ids"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios with a deterministic clock and sequence ids.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.DeterministicClock
	logger *slog.Logger
	owner  string

	// aliases holds values saved by earlier steps.
	aliases map[string]string

	// reply is the scripted interpreter output for the running step.
	mu    sync.Mutex
	reply interpret.Output
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database and engine
// 2. Register the scenario schemas
// 3. Execute steps, checking each expect clause
// 4. Evaluate assertions
// 5. Return result with pass/fail, trace, and errors
//
// The returned error reports a scenario that could not run at all; failed
// expectations and assertions are collected in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	ctx := context.Background()

	defs, err := scenario.definitions()
	if err != nil {
		return nil, err
	}
	for i, def := range defs {
		if _, err := registerAs(ctx, h, def.Scope, def); err != nil {
			return nil, fmt.Errorf("schemas[%d] (%s): %w", i, def.EntityType, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err)
		}
	}
	for alias, v := range h.aliases {
		result.Aliases[alias] = v
	}

	actx := &AssertionContext{Ctx: ctx, Harness: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	clock := testutil.NewDeterministicClock(testutil.Epoch, time.Millisecond)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := afero.NewMemMapFs()

	h := &Harness{
		store:   st,
		clock:   clock,
		logger:  logger,
		owner:   scenario.Owner,
		aliases: make(map[string]string),
	}

	cs := content.New(st, blob.NewFS(fs, "blobs"), blob.NewSpool(fs, "spool"), clock, logger)
	reg := registry.New(st, clock, logger)
	in := ingest.New(st, clock, logger,
		ingest.WithFragmentIDs(ids.NewSequence("frag")),
		ingest.WithGraphPolicy(ingest.GraphPolicy{Acyclic: scenario.Acyclic}))
	interp := interpret.FuncInterpreter{
		Fn: h.interpret,
		Cfg: ir.InterpretationConfig{
			Provider:    "scripted",
			Model:       scenario.Name,
			Temperature: "0",
			CodeVersion: interpret.CodeVersion,
		},
	}
	fence := interpret.NewFence(st, cs, in, interp, clock, logger,
		interpret.WithInterpretationIDs(ids.NewSequence("int")),
		interpret.WithMonthlyQuota(scenario.Quota))

	h.engine = engine.New(st, cs, reg, in, clock, logger,
		engine.WithFence(fence),
		engine.WithMergeIDs(ids.NewSequence("mrg")))
	return h, nil
}

func (h *Harness) interpret(context.Context, interpret.Input) (interpret.Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reply, nil
}

func (h *Harness) setReply(reply []map[string]any) error {
	var entities []ir.EntityPayload
	if len(reply) > 0 {
		var err error
		if entities, err = decodePayloads(reply); err != nil {
			return fmt.Errorf("reply: %w", err)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reply = interpret.Output{Entities: entities}
	return nil
}

// runStep executes one step and records its trace event. Only a malformed
// step is returned as an error.
func (h *Harness) runStep(ctx context.Context, index int, step Step, result *Result) error {
	args, err := h.resolveArgs(step.Args)
	if err != nil {
		return err
	}
	if err := h.setReply(step.Reply); err != nil {
		return err
	}

	owner := step.Owner
	if owner == "" {
		owner = h.owner
		if step.Action == "register_schema" || step.Action == "activate_schema" {
			// Schemas are registered by the owner of their scope.
			owner, _ = args["scope"].(string)
		}
	}

	out, summary, err := actions[step.Action](ctx, h, owner, args)
	outcome := OutcomeOK
	if err != nil {
		outcome = string(engine.ErrorOf(err).Kind)
		summary = nil
	}
	result.AddTrace(step.Action, owner, step.Args, outcome, summary)

	h.logger.Info("step completed",
		"step", index,
		"action", step.Action,
		"owner", owner,
		"outcome", outcome,
	)

	want := OutcomeOK
	if step.Expect != nil && step.Expect.Error != "" {
		want = step.Expect.Error
	}
	if outcome != want {
		msg := fmt.Sprintf("steps[%d] %s: expected %s, got %s", index, step.Action, want, outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
		return nil
	}
	if err != nil {
		return nil
	}

	doc, err := toJSONValue(out)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if step.Expect != nil && len(step.Expect.Result) > 0 {
		expected, err := h.resolveArgs(step.Expect.Result)
		if err != nil {
			return err
		}
		if msg := matchSubset("result", doc, expected); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", index, step.Action, msg))
		}
	}
	for alias, path := range step.Save {
		v, ok := lookup(doc, path)
		if !ok {
			result.AddError(fmt.Sprintf("steps[%d] %s: save %s: no value at %q", index, step.Action, alias, path))
			continue
		}
		h.aliases[alias] = scalarString(v)
	}
	return nil
}

// resolveArgs replaces "$alias" strings, at any depth, with saved values.
func (h *Harness) resolveArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		r, err := h.resolveValue(v)
		if err != nil {
			return nil, fmt.Errorf("args.%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func (h *Harness) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return h.resolveRef(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			r, err := h.resolveValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		return h.resolveArgs(val)
	default:
		return v, nil
	}
}

// resolveRef returns the saved value for "$alias". "$$" escapes a literal
// leading dollar sign.
func (h *Harness) resolveRef(s string) (string, error) {
	if !strings.HasPrefix(s, "$") {
		return s, nil
	}
	if strings.HasPrefix(s, "$$") {
		return s[1:], nil
	}
	v, ok := h.aliases[s[1:]]
	if !ok {
		return "", fmt.Errorf("unknown alias %q", s)
	}
	return v, nil
}

// alias returns "$name" for a saved value, or "" when nothing saved it.
func (h *Harness) alias(value string) string {
	for _, name := range slices.Sorted(maps.Keys(h.aliases)) {
		if h.aliases[name] == value {
			return "$" + name
		}
	}
	return ""
}

// toJSONValue round-trips v through encoding/json. Numbers stay json.Number.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// lookup walks a dotted path; numeric segments index arrays.
func lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

func scalarString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// decodePayloads converts YAML entity payloads the way the CLI decodes JSON
// ones, so numbers keep their literal text.
func decodePayloads(list any) ([]ir.EntityPayload, error) {
	data, err := json.Marshal(map[string]any{"entities": list})
	if err != nil {
		return nil, err
	}
	return engine.DecodeEntities(data)
}

// owned returns the owner an assertion reads as.
func (h *Harness) owned(owner string) string {
	return cmp.Or(owner, h.owner)
}
