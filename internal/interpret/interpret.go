// Package interpret runs non-deterministic structuring of unstructured
// Sources behind a fence.
//
// An Interpreter turns raw bytes into entity payloads. The Fence around it
// charges the owner's monthly quota, holds a per-source lock for the
// duration of the call, keeps a heartbeat lease alive, and commits the
// resulting observations in the same transaction that marks the
// interpretation completed. An attempt the reaper has already timed out is
// discarded. Interpretations are recorded for audit and never replayed.
package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
)

// Input is what an interpreter sees.
type Input struct {
	Source   ir.Source
	MimeType string
	Data     []byte

	// Schemas are the active schemas visible to the owner, offered as hints.
	// Output may still name types that have no schema.
	Schemas []ir.EntitySchema
}

// Output is the structured result of one interpretation.
type Output struct {
	Entities []ir.EntityPayload `json:"entities"`
}

// Interpreter structures unstructured content.
// Implemented by ClaudeInterpreter, OpenAIInterpreter and FuncInterpreter.
type Interpreter interface {
	Interpret(ctx context.Context, in Input) (Output, error)

	// Config describes the model setup for the audit record.
	Config() ir.InterpretationConfig
}

// FuncInterpreter adapts a function to Interpreter. Used offline and in tests.
type FuncInterpreter struct {
	Fn  func(ctx context.Context, in Input) (Output, error)
	Cfg ir.InterpretationConfig
}

// Interpret calls f.Fn.
func (f FuncInterpreter) Interpret(ctx context.Context, in Input) (Output, error) {
	return f.Fn(ctx, in)
}

// Config returns f.Cfg.
func (f FuncInterpreter) Config() ir.InterpretationConfig {
	return f.Cfg
}

// ParseOutput decodes a model's reply. The reply must be a JSON object with an
// "entities" array; a surrounding markdown code fence is tolerated. Numbers are
// kept as json.Number so the registry sees their literal text.
func ParseOutput(text string) (Output, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return Output{}, fmt.Errorf("parse output: empty reply")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var raw struct {
		Entities *[]ir.EntityPayload `json:"entities"`
	}
	if err := dec.Decode(&raw); err != nil {
		return Output{}, fmt.Errorf("parse output: %w", err)
	}
	if raw.Entities == nil {
		return Output{}, fmt.Errorf("parse output: missing \"entities\" array")
	}

	out := Output{Entities: make([]ir.EntityPayload, 0, len(*raw.Entities))}
	for i, p := range *raw.Entities {
		if p.EntityType == "" {
			return Output{}, fmt.Errorf("parse output: entities[%d]: missing entity_type", i)
		}
		if p.Fields == nil {
			p.Fields = map[string]any{}
		}
		out.Entities = append(out.Entities, p)
	}
	return out, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
