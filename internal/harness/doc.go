// Package harness runs YAML scenarios against a real truthlayer engine.
//
// A scenario registers schemas, then executes a list of steps. Each step is
// one engine operation (store_structured, correct, merge_entities, ...) run
// as a given owner, with an optional expectation about its outcome: an error
// kind, or a subset of the JSON result. Steps can save values out of their
// result under an alias; later steps and assertions refer to them as
// "$alias".
//
// Every scenario runs against a fresh in-memory SQLite store, an in-memory
// blob backend, a deterministic clock and sequence id generators, so the
// same scenario always produces the same trace. Interpretation is served by
// a scripted interpreter: a store step with interpret set returns that
// step's reply entities.
//
// # Traces and golden files
//
// The trace records one event per step: the action, the owner, the outcome
// ("ok" or the error kind) and a compact summary of the result. Summaries
// leave out content-addressed ids and timestamps so they read well in golden
// files; aliases stand in for entity ids. RunWithGolden compares the
// canonical JSON of a trace with testdata/golden/<name>.golden.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
//
// # Assertions
//
// After the last step, assertions check the trace (trace_contains,
// trace_order, trace_count) and final state (snapshot, observation_count,
// fragment_count, merged, relationship_count, verify_clean, final_state).
package harness
