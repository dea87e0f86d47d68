// Package engine is the truth layer's action surface.
//
// Every external caller (CLI, agents, tests) mutates or reads truth through
// the methods of Engine and nothing else. Each action checks the caller's
// owner identity before touching a row: cross-owner access fails with a
// forbidden error rather than being filtered after the fact.
//
// ARCHITECTURE:
//
// Data flows one way:
//
//	content.Store -> (interpret.Fence) -> ingest.Ingester -> resolver/reducer -> snapshot
//
// Store and StoreStructured put bytes into the content store first, so every
// observation traces back to an immutable Source. Correct appends a
// priority-1000 observation backed by its own Source. Merges are the only
// actions that rewrite existing rows, and they only move ownership pointers:
// nothing is deleted.
//
// TRANSACTIONS:
//
// The store holds one SQLite connection. Every multi-row effect (an ingest,
// a merge plus its recompute, an interpretation's completion plus its
// observations) runs in a single immediate transaction. Either the whole
// effect lands or none of it does, and a failed recompute never leaves a
// partial snapshot behind.
//
// REPLAY:
//
// Snapshots are fully derived. Verify recomputes each one in memory from
// its observation history and reports every snapshot whose stored fields or
// provenance differ. Interpretations are never replayed; their observations
// are replayed like any other.
package engine
