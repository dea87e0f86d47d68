// Package store provides SQLite-backed durable storage for the truth layer.
//
// Every persisted record is a row:
//   - Sources: content-addressed payloads, UNIQUE(owner_id, content_hash)
//   - Upload queue: spooled writes awaiting the storage backend
//   - Interpretations: one row per attempt, with a per-source in-flight lock
//   - Quota usage: per-owner monthly interpretation counters
//   - Entity schemas: immutable versions, one active per (entity_type, scope)
//   - Entities, observations, entity snapshots
//   - Relationships, relationship observations, relationship snapshots
//   - Entity and relationship merge audit logs
//   - Raw fragments
//
// # Critical Patterns
//
// Atomic check-and-write
//   - Dedup, entity creation and observation writes use ON CONFLICT DO NOTHING
//   - The quota counter is an upsert guarded by used < limit
//   - Merges stamp with WHERE merged_to_* IS NULL; zero rows means conflict
//
// Deterministic query results
//   - Every list query ends with ORDER BY ..., id COLLATE BINARY ASC
//
// Single-transaction recompute
//   - Snapshot recompute reads the full history and writes the snapshot in one
//     immediate transaction; a reduce error rolls back and leaves the prior
//     snapshot untouched
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Transactions take the write lock on BEGIN
//
// Content-addressed ids are computed by package ir; this package only stores them.
package store
