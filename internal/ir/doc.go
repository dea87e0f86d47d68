// Package ir provides the canonical record types for the truth layer.
//
// This package contains type definitions, canonical JSON, identity hashing and
// the error taxonomy. Every other internal package imports ir; ir imports
// nothing internal.
//
// Key design constraints:
//   - NO float types in IRValue - decimals are canonical decimal strings
//   - Content-addressed ids use RFC 8785 canonical JSON + SHA-256 with domain separation
//   - All JSON tags use snake_case
//   - Observations are append-only; only a merge rewrites their entity_id
package ir
