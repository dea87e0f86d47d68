// Package reducer computes snapshots from observations.
//
// Reduce is a pure function: the same set of inputs yields the same output
// regardless of the order they arrive in. Every field resolves through a
// total order (priority, observed_at, observation id), so there is never a
// tie left to chance.
//
// Correction supremacy: once any candidate for a field carries priority at or
// above ir.PriorityCorrection, only the highest-priority candidates compete,
// whatever the field's strategy.
package reducer

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// Input is one observation as seen by the reducer.
type Input struct {
	ObservationID string
	Fields        ir.IRObject
	Priority      int64
	ObservedAt    time.Time
}

// PolicyFunc returns the merge policy for a field.
type PolicyFunc func(field string) ir.MergePolicy

// DefaultPolicies applies ir.DefaultMergePolicy to every field.
func DefaultPolicies(string) ir.MergePolicy { return ir.DefaultMergePolicy }

// Result is the reduced state plus per-field provenance.
type Result struct {
	Fields            ir.IRObject
	Provenance        map[string]string
	ObservationCount  int
	LastObservationAt time.Time
}

type candidate struct {
	obsID      string
	value      ir.IRValue
	priority   int64
	observedAt time.Time
}

// Reduce folds inputs into one Result. An unknown strategy or tie breaker is
// an error; nothing partial is returned.
func Reduce(policies PolicyFunc, inputs []Input) (Result, error) {
	if policies == nil {
		policies = DefaultPolicies
	}
	res := Result{
		Fields:           make(ir.IRObject),
		Provenance:       make(map[string]string),
		ObservationCount: len(inputs),
	}

	byField := make(map[string][]candidate)
	for _, in := range inputs {
		if in.ObservedAt.After(res.LastObservationAt) {
			res.LastObservationAt = in.ObservedAt
		}
		for name, v := range in.Fields {
			if _, isNull := v.(ir.IRNull); v == nil || isNull {
				continue
			}
			byField[name] = append(byField[name], candidate{
				obsID:      in.ObservationID,
				value:      v,
				priority:   in.Priority,
				observedAt: in.ObservedAt,
			})
		}
	}

	fields := make([]string, 0, len(byField))
	for name := range byField {
		fields = append(fields, name)
	}
	slices.Sort(fields)

	for _, name := range fields {
		v, prov, err := reduceField(policyFor(policies, name), byField[name])
		if err != nil {
			return Result{}, fmt.Errorf("field %s: %w", name, err)
		}
		res.Fields[name] = v
		res.Provenance[name] = prov
	}
	return res, nil
}

func policyFor(policies PolicyFunc, field string) ir.MergePolicy {
	p := policies(field)
	if p.Strategy == "" {
		p.Strategy = ir.DefaultMergePolicy.Strategy
	}
	if p.TieBreaker == "" {
		p.TieBreaker = ir.TieBreakLatest
	}
	return p
}

func reduceField(p ir.MergePolicy, cands []candidate) (ir.IRValue, string, error) {
	switch p.TieBreaker {
	case ir.TieBreakLatest, ir.TieBreakEarliest:
	default:
		return nil, "", fmt.Errorf("unknown tie breaker %q", p.TieBreaker)
	}

	if top := maxPriority(cands); top >= ir.PriorityCorrection {
		corrections := slices.DeleteFunc(slices.Clone(cands), func(c candidate) bool { return c.priority != top })
		w := best(corrections, byPriority(p.TieBreaker))
		return w.value, w.obsID, nil
	}

	switch p.Strategy {
	case ir.StrategyHighestPriority:
		w := best(cands, byPriority(p.TieBreaker))
		return w.value, w.obsID, nil
	case ir.StrategyLastWrite:
		w := best(cands, byTime(p.TieBreaker))
		return w.value, w.obsID, nil
	case ir.StrategyArrayUnion:
		return union(cands, byPriority(p.TieBreaker))
	default:
		return nil, "", fmt.Errorf("unknown strategy %q", p.Strategy)
	}
}

func maxPriority(cands []candidate) int64 {
	top := cands[0].priority
	for _, c := range cands[1:] {
		top = max(top, c.priority)
	}
	return top
}

// rank reports whether a outranks b.
type rank func(a, b candidate) bool

// byTime orders by observed_at per the tie breaker, then by smaller observation id.
func byTime(tb ir.TieBreaker) rank {
	return func(a, b candidate) bool {
		if !a.observedAt.Equal(b.observedAt) {
			if tb == ir.TieBreakEarliest {
				return a.observedAt.Before(b.observedAt)
			}
			return a.observedAt.After(b.observedAt)
		}
		return a.obsID < b.obsID
	}
}

// byPriority orders by priority, then byTime.
func byPriority(tb ir.TieBreaker) rank {
	t := byTime(tb)
	return func(a, b candidate) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return t(a, b)
	}
}

func best(cands []candidate, outranks rank) candidate {
	w := cands[0]
	for _, c := range cands[1:] {
		if outranks(c, w) {
			w = c
		}
	}
	return w
}

// union merges array candidates into one array deduplicated and sorted by
// canonical JSON. Non-array values contribute themselves as one element.
// Provenance names the highest-ranked contributing observation.
func union(cands []candidate, outranks rank) (ir.IRValue, string, error) {
	seen := make(map[string]ir.IRValue)
	var contributors []candidate

	for _, c := range cands {
		elems, ok := c.value.(ir.IRArray)
		if !ok {
			elems = ir.IRArray{c.value}
		}
		contributed := false
		for _, e := range elems {
			if _, isNull := e.(ir.IRNull); e == nil || isNull {
				continue
			}
			key, err := ir.MarshalCanonical(e)
			if err != nil {
				return nil, "", err
			}
			if _, dup := seen[string(key)]; !dup {
				seen[string(key)] = e
			}
			contributed = true
		}
		if contributed {
			contributors = append(contributors, c)
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int { return bytes.Compare([]byte(a), []byte(b)) })

	out := make(ir.IRArray, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	if len(contributors) == 0 {
		return out, best(cands, outranks).obsID, nil
	}
	return out, best(contributors, outranks).obsID, nil
}

// FromObservations adapts entity observations to reducer inputs.
func FromObservations(obs []ir.Observation) []Input {
	in := make([]Input, len(obs))
	for i, o := range obs {
		in[i] = Input{ObservationID: o.ID, Fields: o.Fields, Priority: o.Priority, ObservedAt: o.ObservedAt}
	}
	return in
}

// FromRelationshipObservations adapts relationship observations to reducer inputs.
func FromRelationshipObservations(obs []ir.RelationshipObservation) []Input {
	in := make([]Input, len(obs))
	for i, o := range obs {
		in[i] = Input{ObservationID: o.ID, Fields: o.Fields, Priority: o.Priority, ObservedAt: o.ObservedAt}
	}
	return in
}

// ComputeEntitySnapshot reduces an entity's observations under schema.
// A nil schema reduces every field with the default policy.
func ComputeEntitySnapshot(e ir.Entity, schema *ir.EntitySchema, obs []ir.Observation, computedAt time.Time) (ir.EntitySnapshot, error) {
	policies := DefaultPolicies
	version := 0
	if schema != nil {
		policies = schema.Policy
		version = schema.Version
	}
	res, err := Reduce(policies, FromObservations(obs))
	if err != nil {
		return ir.EntitySnapshot{}, fmt.Errorf("reduce entity %s: %w", e.ID, err)
	}
	return ir.EntitySnapshot{
		EntityID:          e.ID,
		EntityType:        e.EntityType,
		OwnerID:           e.OwnerID,
		SchemaVersion:     version,
		Fields:            res.Fields,
		Provenance:        res.Provenance,
		ObservationCount:  res.ObservationCount,
		LastObservationAt: res.LastObservationAt,
		ComputedAt:        computedAt,
	}, nil
}

// ComputeRelationshipSnapshot reduces a relationship's observations.
func ComputeRelationshipSnapshot(r ir.Relationship, policies PolicyFunc, obs []ir.RelationshipObservation, computedAt time.Time) (ir.RelationshipSnapshot, error) {
	res, err := Reduce(policies, FromRelationshipObservations(obs))
	if err != nil {
		return ir.RelationshipSnapshot{}, fmt.Errorf("reduce relationship %s: %w", r.Key, err)
	}
	return ir.RelationshipSnapshot{
		RelationshipKey:   r.Key,
		RelationshipType:  r.RelationshipType,
		SourceEntityID:    r.SourceEntityID,
		TargetEntityID:    r.TargetEntityID,
		OwnerID:           r.OwnerID,
		Fields:            res.Fields,
		Provenance:        res.Provenance,
		ObservationCount:  res.ObservationCount,
		LastObservationAt: res.LastObservationAt,
		ComputedAt:        computedAt,
	}, nil
}

// SameState reports whether two entity snapshots agree on everything but
// ComputedAt.
func SameState(a, b ir.EntitySnapshot) bool {
	return a.EntityID == b.EntityID &&
		a.EntityType == b.EntityType &&
		a.OwnerID == b.OwnerID &&
		a.SchemaVersion == b.SchemaVersion &&
		a.ObservationCount == b.ObservationCount &&
		a.LastObservationAt.Equal(b.LastObservationAt) &&
		ir.Equal(a.Fields, b.Fields) &&
		sameProvenance(a.Provenance, b.Provenance)
}

// SameRelationshipState is SameState for relationship snapshots.
func SameRelationshipState(a, b ir.RelationshipSnapshot) bool {
	return a.RelationshipKey == b.RelationshipKey &&
		a.ObservationCount == b.ObservationCount &&
		a.LastObservationAt.Equal(b.LastObservationAt) &&
		ir.Equal(a.Fields, b.Fields) &&
		sameProvenance(a.Provenance, b.Provenance)
}

func sameProvenance(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Diff lists the fields whose value or provenance differ between two
// snapshots, sorted.
func Diff(a, b ir.IRObject, pa, pb map[string]string) []string {
	names := make(map[string]bool)
	for k := range a {
		names[k] = true
	}
	for k := range b {
		names[k] = true
	}
	var out []string
	for k := range names {
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok || (aok && !ir.Equal(av, bv)) || pa[k] != pb[k] {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, strings.Compare)
	return out
}
