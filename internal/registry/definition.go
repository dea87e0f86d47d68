package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/truthlayer/internal/canon"
	"github.com/roach88/truthlayer/internal/ir"
)

// Definition is the author-supplied body of a schema version. The registry
// assigns version, id, hash and activation.
type Definition struct {
	EntityType       string                    `json:"entity_type" yaml:"entity_type"`
	Scope            string                    `json:"scope,omitempty" yaml:"scope,omitempty"`
	Fields           []ir.FieldSpec            `json:"fields" yaml:"fields"`
	MergePolicies    map[string]ir.MergePolicy `json:"merge_policies,omitempty" yaml:"merge_policies,omitempty"`
	Canonicalization ir.CanonicalizationRule   `json:"canonicalization" yaml:"canonicalization"`
	Extraction       []ir.ExtractionRule       `json:"extraction,omitempty" yaml:"extraction,omitempty"`
}

// identifierPattern matches entity type, relationship type and field names.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DefinitionOf returns the definition a registered schema was built from.
func DefinitionOf(s ir.EntitySchema) Definition {
	return Definition{
		EntityType:       s.EntityType,
		Scope:            s.Scope,
		Fields:           s.Fields,
		MergePolicies:    s.MergePolicies,
		Canonicalization: s.Canonicalization,
		Extraction:       s.Extraction,
	}
}

// Check validates a definition's internal consistency. Every error is a
// validation error naming the offending field path.
func (d Definition) Check() error {
	if !identifierPattern.MatchString(d.EntityType) {
		return ir.Validation("entity_type", fmt.Sprintf("%q must match %s", d.EntityType, identifierPattern))
	}
	if len(d.Fields) == 0 {
		return ir.Validation("fields", "at least one field is required")
	}

	declared := make(map[string]ir.FieldSpec, len(d.Fields))
	for i, f := range d.Fields {
		path := fmt.Sprintf("fields[%d]", i)
		if !identifierPattern.MatchString(f.Name) {
			return ir.Validation(path+".name", fmt.Sprintf("%q must match %s", f.Name, identifierPattern))
		}
		if _, dup := declared[f.Name]; dup {
			return ir.Validation(path+".name", fmt.Sprintf("field %q declared twice", f.Name))
		}
		if !ir.ValidFieldTypes[f.Type] {
			return ir.Validation(path+".type", fmt.Sprintf("unknown type %q", f.Type))
		}
		if f.Items != "" {
			if f.Type != ir.FieldArray {
				return ir.Validation(path+".items", "items is only valid on array fields")
			}
			if !ir.ValidFieldTypes[f.Items] || f.Items == ir.FieldArray {
				return ir.Validation(path+".items", fmt.Sprintf("unsupported item type %q", f.Items))
			}
		}
		declared[f.Name] = f
	}

	for _, name := range sortedKeys(d.MergePolicies) {
		p := d.MergePolicies[name]
		path := "merge_policies." + name
		f, ok := declared[name]
		if !ok {
			return ir.Validation(path, "policy for undeclared field")
		}
		if !ir.ValidStrategies[p.Strategy] {
			return ir.Validation(path+".strategy", fmt.Sprintf("unknown strategy %q", p.Strategy))
		}
		if p.Strategy == ir.StrategyArrayUnion && f.Type != ir.FieldArray {
			return ir.Validation(path+".strategy", "array_union requires an array field")
		}
		switch p.TieBreaker {
		case "", ir.TieBreakLatest, ir.TieBreakEarliest:
		default:
			return ir.Validation(path+".tie_breaker", fmt.Sprintf("unknown tie breaker %q", p.TieBreaker))
		}
	}

	if err := canon.Validate(d.Canonicalization); err != nil {
		return ir.Validation("canonicalization", err.Error())
	}
	for _, cf := range d.Canonicalization.Fields {
		if _, ok := declared[cf.Name]; !ok {
			return ir.Validation("canonicalization."+cf.Name, "identity field is not declared")
		}
	}

	for i, r := range d.Extraction {
		path := fmt.Sprintf("extraction[%d]", i)
		if !identifierPattern.MatchString(r.EntityType) {
			return ir.Validation(path+".entity_type", fmt.Sprintf("%q must match %s", r.EntityType, identifierPattern))
		}
		if len(r.FieldMap) == 0 && r.From == "" {
			return ir.Validation(path, "extraction needs from or field_map")
		}
		if r.Relationship != "" && !identifierPattern.MatchString(r.Relationship) {
			return ir.Validation(path+".relationship", fmt.Sprintf("%q must match %s", r.Relationship, identifierPattern))
		}
		switch r.Direction {
		case "", ir.DirectionOutbound, ir.DirectionInbound:
		default:
			return ir.Validation(path+".direction", fmt.Sprintf("unknown direction %q", r.Direction))
		}
		if r.Direction != "" && r.Relationship == "" {
			return ir.Validation(path+".direction", "direction requires a relationship")
		}
	}
	return nil
}

// Hash fingerprints the definition body. Field declaration order is not
// significant; scope is excluded so identical bodies hash alike across scopes.
func (d Definition) Hash() (string, error) {
	body := d.normalized()
	body.Scope = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("hash definition: %w", err)
	}
	canonical, err := ir.CanonicalizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("hash definition: %w", err)
	}
	return ir.SchemaHash(canonical), nil
}

// normalized returns a copy with fields sorted by name and tie breakers filled in.
func (d Definition) normalized() Definition {
	out := d
	out.Fields = slices.Clone(d.Fields)
	slices.SortFunc(out.Fields, func(a, b ir.FieldSpec) int { return strings.Compare(a.Name, b.Name) })

	if len(d.MergePolicies) > 0 {
		out.MergePolicies = make(map[string]ir.MergePolicy, len(d.MergePolicies))
		for k, p := range d.MergePolicies {
			if p.TieBreaker == "" {
				p.TieBreaker = ir.TieBreakLatest
			}
			out.MergePolicies[k] = p
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
