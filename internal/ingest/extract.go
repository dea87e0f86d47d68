package ingest

import (
	"maps"
	"slices"

	"github.com/roach88/truthlayer/internal/ir"
)

// maxExtractionDepth caps how far extraction recurses into nested payloads.
// Past it, nested objects stay on their parent as ordinary fields.
const maxExtractionDepth = 8

// child is one secondary entity pulled out of a parent payload.
type child struct {
	entityType string
	fields     map[string]any
	rule       ir.ExtractionRule
}

// extract applies schema's extraction rules to fields. It returns the fields
// left for the parent and the extracted children in rule order.
//
// A From field is consumed (removed from the parent) unless the parent schema
// also declares it, in which case it stays as an ordinary parent field too.
// The same holds for top-level fields read through a FieldMap.
func extract(schema ir.EntitySchema, fields map[string]any) (map[string]any, []child) {
	if len(schema.Extraction) == 0 {
		return fields, nil
	}
	rest := maps.Clone(fields)
	var children []child

	consume := func(name string) {
		if _, declared := schema.Field(name); !declared {
			delete(rest, name)
		}
	}

	for _, rule := range schema.Extraction {
		if rule.From == "" {
			mapped := mapFields(rule.FieldMap, fields)
			if len(mapped) == 0 {
				continue
			}
			for _, src := range sortedValues(rule.FieldMap) {
				consume(src)
			}
			children = append(children, child{entityType: rule.EntityType, fields: mapped, rule: rule})
			continue
		}

		objects, ok := nestedObjects(fields[rule.From])
		if !ok {
			continue
		}
		consume(rule.From)
		for _, obj := range objects {
			mapped := mapFields(rule.FieldMap, obj)
			if len(mapped) == 0 {
				continue
			}
			children = append(children, child{entityType: rule.EntityType, fields: mapped, rule: rule})
		}
	}
	return rest, children
}

// nestedObjects accepts an object or an array made only of objects.
func nestedObjects(raw any) ([]map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}, true
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		out := make([]map[string]any, 0, len(v))
		for _, elem := range v {
			obj, ok := elem.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, obj)
		}
		return out, true
	default:
		return nil, false
	}
}

// mapFields copies src through fieldMap (target -> source). An empty map
// copies src whole. Null values are dropped.
func mapFields(fieldMap map[string]string, src map[string]any) map[string]any {
	out := make(map[string]any)
	if len(fieldMap) == 0 {
		for k, v := range src {
			if v != nil {
				out[k] = v
			}
		}
		return out
	}
	for target, source := range fieldMap {
		if v := src[source]; v != nil {
			out[target] = v
		}
	}
	return out
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// edge orients the relationship between a parent and an extracted child.
func edge(rule ir.ExtractionRule, parentID, childID string) (source, target string) {
	if rule.Direction == ir.DirectionInbound {
		return childID, parentID
	}
	return parentID, childID
}
