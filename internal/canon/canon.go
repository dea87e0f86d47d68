// Package canon applies a schema's canonicalization rule to identity fields.
//
// Two payloads whose identity fields canonicalize to the same object always
// resolve to the same entity, independent of casing, whitespace, Unicode
// composition or array order in the raw input.
package canon

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/truthlayer/internal/ir"
)

// Identity selects and normalizes the identity fields of a validated payload.
//
// With an empty rule every field participates with NFC normalization only.
// Fields named by the rule but absent (or empty after normalization) are skipped;
// if nothing remains the payload has no identity and a validation error is returned.
func Identity(rule ir.CanonicalizationRule, fields ir.IRObject) (ir.IRObject, error) {
	identity := make(ir.IRObject)

	if len(rule.Fields) == 0 {
		for _, k := range fields.SortedKeys() {
			if v, ok := Value(fields[k], nil); ok {
				identity[k] = v
			}
		}
	} else {
		for _, cf := range rule.Fields {
			raw, ok := fields[cf.Name]
			if !ok {
				continue
			}
			if v, ok := Value(raw, cf.Transforms); ok {
				identity[cf.Name] = v
			}
		}
	}

	if len(identity) == 0 {
		names := make([]string, 0, len(rule.Fields))
		for _, cf := range rule.Fields {
			names = append(names, cf.Name)
		}
		return nil, ir.Validation(strings.Join(names, ","), "payload carries no identity fields")
	}
	return identity, nil
}

// Value canonicalizes one value. Strings get NFC plus the transforms in order,
// arrays are canonicalized element-wise then sorted and deduplicated by canonical
// JSON, objects recurse. ok is false when the value normalizes to nothing.
func Value(v ir.IRValue, transforms []ir.Transform) (ir.IRValue, bool) {
	switch val := v.(type) {
	case ir.IRString:
		s := String(string(val), transforms)
		if s == "" {
			return nil, false
		}
		return ir.IRString(s), true
	case ir.IRInt, ir.IRBool:
		return val, true
	case ir.IRArray:
		return sortedUnique(val, transforms)
	case ir.IRObject:
		out := make(ir.IRObject, len(val))
		for k, elem := range val {
			if cv, ok := Value(elem, transforms); ok {
				out[k] = cv
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// String applies NFC and then each transform in declaration order.
func String(s string, transforms []ir.Transform) string {
	s = norm.NFC.String(s)
	for _, t := range transforms {
		switch t {
		case ir.TransformTrim:
			s = strings.TrimSpace(s)
		case ir.TransformLowercase:
			// Full case folding: "ACME", "Acme" and "acme" agree, as do "STRASSE" and "straße".
			// A Caser is stateful, so one is built per call.
			s = cases.Fold().String(s)
		case ir.TransformCollapseWhitespace:
			s = strings.Join(strings.Fields(s), " ")
		case ir.TransformStripPunctuation:
			s = strings.Map(func(r rune) rune {
				if unicode.IsPunct(r) || unicode.IsSymbol(r) {
					return -1
				}
				return r
			}, s)
		case ir.TransformNFKC:
			s = norm.NFKC.String(s)
		case ir.TransformDigitsOnly:
			s = strings.Map(func(r rune) rune {
				if unicode.IsDigit(r) {
					return r
				}
				return -1
			}, s)
		}
	}
	return s
}

// Validate rejects unknown transforms.
func Validate(rule ir.CanonicalizationRule) error {
	seen := make(map[string]bool)
	for _, cf := range rule.Fields {
		if cf.Name == "" {
			return fmt.Errorf("canonicalization field name is empty")
		}
		if seen[cf.Name] {
			return fmt.Errorf("canonicalization field %q listed twice", cf.Name)
		}
		seen[cf.Name] = true
		for _, t := range cf.Transforms {
			if !ir.ValidTransforms[t] {
				return fmt.Errorf("canonicalization field %q: unknown transform %q", cf.Name, t)
			}
		}
	}
	return nil
}

type keyed struct {
	key []byte
	val ir.IRValue
}

func sortedUnique(arr ir.IRArray, transforms []ir.Transform) (ir.IRValue, bool) {
	items := make([]keyed, 0, len(arr))
	for _, elem := range arr {
		cv, ok := Value(elem, transforms)
		if !ok {
			continue
		}
		k, err := ir.MarshalCanonical(cv)
		if err != nil {
			continue
		}
		items = append(items, keyed{key: k, val: cv})
	}
	if len(items) == 0 {
		return nil, false
	}
	slices.SortFunc(items, func(a, b keyed) int { return bytes.Compare(a.key, b.key) })
	items = slices.CompactFunc(items, func(a, b keyed) bool { return bytes.Equal(a.key, b.key) })

	out := make(ir.IRArray, len(items))
	for i, it := range items {
		out[i] = it.val
	}
	return out, true
}
