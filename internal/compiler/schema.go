// Package compiler turns CUE schema definition files into registry definitions.
//
// A file declares one or more entity types under the top-level "schema" struct:
//
//	schema: company: {
//		fields: {
//			name:    {type: "string", required: true}
//			revenue: "decimal"
//			tags:    [...string]
//			founded: "date"
//		}
//		merge: {
//			tags: "array_union"
//			name: {strategy: "last_write", tie_breaker: "earliest"}
//		}
//		identity: {name: ["trim", "lowercase"]}
//		extract: [{entity_type: "person", from: "ceo", relationship: "led_by"}]
//	}
//
// Field types may be written as a type name string, a {type, required, items}
// struct, or a plain CUE type (string, int, bool, [...T], {...}). CUE floats
// are rejected; declare "decimal" instead.
package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
)

// CompileFile compiles every schema declared in a CUE file.
func CompileFile(path string) ([]registry.Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return CompileSource(path, string(src))
}

// CompileSource compiles every schema declared in CUE source text.
// filename is used for error positions only.
func CompileSource(filename, src string) ([]registry.Definition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileValue(v)
}

// CompileValue compiles the "schema" struct of an already-built CUE value.
// Definitions come back in declaration order.
func CompileValue(root cue.Value) ([]registry.Definition, error) {
	schemasVal := root.LookupPath(cue.ParsePath("schema"))
	if !schemasVal.Exists() {
		return nil, &CompileError{Field: "schema", Message: "no schema declarations found", Pos: root.Pos()}
	}
	iter, err := schemasVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []registry.Definition
	for iter.Next() {
		def, err := CompileSchema(iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// CompileSchema parses one schema struct. The entity type is the struct's label.
func CompileSchema(v cue.Value) (registry.Definition, error) {
	if err := v.Err(); err != nil {
		return registry.Definition{}, formatCUEError(err)
	}

	var def registry.Definition
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.EntityType = labels[len(labels)-1].String()
	}

	if scopeVal := v.LookupPath(cue.ParsePath("scope")); scopeVal.Exists() {
		scope, err := scopeVal.String()
		if err != nil {
			return registry.Definition{}, formatCUEError(err)
		}
		def.Scope = scope
	}

	var err error
	if def.Fields, err = parseFields(v); err != nil {
		return registry.Definition{}, err
	}
	if def.MergePolicies, err = parseMerge(v); err != nil {
		return registry.Definition{}, err
	}
	if def.Canonicalization, err = parseIdentity(v); err != nil {
		return registry.Definition{}, err
	}
	if def.Extraction, err = parseExtract(v); err != nil {
		return registry.Definition{}, err
	}

	if err := def.Check(); err != nil {
		return registry.Definition{}, &CompileError{
			Field:   fmt.Sprintf("schema.%s", def.EntityType),
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	return def, nil
}

func parseFields(v cue.Value) ([]ir.FieldSpec, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{Field: "fields", Message: "fields are required", Pos: v.Pos()}
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fields []ir.FieldSpec
	for iter.Next() {
		spec, err := parseField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		fields = append(fields, spec)
	}
	return fields, nil
}

// parseField accepts a type name, a {type, required, items} struct, or a CUE type.
func parseField(name string, v cue.Value) (ir.FieldSpec, error) {
	spec := ir.FieldSpec{Name: name}

	if typeName, err := v.String(); err == nil {
		spec.Type = ir.FieldType(typeName)
		return spec, nil
	}

	if typeVal := v.LookupPath(cue.ParsePath("type")); typeVal.Exists() && v.IncompleteKind() == cue.StructKind {
		typeName, err := typeVal.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.Type = ir.FieldType(typeName)

		if reqVal := v.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
			if spec.Required, err = reqVal.Bool(); err != nil {
				return spec, formatCUEError(err)
			}
		}
		if itemsVal := v.LookupPath(cue.ParsePath("items")); itemsVal.Exists() {
			items, err := itemsVal.String()
			if err != nil {
				return spec, formatCUEError(err)
			}
			spec.Items = ir.FieldType(items)
		}
		return spec, nil
	}

	t, err := kindToFieldType(name, v)
	if err != nil {
		return spec, err
	}
	spec.Type = t
	if t == ir.FieldArray {
		elem := v.LookupPath(cue.MakePath(cue.AnyIndex))
		if elem.Exists() {
			items, err := kindToFieldType(name, elem)
			if err != nil {
				return spec, err
			}
			if items != ir.FieldAny {
				spec.Items = items
			}
		}
	}
	return spec, nil
}

// kindToFieldType maps a CUE kind to a field type. Floats are forbidden.
func kindToFieldType(name string, v cue.Value) (ir.FieldType, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return ir.FieldString, nil
	case cue.IntKind:
		return ir.FieldInteger, nil
	case cue.BoolKind:
		return ir.FieldBoolean, nil
	case cue.ListKind:
		return ir.FieldArray, nil
	case cue.StructKind:
		return ir.FieldObject, nil
	case cue.TopKind:
		return ir.FieldAny, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "fields." + name,
			Message: `float types are forbidden - declare "decimal" instead`,
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "fields." + name,
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// parseMerge reads per-field policies written as a strategy string or a
// {strategy, tie_breaker} struct.
func parseMerge(v cue.Value) (map[string]ir.MergePolicy, error) {
	mergeVal := v.LookupPath(cue.ParsePath("merge"))
	if !mergeVal.Exists() {
		return nil, nil
	}
	iter, err := mergeVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	policies := make(map[string]ir.MergePolicy)
	for iter.Next() {
		pv := iter.Value()
		var p ir.MergePolicy
		if s, err := pv.String(); err == nil {
			p.Strategy = ir.Strategy(s)
		} else {
			s, err := pv.LookupPath(cue.ParsePath("strategy")).String()
			if err != nil {
				return nil, &CompileError{
					Field:   "merge." + iter.Label(),
					Message: "must be a strategy name or {strategy, tie_breaker}",
					Pos:     pv.Pos(),
				}
			}
			p.Strategy = ir.Strategy(s)
			if tbVal := pv.LookupPath(cue.ParsePath("tie_breaker")); tbVal.Exists() {
				tb, err := tbVal.String()
				if err != nil {
					return nil, formatCUEError(err)
				}
				p.TieBreaker = ir.TieBreaker(tb)
			}
		}
		policies[iter.Label()] = p
	}
	return policies, nil
}

// parseIdentity reads identity fields in declaration order, each mapped to a
// transform list (possibly empty).
func parseIdentity(v cue.Value) (ir.CanonicalizationRule, error) {
	var rule ir.CanonicalizationRule
	idVal := v.LookupPath(cue.ParsePath("identity"))
	if !idVal.Exists() {
		return rule, nil
	}
	iter, err := idVal.Fields()
	if err != nil {
		return rule, formatCUEError(err)
	}
	for iter.Next() {
		cf := ir.CanonicalField{Name: iter.Label()}
		list, err := iter.Value().List()
		if err != nil {
			return rule, &CompileError{
				Field:   "identity." + iter.Label(),
				Message: "must be a list of transforms",
				Pos:     iter.Value().Pos(),
			}
		}
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return rule, formatCUEError(err)
			}
			cf.Transforms = append(cf.Transforms, ir.Transform(s))
		}
		rule.Fields = append(rule.Fields, cf)
	}
	return rule, nil
}

func parseExtract(v cue.Value) ([]ir.ExtractionRule, error) {
	exVal := v.LookupPath(cue.ParsePath("extract"))
	if !exVal.Exists() {
		return nil, nil
	}
	list, err := exVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rules []ir.ExtractionRule
	for i := 0; list.Next(); i++ {
		var r ir.ExtractionRule
		if err := list.Value().Decode(&r); err != nil {
			return nil, &CompileError{
				Field:   fmt.Sprintf("extract.%d", i),
				Message: err.Error(),
				Pos:     list.Value().Pos(),
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}
