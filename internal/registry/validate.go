package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/truthlayer/internal/ir"
)

// UnknownField is a payload field that did not validate, with the reason.
type UnknownField struct {
	Name   string
	Value  any
	Reason string
}

// Validation is the split of one payload against one schema.
//
// A field is valid only when it is declared and its value conforms to the
// declared type. Every other non-null field lands in Unknown. Missing lists
// required fields that were absent; it never blocks the valid subset.
type Validation struct {
	Fields  ir.IRObject
	Unknown []UnknownField
	Missing []string
}

// Unknown reasons.
const (
	ReasonUndeclared = "undeclared field"
	ReasonNoSchema   = "no schema registered for entity type"
)

// Validate splits payload into valid fields, unknown fields and missing
// required fields. JSON null is treated as absent. Values are normalized to
// their canonical IR form (decimals reduced, dates and datetimes in UTC).
func Validate(schema ir.EntitySchema, payload map[string]any) Validation {
	out := Validation{Fields: make(ir.IRObject)}

	for _, name := range sortedKeys(payload) {
		raw := payload[name]
		if raw == nil {
			continue
		}
		spec, ok := schema.Field(name)
		if !ok {
			out.Unknown = append(out.Unknown, UnknownField{Name: name, Value: raw, Reason: ReasonUndeclared})
			continue
		}
		v, err := Coerce(spec.Type, spec.Items, raw)
		if err != nil {
			out.Unknown = append(out.Unknown, UnknownField{Name: name, Value: raw, Reason: err.Error()})
			continue
		}
		out.Fields[name] = v
	}

	for _, f := range schema.Fields {
		if !f.Required {
			continue
		}
		if payload[f.Name] == nil {
			out.Missing = append(out.Missing, f.Name)
		}
	}
	slices.Sort(out.Missing)
	return out
}

// Unschematized routes every non-null field of a payload whose entity type has
// no schema to Unknown.
func Unschematized(payload map[string]any) Validation {
	out := Validation{Fields: make(ir.IRObject)}
	for _, name := range sortedKeys(payload) {
		if payload[name] == nil {
			continue
		}
		out.Unknown = append(out.Unknown, UnknownField{Name: name, Value: payload[name], Reason: ReasonNoSchema})
	}
	return out
}

// Coerce converts a decoded JSON value to the IR value of a declared type.
// items constrains array elements ("" accepts any element).
func Coerce(t ir.FieldType, items ir.FieldType, raw any) (ir.IRValue, error) {
	switch t {
	case ir.FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, typeMismatch(t, raw)
		}
		return ir.IRString(s), nil

	case ir.FieldInteger:
		n, err := integerOf(raw)
		if err != nil {
			return nil, err
		}
		return ir.IRInt(n), nil

	case ir.FieldDecimal:
		s, err := decimalOf(raw)
		if err != nil {
			return nil, err
		}
		return ir.IRString(s), nil

	case ir.FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, typeMismatch(t, raw)
		}
		return ir.IRBool(b), nil

	case ir.FieldDate:
		s, ok := raw.(string)
		if !ok {
			return nil, typeMismatch(t, raw)
		}
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("expected date (YYYY-MM-DD), got %q", s)
		}
		return ir.IRString(d.Format(time.DateOnly)), nil

	case ir.FieldDateTime:
		s, ok := raw.(string)
		if !ok {
			return nil, typeMismatch(t, raw)
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("expected RFC 3339 datetime, got %q", s)
		}
		return ir.IRString(ts.UTC().Format(time.RFC3339Nano)), nil

	case ir.FieldArray:
		elems, ok := raw.([]any)
		if !ok {
			return nil, typeMismatch(t, raw)
		}
		arr := make(ir.IRArray, 0, len(elems))
		for i, e := range elems {
			if e == nil {
				continue
			}
			elemType := items
			if elemType == "" {
				elemType = ir.FieldAny
			}
			v, err := Coerce(elemType, "", e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr = append(arr, v)
		}
		return arr, nil

	case ir.FieldObject:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, typeMismatch(t, raw)
		}
		return anyValue(m)

	case ir.FieldAny:
		return anyValue(raw)

	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func typeMismatch(t ir.FieldType, raw any) error {
	return fmt.Errorf("expected %s, got %s", t, kindOf(raw))
}

func kindOf(raw any) string {
	switch raw.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, int, int64, float64, float32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", raw)
	}
}

func integerOf(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		n, err := ir.ParseInt(v)
		if err != nil {
			return 0, fmt.Errorf("expected integer: %w", err)
		}
		return n, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, typeMismatch(ir.FieldInteger, raw)
	}
}

// decimalOf parses a JSON number or numeric string and returns its canonical
// text: trailing zeros removed, no exponent, "-0" folded to "0".
func decimalOf(raw any) (string, error) {
	var text string
	switch v := raw.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "", typeMismatch(ir.FieldDecimal, raw)
	}

	d, _, err := apd.NewFromString(text)
	if err != nil {
		return "", fmt.Errorf("expected decimal, got %q", text)
	}
	if d.Form != apd.Finite {
		return "", fmt.Errorf("expected finite decimal, got %q", text)
	}
	d.Reduce(d)
	if d.IsZero() {
		return "0", nil
	}
	// Plain notation spells out the exponent, so bound it before formatting.
	digits, exp := d.NumDigits(), int64(d.Exponent)
	if digits+exp > maxDecimalDigits || -exp > maxDecimalDigits {
		return "", fmt.Errorf("decimal %q out of range", text)
	}
	return d.Text('f'), nil
}

// maxDecimalDigits bounds the integer and fractional digits of a decimal.
const maxDecimalDigits = 1000

// anyValue converts an arbitrary decoded value. Non-integer numbers are kept
// as canonical decimal text since the IR has no floats.
func anyValue(raw any) (ir.IRValue, error) {
	switch v := raw.(type) {
	case nil:
		return ir.IRNull{}, nil
	case json.Number:
		if n, err := ir.ParseInt(v); err == nil {
			return ir.IRInt(n), nil
		}
		s, err := decimalOf(v)
		if err != nil {
			return nil, err
		}
		return ir.IRString(s), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= 1<<53 {
			return ir.IRInt(int64(v)), nil
		}
		s, err := decimalOf(v)
		if err != nil {
			return nil, err
		}
		return ir.IRString(s), nil
	case []any:
		arr := make(ir.IRArray, 0, len(v))
		for i, e := range v {
			if e == nil {
				continue
			}
			iv, err := anyValue(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr = append(arr, iv)
		}
		return arr, nil
	case map[string]any:
		obj := make(ir.IRObject, len(v))
		for k, e := range v {
			if e == nil {
				continue
			}
			iv, err := anyValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = iv
		}
		return obj, nil
	default:
		return ir.FromJSON(raw)
	}
}
