package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON for hashing.
// This is the ONLY serialization used for content-addressed identity.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. No floats, no null
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case IRString:
		return canonicalString(string(val))
	case string:
		return canonicalString(val)
	case IRInt:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case IRBool:
		return canonicalBool(bool(val)), nil
	case bool:
		return canonicalBool(val), nil
	case IRArray:
		elems := make([]any, len(val))
		for i, e := range val {
			elems[i] = e
		}
		return canonicalArray(elems, MarshalCanonical)
	case IRObject:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = e
		}
		return canonicalObject(m, MarshalCanonical)
	case []any:
		return canonicalArray(val, MarshalCanonical)
	case []string:
		elems := make([]any, len(val))
		for i, e := range val {
			elems[i] = e
		}
		return canonicalArray(elems, MarshalCanonical)
	case map[string]any:
		return canonicalObject(val, MarshalCanonical)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// CanonicalizeJSON re-encodes an arbitrary JSON document in canonical form for
// content hashing. Unlike MarshalCanonical it accepts null and keeps number
// literals exactly as written, since raw payloads are hashed, not reduced.
func CanonicalizeJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonicalize json: trailing data after document")
	}
	return canonicalRaw(raw)
}

func canonicalRaw(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.Number:
		return []byte(val.String()), nil
	case string:
		return canonicalString(val)
	case bool:
		return canonicalBool(val), nil
	case []any:
		return canonicalArray(val, canonicalRaw)
	case map[string]any:
		return canonicalObject(val, canonicalRaw)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func canonicalBool(b bool) []byte {
	if b {
		return []byte("true")
	}
	return []byte("false")
}

// canonicalString escapes only quote, backslash and control characters.
// U+2028/U+2029 stay literal per RFC 8785 even though encoding/json escapes them.
func canonicalString(s string) ([]byte, error) {
	s = norm.NFC.String(s)

	var buf bytes.Buffer
	buf.Grow(len(s) + 2)
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(&buf, `\u%04x`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

func canonicalArray(elems []any, enc func(any) ([]byte, error)) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range elems {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := enc(e)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func canonicalObject(m map[string]any, enc func(any) ([]byte, error)) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Keys are NFC normalized before ordering so equivalent spellings collide.
	slices.SortFunc(keys, func(a, b string) int {
		return compareKeysRFC8785(norm.NFC.String(a), norm.NFC.String(b))
	})

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := canonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := enc(m[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
