package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRObject_SortedKeys(t *testing.T) {
	obj := IRObject{"name": IRString("Acme"), "employees": IRInt(120), "Hq": IRString("Boston")}
	assert.Equal(t, []string{"Hq", "employees", "name"}, obj.SortedKeys())
	assert.Empty(t, IRObject{}.SortedKeys())
}

func TestIRObject_Clone(t *testing.T) {
	obj := IRObject{"name": IRString("Acme")}
	clone := obj.Clone()
	clone["hq"] = IRString("Boston")

	assert.Len(t, obj, 1)
	assert.Len(t, clone, 2)
}

func TestCompareKeysRFC8785(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"a", "aa", -1},
		{"A", "a", -1},
		{"", "a", -1},
		{"\U0001F600", "\ufb01", -1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, compareKeysRFC8785(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestMarshalIRValue(t *testing.T) {
	tests := []struct {
		name  string
		value IRValue
		want  string
	}{
		{"null", IRNull{}, `null`},
		{"string", IRString("a<b"), `"a<b"`},
		{"int", IRInt(42), `42`},
		{"bool", IRBool(false), `false`},
		{"array", IRArray{IRString("x"), IRInt(1)}, `["x",1]`},
		{"object sorted", IRObject{"z": IRInt(1), "a": IRBool(true)}, `{"a":true,"z":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalIRValue(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestIRObject_JSONRoundTrip(t *testing.T) {
	in := IRObject{
		"name":    IRString("Acme"),
		"revenue": IRString("1250000.50"),
		"tags":    IRArray{IRString("saas"), IRString("b2b")},
		"ceo":     IRObject{"name": IRString("Ada")},
		"public":  IRBool(true),
		"founded": IRInt(1999),
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out IRObject
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestIRObject_UnmarshalRejectsNonObject(t *testing.T) {
	var obj IRObject
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &obj))

	var arr IRArray
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &arr))
}

func TestUnmarshalIRValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  IRValue
	}{
		{"null", `null`, IRNull{}},
		{"string", `"hello"`, IRString("hello")},
		{"int", `-100`, IRInt(-100)},
		{"bool", `true`, IRBool(true)},
		{"array", `[1,"a"]`, IRArray{IRInt(1), IRString("a")}},
		{"object", `{"a":{"b":1}}`, IRObject{"a": IRObject{"b": IRInt(1)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalIRValue([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalIRValue_RejectsNonIntegers(t *testing.T) {
	for _, input := range []string{`1.5`, `1e3`, `{"revenue":2.0}`, `[1, 2E2]`, `99999999999999999999`} {
		_, err := UnmarshalIRValue([]byte(input))
		assert.Error(t, err, input)
	}
}

func TestFromJSON(t *testing.T) {
	got, err := FromJSON(map[string]any{
		"name":      "Acme",
		"employees": json.Number("120"),
		"count":     3,
		"big":       int64(1) << 40,
		"public":    true,
		"tags":      []any{"a", IRString("b")},
	})
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"name":      IRString("Acme"),
		"employees": IRInt(120),
		"count":     IRInt(3),
		"big":       IRInt(1 << 40),
		"public":    IRBool(true),
		"tags":      IRArray{IRString("a"), IRString("b")},
	}, got)

	_, err = FromJSON(map[string]any{"revenue": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `["revenue"]`)

	_, err = FromJSON(struct{}{})
	assert.Error(t, err)
}

func TestParseInt(t *testing.T) {
	n, err := ParseInt(json.Number("-42"))
	require.NoError(t, err)
	assert.Equal(t, int64(-42), n)

	_, err = ParseInt(json.Number("4.2"))
	assert.ErrorContains(t, err, "not an integer")

	_, err = ParseInt(json.Number("18446744073709551616"))
	assert.ErrorContains(t, err, "out of int64 range")
}

func TestToAny(t *testing.T) {
	got := ToAny(IRObject{
		"name": IRString("Acme"),
		"n":    IRInt(2),
		"ok":   IRBool(true),
		"list": IRArray{IRInt(1)},
		"none": IRNull{},
	})
	assert.Equal(t, map[string]any{
		"name": "Acme",
		"n":    int64(2),
		"ok":   true,
		"list": []any{int64(1)},
		"none": nil,
	}, got)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(IRObject{"a": IRInt(1), "b": IRString("x")}, IRObject{"b": IRString("x"), "a": IRInt(1)}))
	assert.True(t, Equal(IRString("Caf\u00e9"), IRString("Cafe\u0301")))
	assert.False(t, Equal(IRInt(1), IRString("1")))
	assert.False(t, Equal(IRNull{}, IRNull{}), "null has no canonical form")
}
