package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Scalars(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"ir string", IRString("Acme"), `"Acme"`},
		{"go string", "Acme", `"Acme"`},
		{"ir int", IRInt(-120), `-120`},
		{"int64", int64(9223372036854775807), `9223372036854775807`},
		{"int", 7, `7`},
		{"ir bool", IRBool(true), `true`},
		{"go bool", false, `false`},
		{"empty array", IRArray{}, `[]`},
		{"empty object", IRObject{}, `{}`},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_SortsKeysAtEveryDepth(t *testing.T) {
	v := IRObject{
		"name": IRString("Acme"),
		"hq":   IRObject{"zip": IRString("02110"), "city": IRString("Boston")},
		"tags": IRArray{IRObject{"z": IRInt(1), "a": IRInt(2)}},
	}

	got, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"hq":{"city":"Boston","zip":"02110"},"name":"Acme","tags":[{"a":2,"z":1}]}`, string(got))
}

func TestMarshalCanonical_GoMapsMatchIRObjects(t *testing.T) {
	fromGo, err := MarshalCanonical(map[string]any{
		"entity_type": "company",
		"fields":      map[string]any{"employees": int64(120)},
		"aliases":     []any{"Acme Inc", "ACME"},
	})
	require.NoError(t, err)

	fromIR, err := MarshalCanonical(IRObject{
		"entity_type": IRString("company"),
		"fields":      IRObject{"employees": IRInt(120)},
		"aliases":     IRArray{IRString("Acme Inc"), IRString("ACME")},
	})
	require.NoError(t, err)
	assert.Equal(t, string(fromIR), string(fromGo))
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
		msg   string
	}{
		{"nil", nil, "null"},
		{"ir null", IRNull{}, "null"},
		{"float64", 1.5, "floats"},
		{"float32", float32(2), "floats"},
		{"nested float", map[string]any{"revenue": 1.5}, "floats"},
		{"null in array", []any{"a", nil}, "null"},
		{"struct", struct{}{}, "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestMarshalCanonical_NoHTMLOrLineSeparatorEscaping(t *testing.T) {
	got, err := MarshalCanonical("<b>R&D</b>\u2028\u2029")
	require.NoError(t, err)
	assert.Equal(t, "\"<b>R&D</b>\u2028\u2029\"", string(got))
}

func TestMarshalCanonical_ControlCharacters(t *testing.T) {
	got, err := MarshalCanonical("a\"b\\c\nd\te\u0001")
	require.NoError(t, err)
	assert.Equal(t, `"a\"b\\c\nd\te\u0001"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	composed := "Caf\u00e9"
	decomposed := "Cafe\u0301"

	a, err := MarshalCanonical(IRObject{"name": IRString(composed)})
	require.NoError(t, err)
	b, err := MarshalCanonical(IRObject{"name": IRString(decomposed)})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	keys, err := MarshalCanonical(map[string]any{decomposed: "x"})
	require.NoError(t, err)
	assert.Equal(t, "{\"Caf\u00e9\":\"x\"}", string(keys))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) and sorts before U+FB01
	// in UTF-16, although its UTF-8 bytes sort after.
	got, err := MarshalCanonical(map[string]any{"\ufb01": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\ufb01\":1}", string(got))
}

func TestCanonicalizeJSON(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(`{ "revenue": 1.50, "name": "Acme", "ceo": null, "tags": [true, 1e3] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"ceo":null,"name":"Acme","revenue":1.50,"tags":[true,1e3]}`, string(got))
}

func TestCanonicalizeJSON_WhitespaceAndOrderInsensitive(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"b":1,"a":[1,2]}`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte("{\n  \"a\": [1, 2],\n  \"b\": 1\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonicalizeJSON_Errors(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = CanonicalizeJSON([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add("Acme", int64(120), true)
	f.Add("Café  ", int64(-1), false)
	f.Add("", int64(0), true)

	f.Fuzz(func(t *testing.T, s string, n int64, b bool) {
		v := IRObject{"s": IRString(s), "n": IRInt(n), "b": IRBool(b)}
		first, err := MarshalCanonical(v)
		if err != nil {
			t.Skip()
		}
		decoded, err := UnmarshalIRValue(first)
		if err != nil {
			t.Skip()
		}
		second, err := MarshalCanonical(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	})
}
