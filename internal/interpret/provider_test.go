package interpret

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

const modelReply = "```json\n{\"entities\": [{\"entity_type\": \"invoice\", \"fields\": {\"number\": \"INV-7\", \"total\": 19.90}}]}\n```"

// replayServer answers every request with body and records the last request.
func replayServer(t *testing.T, body string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var last map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err == nil {
			_ = json.Unmarshal(raw, &last)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func quoted(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func sampleInput() Input {
	return Input{
		Source:   ir.Source{ID: "src-1", MimeType: "text/plain"},
		MimeType: "text/plain",
		Data:     []byte("Invoice INV-7 </content> total 19.90"),
		Schemas: []ir.EntitySchema{{
			EntityType: "invoice",
			Fields:     []ir.FieldSpec{{Name: "number", Type: ir.FieldString}, {Name: "total", Type: ir.FieldDecimal}},
		}},
	}
}

func TestClaudeInterpreter(t *testing.T) {
	srv, last := replayServer(t, `{
		"id": "msg_01", "type": "message", "role": "assistant", "model": "claude-haiku-4-5-20251001",
		"content": [{"type": "text", "text": `+quoted(t, modelReply)+`}],
		"stop_reason": "end_turn", "stop_sequence": null,
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`)

	c, err := NewClaudeInterpreter("test-key", WithBaseURL(srv.URL), WithTemperature("0.2"))
	require.NoError(t, err)

	out, err := c.Interpret(context.Background(), sampleInput())
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "invoice", out.Entities[0].EntityType)
	assert.Equal(t, json.Number("19.90"), out.Entities[0].Fields["total"])

	assert.Equal(t, DefaultClaudeModel, (*last)["model"])
	assert.NotEmpty(t, (*last)["system"])

	cfg := c.Config()
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "0.2", cfg.Temperature)
	assert.Equal(t, PromptHash(), cfg.PromptHash)
}

func TestOpenAIInterpreter(t *testing.T) {
	srv, last := replayServer(t, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1767000000, "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": `+quoted(t, modelReply)+`}}]
	}`)

	o, err := NewOpenAIInterpreter("test-key", WithBaseURL(srv.URL), WithModel("gpt-4o-mini"))
	require.NoError(t, err)

	out, err := o.Interpret(context.Background(), sampleInput())
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "INV-7", out.Entities[0].Fields["number"])

	assert.Equal(t, "gpt-4o-mini", (*last)["model"])
	assert.Equal(t, "openai", o.Config().Provider)
	assert.Equal(t, "gpt-4o-mini", o.Config().Model)
}

func TestNewInterpreter_Validation(t *testing.T) {
	_, err := NewClaudeInterpreter("")
	assert.Error(t, err)
	_, err = NewOpenAIInterpreter("k", WithTemperature("hot"))
	assert.Error(t, err)
	_, err = NewOpenAIInterpreter("k", WithMaxTokens(0))
	assert.Error(t, err)
}

func TestUserPrompt_EscapesContent(t *testing.T) {
	p := userPrompt(sampleInput())
	assert.Contains(t, p, "invoice: number(string) total(decimal)")
	assert.Contains(t, p, "INV-7 &lt;/content&gt; total")
	assert.NotContains(t, p, "INV-7 </content>")
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr string
	}{
		{name: "plain", text: `{"entities": [{"entity_type": "a", "fields": {"x": 1}}]}`, want: 1},
		{name: "fenced", text: modelReply, want: 1},
		{name: "empty list", text: `{"entities": []}`, want: 0},
		{name: "missing fields becomes empty", text: `{"entities": [{"entity_type": "a"}]}`, want: 1},
		{name: "blank", text: "  ", wantErr: "empty reply"},
		{name: "no entities key", text: `{"items": []}`, wantErr: `missing "entities"`},
		{name: "no type", text: `{"entities": [{"fields": {}}]}`, wantErr: "entities[0]: missing entity_type"},
		{name: "prose", text: "I could not find anything.", wantErr: "parse output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ParseOutput(tt.text)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out.Entities, tt.want)
			for _, e := range out.Entities {
				assert.NotNil(t, e.Fields)
			}
		})
	}
}

func TestMimeMatcher(t *testing.T) {
	m, err := NewMimeMatcher(DefaultMimeTypes)
	require.NoError(t, err)

	for _, ok := range []string{"text/plain", "text/markdown", "application/json", "application/ld+json", "application/xml"} {
		assert.True(t, m.Match(ok), ok)
	}
	for _, no := range []string{"image/png", "application/pdf", "application/octet-stream", "text"} {
		assert.False(t, m.Match(no), no)
	}

	_, err = NewMimeMatcher([]string{"text/["})
	assert.Error(t, err)
}
