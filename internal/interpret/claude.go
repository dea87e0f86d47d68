package interpret

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/roach88/truthlayer/internal/ir"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-haiku-4-5-20251001"

// ClaudeInterpreter structures content with the Anthropic Messages API.
//
// Thread-safety: safe for concurrent use.
type ClaudeInterpreter struct {
	client      *anthropic.Client
	settings    settings
	temperature float64
}

// NewClaudeInterpreter creates an interpreter backed by Claude.
func NewClaudeInterpreter(apiKey string, opts ...ProviderOption) (*ClaudeInterpreter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	s, temp, err := newSettings(DefaultClaudeModel, opts)
	if err != nil {
		return nil, err
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	c := anthropic.NewClient(clientOpts...)
	return &ClaudeInterpreter{client: &c, settings: s, temperature: temp}, nil
}

// Config implements Interpreter.
func (c *ClaudeInterpreter) Config() ir.InterpretationConfig {
	return c.settings.config("anthropic")
}

// Interpret implements Interpreter.
func (c *ClaudeInterpreter) Interpret(ctx context.Context, in Input) (Output, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.settings.model),
		MaxTokens:   c.settings.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(in))),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("claude: %w", err)
	}

	var text string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text = resp.Content[i].Text
			break
		}
	}
	c.settings.logger.Debug("claude reply", "source_id", in.Source.ID, "stop_reason", resp.StopReason, "bytes", len(text))

	out, err := ParseOutput(text)
	if err != nil {
		return Output{}, fmt.Errorf("claude: %w", err)
	}
	return out, nil
}
