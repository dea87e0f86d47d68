package interpret

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/roach88/truthlayer/internal/ir"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIInterpreter structures content with an OpenAI-compatible chat
// completions endpoint.
//
// Thread-safety: safe for concurrent use.
type OpenAIInterpreter struct {
	client      *openai.Client
	settings    settings
	temperature float64
}

// NewOpenAIInterpreter creates an interpreter backed by the chat completions API.
func NewOpenAIInterpreter(apiKey string, opts ...ProviderOption) (*OpenAIInterpreter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	s, temp, err := newSettings(DefaultOpenAIModel, opts)
	if err != nil {
		return nil, err
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	c := openai.NewClient(clientOpts...)
	return &OpenAIInterpreter{client: &c, settings: s, temperature: temp}, nil
}

// Config implements Interpreter.
func (o *OpenAIInterpreter) Config() ir.InterpretationConfig {
	return o.settings.config("openai")
}

// Interpret implements Interpreter.
func (o *OpenAIInterpreter) Interpret(ctx context.Context, in Input) (Output, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.settings.model),
		Temperature: openai.Float(o.temperature),
		MaxTokens:   openai.Int(o.settings.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(in)),
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Output{}, fmt.Errorf("openai: reply has no choices")
	}

	text := resp.Choices[0].Message.Content
	o.settings.logger.Debug("openai reply", "source_id", in.Source.ID, "finish_reason", resp.Choices[0].FinishReason, "bytes", len(text))

	out, err := ParseOutput(text)
	if err != nil {
		return Output{}, fmt.Errorf("openai: %w", err)
	}
	return out, nil
}
