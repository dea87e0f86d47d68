package interpret

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/truthlayer/internal/ir"
)

// CodeVersion is recorded on every interpretation config.
const CodeVersion = "truthlayer/interpret/v1"

// DefaultMaxTokens bounds a provider reply.
const DefaultMaxTokens = 4096

// ProviderOption configures a model-backed Interpreter.
type ProviderOption func(*settings)

type settings struct {
	model       string
	baseURL     string
	temperature string
	maxTokens   int64
	logger      *slog.Logger
}

// WithModel sets the model name.
func WithModel(model string) ProviderOption {
	return func(s *settings) { s.model = model }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) ProviderOption {
	return func(s *settings) { s.baseURL = url }
}

// WithTemperature sets the sampling temperature as decimal text ("0", "0.2").
func WithTemperature(t string) ProviderOption {
	return func(s *settings) { s.temperature = t }
}

// WithMaxTokens bounds the reply length.
func WithMaxTokens(n int64) ProviderOption {
	return func(s *settings) { s.maxTokens = n }
}

// WithProviderLogger sets the logger.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(s *settings) { s.logger = l }
}

func newSettings(defaultModel string, opts []ProviderOption) (settings, float64, error) {
	s := settings{model: defaultModel, temperature: "0", maxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	temp, err := strconv.ParseFloat(s.temperature, 64)
	if err != nil || temp < 0 || temp > 2 {
		return settings{}, 0, fmt.Errorf("temperature %q: must be a decimal in [0, 2]", s.temperature)
	}
	if s.maxTokens <= 0 {
		return settings{}, 0, fmt.Errorf("max tokens must be positive, got %d", s.maxTokens)
	}
	return s, temp, nil
}

func (s settings) config(provider string) ir.InterpretationConfig {
	return ir.InterpretationConfig{
		Provider:    provider,
		Model:       s.model,
		Temperature: s.temperature,
		PromptHash:  PromptHash(),
		CodeVersion: CodeVersion,
	}
}
