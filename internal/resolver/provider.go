package resolver

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderOllama Provider = "ollama"
)

// ProviderOptions configures model construction for a provider.
type ProviderOptions struct {
	Provider  Provider `json:"provider"`
	APIKey    string   `json:"api_key"`
	Model     string   `json:"model,omitempty"`
	BaseURL   string   `json:"base_url,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

// NewModel constructs a langchaingo model for the configured provider.
func NewModel(ctx context.Context, options ProviderOptions) (llms.Model, error) {
	switch options.Provider {
	case ProviderOpenAI:
		return newOpenAIModel(options)
	case ProviderGemini:
		return newGeminiModel(ctx, options)
	case ProviderClaude:
		return newAnthropicModel(options)
	case ProviderOllama:
		return newOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}
}

func newOpenAIModel(options ProviderOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, openai.WithModel(options.Model))
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func newGeminiModel(ctx context.Context, options ProviderOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.Model))
	}
	if options.MaxTokens > 0 {
		opts = append(opts, googleai.WithDefaultMaxTokens(options.MaxTokens))
	}

	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func newAnthropicModel(options ProviderOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, anthropic.WithModel(options.Model))
	}
	return anthropic.New(opts...)
}

func newOllamaModel(options ProviderOptions) (llms.Model, error) {
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	opts := []ollama.Option{
		ollama.WithServerURL(baseURL),
	}
	if options.Model != "" {
		opts = append(opts, ollama.WithModel(options.Model))
	}
	return ollama.New(opts...)
}
