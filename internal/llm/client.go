package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/codescribe/codescribe/internal/retry"
)

// Config configures the language model client.
type Config struct {
	Provider    string // openai | gemini | anthropic
	APIKey      string
	Model       string
	BaseURL     string // optional custom endpoint (OpenAI-compatible servers)
	MaxTokens   int
	Temperature float64
}

// Client invokes the external language model with retry for transient
// failures. It returns raw text; schema handling lives in ParseFindings and
// friends so validation failures can drive the corrective-retry loop above.
type Client struct {
	llm         llms.Model
	cfg         Config
	retryConfig retry.RetryConfig
}

// NewClient creates a model client for the configured provider.
func NewClient(ctx context.Context, cfg Config, retryConfig retry.RetryConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}

	model, err := newModel(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Client{llm: model, cfg: cfg, retryConfig: retryConfig}, nil
}

func newModel(ctx context.Context, cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "gemini":
		opts := []googleai.Option{
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithDefaultMaxTokens(cfg.MaxTokens),
		}
		return googleai.New(ctx, opts...)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// Generate sends the prompt and returns the model's raw response text.
// Transient failures are retried with backoff; anything else surfaces to the
// caller's corrective/fallback handling.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var response string

	result := retry.WithBackoff(ctx, c.retryConfig, func() error {
		out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
			llms.WithMaxTokens(c.cfg.MaxTokens),
			llms.WithTemperature(c.cfg.Temperature),
		)
		if err != nil {
			return fmt.Errorf("model call failed: %w", err)
		}
		response = out
		return nil
	})

	if !result.Success {
		return "", result.LastError
	}
	return response, nil
}
