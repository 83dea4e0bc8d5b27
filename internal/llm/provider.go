// Package llm provides a provider-agnostic text-completion adapter for
// Bitácora. Every analysis component (classification, splitting, entry
// matching, thread relation, step routing) talks to this interface through
// the gateway — never to a vendor SDK directly.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	// Rate-limit conditions are reported as *RateLimitError; every other
	// failure is a generic error.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns a human-readable provider name (e.g., "openai/gpt-4o-mini").
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // Max tokens to generate (0 = provider default)
	Temperature float64 // 0.0-2.0 (0 = deterministic)
	Model       string  // Override model for this request (empty = use provider default)
	Format      string  // "json" for structured output, empty for plain text
	System      string  // System prompt (optional)
}

// Config holds provider configuration.
type Config struct {
	Provider string // "openai", "google"
	Model    string // e.g., "gpt-4o-mini", "gemini-2.5-flash"
	APIKey   string // API key (empty = read from env)
	BaseURL  string // Optional URL override
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "openrouter", "compatible":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("BITACORA_LLM_API_KEY")
		}
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("openai-compatible provider requires BITACORA_LLM_API_KEY or OPENAI_API_KEY env var")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return &openaiProvider{
			apiKey:  key,
			model:   model,
			baseURL: strings.TrimRight(baseURL, "/"),
		}, nil

	case "google":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("google provider requires GEMINI_API_KEY or GOOGLE_API_KEY env var")
		}
		model := cfg.Model
		if model == "" {
			model = "gemini-2.5-flash"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		return &googleProvider{
			apiKey:  key,
			model:   model,
			baseURL: strings.TrimRight(baseURL, "/"),
		}, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: openai, google)", cfg.Provider)
	}
}

// ParseProviderFlag parses a --llm flag value into a Config.
// Format: "provider/model" e.g., "openai/gpt-4o-mini", "google/gemini-2.5-flash".
func ParseProviderFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{Provider: "openai", Model: "gpt-4o-mini"}, nil
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., openai/gpt-4o-mini)", flag)
	}

	provider := strings.ToLower(parts[0])
	model := parts[1]

	switch provider {
	case "openai", "openrouter", "compatible", "google":
		return Config{Provider: provider, Model: model}, nil
	default:
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: openai, google)", provider)
	}
}
