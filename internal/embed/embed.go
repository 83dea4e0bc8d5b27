// Package embed provides text-to-vector embedding via OpenAI-compatible APIs.
//
// All providers use the OpenAI-compatible /v1/embeddings format:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - custom: user-specified endpoint
//
// Unlike the advisory analysis components, embedding fails loudly: callers
// treat the whole embedding step as best-effort at the orchestration layer,
// not here.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nvalderrama/bitacora/internal/llm"
)

// DefaultMaxChars is the character budget applied to text before submission.
// Keeps the request comfortably inside typical embedding-model token limits.
const DefaultMaxChars = 8000

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string // "ollama", "openai", "custom"
	Model       string // model name
	Endpoint    string // full API URL
	APIKey      string
	MaxChars    int // input character budget (default: DefaultMaxChars)
	TimeoutSecs int // per-request timeout (default: 60)

	dimensions int // auto-detected on first call
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client implements Embedder with HTTP API calls.
type Client struct {
	config Config
	http   *http.Client
}

// ParseEmbedFlag parses "--embed provider/model" format.
// Handles model names with slashes like "custom/sentence-transformers/all-MiniLM-L6-v2".
func ParseEmbedFlag(flag string) (*Config, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}

	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]
	if provider == "" || model == "" {
		return nil, fmt.Errorf("invalid --embed flag %q: provider and model are both required", flag)
	}

	config := &Config{
		Provider:    provider,
		Model:       model,
		MaxChars:    DefaultMaxChars,
		TimeoutSecs: 60,
	}

	switch provider {
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
		// No API key needed for Ollama
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "custom":
		config.Endpoint = os.Getenv("BITACORA_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("BITACORA_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, custom", provider)
	}

	if endpoint := os.Getenv("BITACORA_EMBED_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}
	if apiKey := os.Getenv("BITACORA_EMBED_API_KEY"); apiKey != "" {
		config.APIKey = apiKey
	}

	return config, nil
}

// Validate checks if the embedding configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxChars <= 0 {
		config.MaxChars = DefaultMaxChars
	}

	return &Client{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// Embed generates an embedding vector for a single text.
// The text is truncated to the configured character budget before
// submission. Empty text is an error.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	if len(text) > c.config.MaxChars {
		text = text[:c.config.MaxChars]
	}

	req := embedRequest{
		Model: c.config.Model,
		Input: []string{text},
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.ClassifyHTTPError(c.Model(), resp.StatusCode, string(respBody))
	}

	var embResp embedResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding from %s", c.Model())
	}

	vector := embResp.Data[0].Embedding
	c.config.dimensions = len(vector)
	return vector, nil
}

// Dimensions returns the dimensionality of embeddings from this client.
// Returns 0 if no embeddings have been generated yet.
func (c *Client) Dimensions() int {
	return c.config.dimensions
}

// Model returns the provider/model identifier, used to key stored vectors.
func (c *Client) Model() string {
	return c.config.Provider + "/" + c.config.Model
}
