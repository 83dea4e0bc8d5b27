package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// openaiProvider implements Provider against any OpenAI-compatible
// /chat/completions endpoint (OpenAI, OpenRouter, local gateways).
type openaiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  http.Client
}

type oaRequest struct {
	Model          string         `json:"model"`
	Messages       []oaMessage    `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat *oaResponseFmt `json:"response_format,omitempty"`
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaResponseFmt struct {
	Type string `json:"type"`
}

type oaResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *oaError `json:"error,omitempty"`
}

type oaError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (o *openaiProvider) Name() string {
	return "openai/" + o.model
}

func (o *openaiProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}

	messages := make([]oaMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, oaMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, oaMessage{Role: "user", Content: prompt})

	req := oaRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if strings.ToLower(opts.Format) == "json" {
		req.ResponseFormat = &oaResponseFmt{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := o.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", ClassifyHTTPError(o.Name(), resp.StatusCode, string(respBody))
	}

	var oaResp oaResponse
	if err := json.Unmarshal(respBody, &oaResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	if oaResp.Error != nil {
		return "", ClassifyHTTPError(o.Name(), resp.StatusCode, oaResp.Error.Message)
	}

	if len(oaResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", o.Name())
	}

	return strings.TrimSpace(oaResp.Choices[0].Message.Content), nil
}
