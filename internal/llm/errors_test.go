package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyHTTPError_Status429(t *testing.T) {
	err := ClassifyHTTPError("openai/gpt-4o-mini", 429, "Too Many Requests")
	if !IsRateLimit(err) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rl.Status != 429 {
		t.Errorf("expected status 429, got %d", rl.Status)
	}
}

func TestClassifyHTTPError_KeywordMatch(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"quota", `{"error": {"message": "You exceeded your current quota"}}`, true},
		{"rate limit", "Rate limit reached for requests", true},
		{"resource exhausted", `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, true},
		{"generic 500", "internal server error", false},
		{"bad request", "invalid model parameter", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyHTTPError("test/model", 500, tc.body)
			if got := IsRateLimit(err); got != tc.want {
				t.Errorf("IsRateLimit(%q) = %v, want %v", tc.body, got, tc.want)
			}
		})
	}
}

func TestIsRateLimit_Wrapped(t *testing.T) {
	inner := &RateLimitError{Provider: "test", Status: 429, Message: "slow down"}
	wrapped := fmt.Errorf("classification call: %w", inner)
	if !IsRateLimit(wrapped) {
		t.Error("expected wrapped rate-limit error to be detected")
	}
	if IsRateLimit(errors.New("plain error")) {
		t.Error("plain error misclassified as rate limit")
	}
}

func TestClassifyHTTPError_TruncatesLongBodies(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	err := ClassifyHTTPError("test/model", 500, string(long))
	if len(err.Error()) > 700 {
		t.Errorf("error message not truncated: %d chars", len(err.Error()))
	}
}

func TestParseProviderFlag(t *testing.T) {
	cfg, err := ParseProviderFlag("google/gemini-2.5-flash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != "google" || cfg.Model != "gemini-2.5-flash" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, err := ParseProviderFlag("noprovider"); err == nil {
		t.Error("expected error for flag without model")
	}
	if _, err := ParseProviderFlag("mystery/model"); err == nil {
		t.Error("expected error for unknown provider")
	}

	cfg, err = ParseProviderFlag("")
	if err != nil {
		t.Fatalf("unexpected error for empty flag: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Errorf("expected openai default, got %q", cfg.Provider)
	}
}
