package llm

import (
	"errors"
	"fmt"
	"strings"
)

// RateLimitError reports that the provider refused a call because of rate
// or quota limits. The gateway retries these; everything else propagates
// immediately. Classification happens once, here at the adapter boundary.
type RateLimitError struct {
	Provider string
	Status   int
	Message  string
}

func (e *RateLimitError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s rate limited (HTTP %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

// IsRateLimit reports whether err (or anything it wraps) is a rate-limit error.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// rateLimitKeywords match the phrasings providers use in error bodies when
// the HTTP status alone doesn't say 429.
var rateLimitKeywords = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"exceeded",
	"too many requests",
	"resource_exhausted",
}

// ClassifyHTTPError turns a non-2xx provider response into either a
// *RateLimitError or a generic error.
func ClassifyHTTPError(provider string, status int, body string) error {
	if status == 429 {
		return &RateLimitError{Provider: provider, Status: status, Message: truncateBody(body)}
	}
	lower := strings.ToLower(body)
	for _, kw := range rateLimitKeywords {
		if strings.Contains(lower, kw) {
			return &RateLimitError{Provider: provider, Status: status, Message: truncateBody(body)}
		}
	}
	return fmt.Errorf("%s API error (status %d): %s", provider, status, truncateBody(body))
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		return body[:512] + "..."
	}
	return body
}
