// Package gateway serializes and paces all provider calls.
//
// Every completion and embedding request in the pipeline goes through one
// Gateway instance: at most MaxInFlight calls run concurrently, call starts
// are spaced at least MinInterval apart (shared across all logical callers),
// and rate-limit errors are retried with exponential backoff. Non-rate-limit
// errors are never retried and propagate immediately.
//
// The gateway is constructed once per process and passed by handle to every
// component that needs the provider; no component calls the provider
// directly.
package gateway

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nvalderrama/bitacora/internal/embed"
	"github.com/nvalderrama/bitacora/internal/llm"
)

// Clock abstracts time for deterministic backoff tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config controls gateway pacing and retry behavior.
type Config struct {
	MaxInFlight int           // concurrent provider calls (default: 2)
	MinInterval time.Duration // minimum spacing between call starts (default: 1s)
	MaxRetries  int           // additional attempts on rate-limit errors (default: 3)
	BaseDelay   time.Duration // backoff base (default: 1s)
	MaxDelay    time.Duration // backoff cap (default: 60s)
	CallTimeout time.Duration // per-call deadline (default: 60s)
}

// DefaultConfig returns the production gateway settings.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 2,
		MinInterval: time.Second,
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

// Gateway is the single choke point for provider traffic.
type Gateway struct {
	provider llm.Provider
	embedder embed.Embedder
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	clock    Clock
	cfg      Config
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock injects a fake clock for tests.
func WithClock(c Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// New creates a Gateway wrapping the given provider and embedder.
// Either may be nil if the corresponding capability is unused.
func New(provider llm.Provider, embedder embed.Embedder, cfg Config, opts ...Option) *Gateway {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	g := &Gateway{
		provider: provider,
		embedder: embedder,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter:  rate.NewLimiter(limit, 1),
		clock:    realClock{},
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete sends a completion request through the shared queue.
func (g *Gateway) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	if g.provider == nil {
		return "", fmt.Errorf("no completion provider configured")
	}

	var out string
	err := g.call(ctx, func(callCtx context.Context) error {
		var err error
		out, err = g.provider.Complete(callCtx, prompt, opts)
		return err
	})
	return out, err
}

// Embed sends an embedding request through the shared queue.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}

	var vec []float32
	err := g.call(ctx, func(callCtx context.Context) error {
		var err error
		vec, err = g.embedder.Embed(callCtx, text)
		return err
	})
	return vec, err
}

// EmbedderModel returns the configured embedding model identifier, or "".
func (g *Gateway) EmbedderModel() string {
	if g.embedder == nil {
		return ""
	}
	return g.embedder.Model()
}

// call runs fn under the concurrency cap, pacing, and retry policy.
func (g *Gateway) call(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := g.clock.Sleep(ctx, g.backoffDelay(attempt-1)); err != nil {
				return err
			}
		}

		// Shared pacing: no two call starts closer than MinInterval,
		// regardless of which logical caller issued them.
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		if !llm.IsRateLimit(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("provider still rate limited after %d retries: %w", g.cfg.MaxRetries, lastErr)
}

// backoffDelay returns baseDelay * 2^attempt * (attempt+1), capped at MaxDelay.
func (g *Gateway) backoffDelay(attempt int) time.Duration {
	delay := g.cfg.BaseDelay * time.Duration(1<<uint(attempt)) * time.Duration(attempt+1)
	if delay > g.cfg.MaxDelay {
		delay = g.cfg.MaxDelay
	}
	return delay
}
