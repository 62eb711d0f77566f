package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safemode/link-scanner/internal/adapters/cache"
	"github.com/safemode/link-scanner/internal/ports"
	"github.com/safemode/link-scanner/internal/resilience"
)

// Status classifies the outcome of one provider consultation. The
// orchestrator counts QuotaExceeded and Failed towards degraded mode.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusDisabled      Status = "disabled"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusFailed        Status = "failed"
)

// ErrDisabled is returned by a provider whose API key or feature flag is
// absent. Disabled providers are never counted as failures.
var ErrDisabled = errors.New("provider disabled")

// QuotaExceededError marks a 429 or depleted-quota response so callers can
// fall back to secondary providers instead of retrying.
type QuotaExceededError struct {
	Provider string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exhausted", e.Provider)
}

// HTTPError carries the upstream status code; only 5xx responses are
// considered transient.
type HTTPError struct {
	Provider   string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
}

// DefaultRetryable retries transient failures only. Quota exhaustion,
// disabled providers and upstream 4xx responses fail immediately.
func DefaultRetryable(err error) bool {
	if errors.Is(err, ErrDisabled) {
		return false
	}
	var quota *QuotaExceededError
	if errors.As(err, &quota) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}

// LookupFunc performs the actual provider call.
type LookupFunc[T any] func(ctx context.Context, rawURL string) (T, error)

// Result wraps a provider payload with its consultation metadata.
type Result[T any] struct {
	Provider   string
	Status     Status
	Data       T
	FromCache  bool
	DurationMs int64
	Err        error
}

// Consulted reports whether the provider was actually asked, i.e. it is
// enabled and therefore counts for the degraded-mode decision.
func (r Result[T]) Consulted() bool { return r.Status != StatusDisabled }

// CachedOptions configure a Cached wrapper.
type CachedOptions struct {
	TTL     time.Duration
	Breaker resilience.BreakerOptions
	Retry   resilience.RetryOptions
	Logger  *slog.Logger
}

// Cached applies the uniform provider policy: cache hit short-circuits
// everything, a miss goes through the circuit breaker and retry policy, and
// a successful result is written back with the provider's TTL.
type Cached[T any] struct {
	name    string
	ttl     time.Duration
	store   ports.Cache
	breaker *resilience.Breaker
	retry   resilience.RetryOptions
	lookup  LookupFunc[T]
	logger  *slog.Logger
}

func NewCached[T any](name string, lookup LookupFunc[T], store ports.Cache, opts CachedOptions) *Cached[T] {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = name
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = DefaultRetryable
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cached[T]{
		name:    name,
		ttl:     opts.TTL,
		store:   store,
		breaker: resilience.NewBreaker(opts.Breaker),
		retry:   opts.Retry,
		lookup:  lookup,
		logger:  opts.Logger,
	}
}

func (c *Cached[T]) Name() string { return c.name }

// Lookup consults the provider for a URL, keyed in the cache by its hash.
func (c *Cached[T]) Lookup(ctx context.Context, rawURL, urlHash string) Result[T] {
	result := Result[T]{Provider: c.name}

	key := cache.AnalysisKey(urlHash, c.name)
	if c.store != nil {
		if payload, err := c.store.Get(ctx, key); err == nil {
			var data T
			if err := json.Unmarshal(payload, &data); err == nil {
				result.Status = StatusSuccess
				result.Data = data
				result.FromCache = true
				return result
			}
			c.logger.Warn("dropping malformed cache entry", "provider", c.name, "key", key)
		}
	}

	start := time.Now()
	var data T
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithRetry(ctx, func(ctx context.Context) error {
			var lookupErr error
			data, lookupErr = c.lookup(ctx, rawURL)
			return lookupErr
		}, c.retry)
	})
	result.DurationMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		result.Status = StatusSuccess
		result.Data = data
		c.writeBack(ctx, key, data)
	case errors.Is(err, ErrDisabled):
		result.Status = StatusDisabled
	default:
		var quota *QuotaExceededError
		if errors.As(err, &quota) {
			result.Status = StatusQuotaExceeded
		} else {
			result.Status = StatusFailed
		}
		result.Err = err
		c.logger.Warn("provider lookup failed",
			"provider", c.name,
			"status", string(result.Status),
			"duration_ms", result.DurationMs,
			"error", err,
		)
	}
	return result
}

func (c *Cached[T]) writeBack(ctx context.Context, key string, data T) {
	if c.store == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.Warn("failed to encode provider result", "provider", c.name, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, payload, c.ttl); err != nil {
		c.logger.Warn("failed to cache provider result", "provider", c.name, "error", err)
	}
}

// BreakerState exposes the underlying breaker state for metrics.
func (c *Cached[T]) BreakerState() resilience.State { return c.breaker.State() }
