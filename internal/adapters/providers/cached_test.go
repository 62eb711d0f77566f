package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safemode/link-scanner/internal/ports"
	"github.com/safemode/link-scanner/internal/resilience"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.entries[key]
	if !ok {
		return nil, ports.ErrCacheMiss
	}
	return payload, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = payload
	c.ttls[key] = ttl
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *fakeCache) Close() error { return nil }

type payload struct {
	Listed bool `json:"listed"`
}

func noDelayRetry(retries int) resilience.RetryOptions {
	return resilience.RetryOptions{
		Retries:   retries,
		BaseDelay: time.Millisecond,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
}

func TestCachedLookupStoresAndServesFromCache(t *testing.T) {
	store := newFakeCache()
	calls := 0
	provider := NewCached("lister", func(ctx context.Context, rawURL string) (payload, error) {
		calls++
		return payload{Listed: true}, nil
	}, store, CachedOptions{TTL: time.Hour, Retry: noDelayRetry(0)})

	first := provider.Lookup(context.Background(), "https://example.com", "hash1")
	require.Equal(t, StatusSuccess, first.Status)
	assert.False(t, first.FromCache)
	assert.True(t, first.Data.Listed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, time.Hour, store.ttls["url:analysis:hash1:lister"])

	second := provider.Lookup(context.Background(), "https://example.com", "hash1")
	require.Equal(t, StatusSuccess, second.Status)
	assert.True(t, second.FromCache)
	assert.True(t, second.Data.Listed)
	assert.Equal(t, 1, calls, "cache hit must not invoke the provider")
}

func TestCachedLookupDisabledProvider(t *testing.T) {
	store := newFakeCache()
	provider := NewCached("off", func(ctx context.Context, rawURL string) (payload, error) {
		return payload{}, ErrDisabled
	}, store, CachedOptions{Retry: noDelayRetry(2)})

	result := provider.Lookup(context.Background(), "https://example.com", "h")

	assert.Equal(t, StatusDisabled, result.Status)
	assert.False(t, result.Consulted())
	assert.Empty(t, store.entries, "disabled results must not be cached")
}

func TestCachedLookupQuotaExceeded(t *testing.T) {
	calls := 0
	provider := NewCached("limited", func(ctx context.Context, rawURL string) (payload, error) {
		calls++
		return payload{}, &QuotaExceededError{Provider: "limited"}
	}, newFakeCache(), CachedOptions{Retry: noDelayRetry(3)})

	result := provider.Lookup(context.Background(), "https://example.com", "h")

	assert.Equal(t, StatusQuotaExceeded, result.Status)
	assert.Equal(t, 1, calls, "quota errors must not be retried")
	var quota *QuotaExceededError
	assert.ErrorAs(t, result.Err, &quota)
}

func TestCachedLookupRetriesTransientFailures(t *testing.T) {
	calls := 0
	provider := NewCached("flaky", func(ctx context.Context, rawURL string) (payload, error) {
		calls++
		if calls < 3 {
			return payload{}, &HTTPError{Provider: "flaky", StatusCode: 503}
		}
		return payload{Listed: true}, nil
	}, newFakeCache(), CachedOptions{Retry: noDelayRetry(3)})

	result := provider.Lookup(context.Background(), "https://example.com", "h")

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 3, calls)
}

func TestCachedLookupBreakerOpensAfterSustainedFailures(t *testing.T) {
	provider := NewCached("down", func(ctx context.Context, rawURL string) (payload, error) {
		return payload{}, errors.New("connection refused")
	}, newFakeCache(), CachedOptions{
		Retry: noDelayRetry(0),
		Breaker: resilience.BreakerOptions{
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	})

	for i := 0; i < 2; i++ {
		result := provider.Lookup(context.Background(), "https://example.com", "h")
		assert.Equal(t, StatusFailed, result.Status)
	}
	assert.Equal(t, resilience.StateOpen, provider.BreakerState())

	result := provider.Lookup(context.Background(), "https://example.com", "h")
	assert.Equal(t, StatusFailed, result.Status)
	var open *resilience.ErrCircuitOpen
	assert.ErrorAs(t, result.Err, &open)
}

func TestCachedLookupMalformedCacheEntryRefetches(t *testing.T) {
	store := newFakeCache()
	store.entries["url:analysis:h:lister"] = []byte("{not json")
	calls := 0
	provider := NewCached("lister", func(ctx context.Context, rawURL string) (payload, error) {
		calls++
		return payload{Listed: true}, nil
	}, store, CachedOptions{Retry: noDelayRetry(0)})

	result := provider.Lookup(context.Background(), "https://example.com", "h")

	assert.Equal(t, StatusSuccess, result.Status)
	assert.False(t, result.FromCache)
	assert.Equal(t, 1, calls)
}
