package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
)

// JWKSFetchError is returned when a required key set cannot be obtained.
type JWKSFetchError struct {
	URL   string
	Cause error
}

func (e *JWKSFetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetching JWKS from %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("fetching JWKS from %s: retry window not reached", e.URL)
}

func (e *JWKSFetchError) Unwrap() error {
	return e.Cause
}

// jwksEntry is the per-URL cache state. Fields are only touched under the
// cache mutex.
type jwksEntry struct {
	set       jwk.Set
	keys      map[string]jwk.Key
	expiresAt time.Time
	nextRetry time.Time
	backoff   time.Duration
}

// JWKSCacheConfig tunes the cache.
type JWKSCacheConfig struct {
	TTL            time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Timeout        time.Duration
}

// JWKSCache caches JSON Web Key Sets per URL with TTL expiry and exponential
// backoff on fetch failures. Stale sets are served while the origin is down.
//
// A single mutex guards the map and all entry fields; the network fetch runs
// outside the lock so contending URLs do not serialize on I/O.
type JWKSCache struct {
	mu      sync.Mutex
	entries map[string]*jwksEntry

	cfg    JWKSCacheConfig
	client *http.Client
	now    func() time.Time
}

// JWKSCacheOption configures a JWKSCache.
type JWKSCacheOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client.
func WithJWKSHTTPClient(client *http.Client) JWKSCacheOption {
	return func(c *JWKSCache) {
		c.client = client
	}
}

// WithJWKSNowFunc overrides the clock, for tests.
func WithJWKSNowFunc(now func() time.Time) JWKSCacheOption {
	return func(c *JWKSCache) {
		c.now = now
	}
}

// NewJWKSCache builds an empty cache.
func NewJWKSCache(cfg JWKSCacheConfig, opts ...JWKSCacheOption) *JWKSCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	c := &JWKSCache{
		entries: make(map[string]*jwksEntry),
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the key set at url, fetching it when the cached copy is absent
// or expired. forceRefresh bypasses both the TTL and the retry window. When
// required is set, an empty result is an error; otherwise empty results are
// returned as an empty set. label names the key set in logs.
func (c *JWKSCache) Get(ctx context.Context, url string, forceRefresh, required bool, label string) (jwk.Set, map[string]jwk.Key, error) {
	c.mu.Lock()
	entry, ok := c.entries[url]
	if !ok {
		entry = &jwksEntry{backoff: c.cfg.BackoffInitial}
		c.entries[url] = entry
	}

	now := c.now()
	if !forceRefresh && entry.set != nil && now.Before(entry.expiresAt) {
		set, keys := entry.set, entry.keys
		c.mu.Unlock()
		return set, keys, nil
	}
	if !forceRefresh && now.Before(entry.nextRetry) {
		if entry.set != nil {
			set, keys := entry.set, entry.keys
			c.mu.Unlock()
			return set, keys, nil
		}
		c.mu.Unlock()
		if required {
			return nil, nil, &JWKSFetchError{URL: url}
		}
		return jwk.NewSet(), map[string]jwk.Key{}, nil
	}
	c.mu.Unlock()

	set, keys, fetchErr := c.fetch(ctx, url, label)

	c.mu.Lock()
	defer c.mu.Unlock()

	if fetchErr == nil {
		entry.set = set
		entry.keys = keys
		entry.expiresAt = c.now().Add(c.cfg.TTL)
		entry.nextRetry = time.Time{}
		entry.backoff = c.cfg.BackoffInitial
		return set, keys, nil
	}

	entry.nextRetry = c.now().Add(entry.backoff)
	entry.backoff = min(entry.backoff*2, c.cfg.BackoffMax)
	logger.Warnw("JWKS fetch failed", "label", label, "url", url,
		"next_retry", entry.nextRetry, "error", fetchErr)

	if entry.set != nil {
		return entry.set, entry.keys, nil
	}
	if required {
		return nil, nil, &JWKSFetchError{URL: url, Cause: fetchErr}
	}
	return jwk.NewSet(), map[string]jwk.Key{}, nil
}

// fetch downloads and parses a key set. Keys without a kid or with
// unusable material are skipped.
func (c *JWKSCache) fetch(ctx context.Context, url, label string) (jwk.Set, map[string]jwk.Key, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]jwk.Key, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			logger.Warnw("skipping JWKS key without kid", "label", label, "url", url)
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			logger.Warnw("skipping unusable JWKS key", "label", label, "kid", kid, "error", err)
			continue
		}
		keys[kid] = key
	}
	return set, keys, nil
}

// Reset drops all cached entries.
func (c *JWKSCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*jwksEntry)
}

var defaultJWKSCache atomic.Pointer[JWKSCache]

// InitDefaultJWKSCache installs the process-wide cache.
func InitDefaultJWKSCache(c *JWKSCache) {
	defaultJWKSCache.Store(c)
}

// DefaultJWKSCache returns the process-wide cache, installing one with
// default tuning on first use.
func DefaultJWKSCache() *JWKSCache {
	if c := defaultJWKSCache.Load(); c != nil {
		return c
	}
	c := NewJWKSCache(JWKSCacheConfig{})
	if defaultJWKSCache.CompareAndSwap(nil, c) {
		return c
	}
	return defaultJWKSCache.Load()
}
