package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksServer serves a key set and can be switched into failure mode.
type jwksServer struct {
	*httptest.Server
	payload  atomic.Value
	failing  atomic.Bool
	requests atomic.Int64
}

func newJWKSServer(t *testing.T, payload []byte) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.payload.Store(payload)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.requests.Add(1)
		if s.failing.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.payload.Load().([]byte))
	}))
	t.Cleanup(s.Close)
	return s
}

func rsaJWKS(t *testing.T, kids ...string) ([]byte, map[string]*rsa.PrivateKey) {
	t.Helper()
	set := jwk.NewSet()
	privs := make(map[string]*rsa.PrivateKey, len(kids))
	for _, kid := range kids {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		key, err := jwk.FromRaw(priv.PublicKey)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(t, set.AddKey(key))
		privs[kid] = priv
	}
	payload, err := json.Marshal(set)
	require.NoError(t, err)
	return payload, privs
}

func testCacheConfig() JWKSCacheConfig {
	return JWKSCacheConfig{
		TTL:            5 * time.Minute,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
		Timeout:        5 * time.Second,
	}
}

func TestJWKSCacheServesCachedUntilTTL(t *testing.T) {
	t.Parallel()

	payload, _ := rsaJWKS(t, "key-1")
	srv := newJWKSServer(t, payload)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewJWKSCache(testCacheConfig(), WithJWKSNowFunc(func() time.Time { return now }))

	ctx := context.Background()
	_, keys, err := c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	require.Contains(t, keys, "key-1")

	now = now.Add(4 * time.Minute)
	_, _, err = c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.requests.Load())

	now = now.Add(2 * time.Minute)
	_, _, err = c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.requests.Load())
}

func TestJWKSCacheBackoffWindow(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t, []byte(`{"keys":[]}`))
	srv.failing.Store(true)

	now := time.Unix(1000, 0)
	c := NewJWKSCache(testCacheConfig(), WithJWKSNowFunc(func() time.Time { return now }))

	ctx := context.Background()
	_, _, err := c.Get(ctx, srv.URL, false, true, "passport")
	var fetchErr *JWKSFetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, int64(1), srv.requests.Load())

	// Inside the retry window the failure is replayed without a network call.
	now = time.Unix(1000, int64(500*time.Millisecond))
	_, _, err = c.Get(ctx, srv.URL, false, true, "passport")
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, int64(1), srv.requests.Load())
}

func TestJWKSCacheBackoffDoublesAndResets(t *testing.T) {
	t.Parallel()

	payload, _ := rsaJWKS(t, "key-1")
	srv := newJWKSServer(t, payload)
	srv.failing.Store(true)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewJWKSCache(testCacheConfig(), WithJWKSNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	_, _, err := c.Get(ctx, srv.URL, false, true, "passport")
	require.Error(t, err)

	c.mu.Lock()
	entry := c.entries[srv.URL]
	assert.Equal(t, now.Add(time.Second), entry.nextRetry)
	assert.Equal(t, 2*time.Second, entry.backoff)
	c.mu.Unlock()

	now = now.Add(2 * time.Second)
	_, _, err = c.Get(ctx, srv.URL, false, true, "passport")
	require.Error(t, err)

	c.mu.Lock()
	assert.Equal(t, now.Add(2*time.Second), entry.nextRetry)
	assert.Equal(t, 4*time.Second, entry.backoff)
	c.mu.Unlock()

	srv.failing.Store(false)
	now = now.Add(time.Minute)
	_, keys, err := c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	require.Contains(t, keys, "key-1")

	c.mu.Lock()
	assert.Equal(t, time.Second, entry.backoff)
	assert.True(t, entry.nextRetry.IsZero())
	c.mu.Unlock()
}

func TestJWKSCacheBackoffCapped(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t, nil)
	srv.failing.Store(true)

	cfg := testCacheConfig()
	cfg.BackoffMax = 4 * time.Second
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewJWKSCache(cfg, WithJWKSNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, _ = c.Get(ctx, srv.URL, false, true, "passport")
		now = now.Add(10 * time.Second)
	}

	c.mu.Lock()
	assert.Equal(t, 4*time.Second, c.entries[srv.URL].backoff)
	c.mu.Unlock()
}

func TestJWKSCacheStaleOnError(t *testing.T) {
	t.Parallel()

	payload, _ := rsaJWKS(t, "key-1")
	srv := newJWKSServer(t, payload)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewJWKSCache(testCacheConfig(), WithJWKSNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	_, keys, err := c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	require.Contains(t, keys, "key-1")

	srv.failing.Store(true)
	now = now.Add(10 * time.Minute)

	// The stale set is returned even for a required fetch.
	_, keys, err = c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	assert.Contains(t, keys, "key-1")
}

func TestJWKSCacheOptionalReturnsEmpty(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t, nil)
	srv.failing.Store(true)

	c := NewJWKSCache(testCacheConfig())
	set, keys, err := c.Get(context.Background(), srv.URL, false, false, "dss")
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
	assert.Empty(t, keys)
}

func TestJWKSCacheSkipsKeysWithoutKid(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	withKid, err := jwk.FromRaw(priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, withKid.Set(jwk.KeyIDKey, "named"))
	withoutKid, err := jwk.FromRaw(priv.PublicKey)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(withKid))
	require.NoError(t, set.AddKey(withoutKid))
	payload, err := json.Marshal(set)
	require.NoError(t, err)

	srv := newJWKSServer(t, payload)
	c := NewJWKSCache(testCacheConfig())

	fetched, keys, err := c.Get(context.Background(), srv.URL, false, true, "passport")
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.Len())
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, "named")
}

func TestJWKSCacheForceRefresh(t *testing.T) {
	t.Parallel()

	payload1, _ := rsaJWKS(t, "key-1")
	payload2, _ := rsaJWKS(t, "key-2")
	srv := newJWKSServer(t, payload1)

	c := NewJWKSCache(testCacheConfig())
	ctx := context.Background()

	_, keys, err := c.Get(ctx, srv.URL, false, true, "passport")
	require.NoError(t, err)
	require.Contains(t, keys, "key-1")

	srv.payload.Store(payload2)
	_, keys, err = c.Get(ctx, srv.URL, true, true, "passport")
	require.NoError(t, err)
	assert.Contains(t, keys, "key-2")
	assert.NotContains(t, keys, "key-1")
}

func TestJWKSCacheReset(t *testing.T) {
	t.Parallel()

	payload, _ := rsaJWKS(t, "key-1")
	srv := newJWKSServer(t, payload)

	c := NewJWKSCache(testCacheConfig())
	_, _, err := c.Get(context.Background(), srv.URL, false, true, "passport")
	require.NoError(t, err)

	c.Reset()
	_, _, err = c.Get(context.Background(), srv.URL, false, true, "passport")
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.requests.Load())
}

func TestDefaultJWKSCacheSingleton(t *testing.T) {
	fresh := NewJWKSCache(testCacheConfig())
	InitDefaultJWKSCache(fresh)
	t.Cleanup(func() { InitDefaultJWKSCache(nil) })

	assert.Same(t, fresh, DefaultJWKSCache())
}
