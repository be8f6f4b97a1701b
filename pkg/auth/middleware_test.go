package auth

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "testflight.flightblender.com"

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func baseClaims(issuer, scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   issuer,
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
}

func serveProtected(t *testing.T, v *Verifier, token string, scopes []string, allowAny bool) *httptest.ResponseRecorder {
	t.Helper()
	invoked := false
	handler := v.RequireScopes(scopes, allowAny)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		invoked = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/display/data", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		require.True(t, invoked)
	} else {
		require.False(t, invoked)
	}
	return rec
}

func newTestVerifier(t *testing.T, jwksURL string) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	payload, privs := rsaJWKS(t, "passport-key")
	if jwksURL == "" {
		srv := newJWKSServer(t, payload)
		jwksURL = srv.URL
	}
	v := NewVerifier(VerifierConfig{
		PassportJWKSURL: jwksURL,
		Audience:        testAudience,
		AllowedIssuers:  []string{"https://passport.example"},
	}, NewJWKSCache(testCacheConfig()))
	return v, privs["passport-key"]
}

func TestRequireScopesValidToken(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	token := signToken(t, priv, "passport-key",
		baseClaims("https://passport.example/", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopesMissingHeader(t *testing.T) {
	t.Parallel()

	v, _ := newTestVerifier(t, "")
	rec := serveProtected(t, v, "", []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopesGarbageToken(t *testing.T) {
	t.Parallel()

	v, _ := newTestVerifier(t, "")
	rec := serveProtected(t, v, "not-a-jwt", []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopesInvalidIssuer(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	token := signToken(t, priv, "passport-key",
		baseClaims("https://evil.example", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid token issuer")
}

func TestRequireScopesIssuerTrailingSlashTolerated(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	token := signToken(t, priv, "passport-key",
		baseClaims("https://passport.example/", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopesInsufficientScope(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	token := signToken(t, priv, "passport-key",
		baseClaims("https://passport.example", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.write"}, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Insufficient scope")
}

func TestRequireScopesAllowAny(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	token := signToken(t, priv, "passport-key",
		baseClaims("https://passport.example", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.write", "blender.read"}, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopesWrongAudience(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	claims := baseClaims("https://passport.example", "blender.read")
	claims["aud"] = "someone.else"
	token := signToken(t, priv, "passport-key", claims)

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopesExpiredToken(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	claims := baseClaims("https://passport.example", "blender.read")
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := signToken(t, priv, "passport-key", claims)

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopesUnknownKidTriggersRefresh(t *testing.T) {
	t.Parallel()

	payload1, _ := rsaJWKS(t, "old-key")
	payload2, privs2 := rsaJWKS(t, "rotated-key")
	srv := newJWKSServer(t, payload1)

	cache := NewJWKSCache(testCacheConfig())
	v := NewVerifier(VerifierConfig{
		PassportJWKSURL: srv.URL,
		Audience:        testAudience,
		AllowedIssuers:  []string{"https://passport.example"},
	}, cache)

	// Warm the cache with the old key set, then rotate on the server.
	_, _, err := cache.Get(context.Background(), srv.URL, false, true, "passport")
	require.NoError(t, err)
	srv.payload.Store(payload2)

	token := signToken(t, privs2["rotated-key"], "rotated-key",
		baseClaims("https://passport.example", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopesUnknownKidAfterRefresh(t *testing.T) {
	t.Parallel()

	v, priv := newTestVerifier(t, "")
	token := signToken(t, priv, "phantom-key",
		baseClaims("https://passport.example", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "phantom-key")
}

func TestRequireScopesJWKSUnavailable(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t, nil)
	srv.failing.Store(true)

	v := NewVerifier(VerifierConfig{
		PassportJWKSURL: srv.URL,
		Audience:        testAudience,
	}, NewJWKSCache(testCacheConfig()))

	_, privs := rsaJWKS(t, "any-key")
	token := signToken(t, privs["any-key"], "any-key",
		baseClaims("https://passport.example", "blender.read"))

	rec := serveProtected(t, v, token, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireScopesBypassInDebug(t *testing.T) {
	t.Parallel()

	v := NewVerifier(VerifierConfig{
		PassportJWKSURL:    "http://jwks.invalid/keys",
		Audience:           testAudience,
		BypassVerification: true,
		IsDebug:            true,
	}, NewJWKSCache(testCacheConfig()))

	// Signature is never checked on the bypass path; any signing key works.
	unverifiedToken := jwt.NewWithClaims(jwt.SigningMethodHS256,
		baseClaims("dummy", "blender.read"))
	signed, err := unverifiedToken.SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	rec := serveProtected(t, v, signed, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScopesBypassRejectsBadIssuer(t *testing.T) {
	t.Parallel()

	v := NewVerifier(VerifierConfig{
		PassportJWKSURL:    "http://jwks.invalid/keys",
		Audience:           testAudience,
		BypassVerification: true,
		IsDebug:            true,
	}, NewJWKSCache(testCacheConfig()))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		baseClaims("not a url", "blender.read"))
	signed, err := token.SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	rec := serveProtected(t, v, signed, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopesBypassIgnoredOutsideDebug(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t, nil)
	srv.failing.Store(true)

	v := NewVerifier(VerifierConfig{
		PassportJWKSURL:    srv.URL,
		Audience:           testAudience,
		BypassVerification: true,
		IsDebug:            false,
	}, NewJWKSCache(testCacheConfig()))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		baseClaims("dummy", "blender.read"))
	signed, err := token.SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	// Bypass is refused, so verification proceeds and hits the dead JWKS.
	rec := serveProtected(t, v, signed, []string{"blender.read"}, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
