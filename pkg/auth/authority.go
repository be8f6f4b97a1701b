package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	bferrors "github.com/ezrakhuzadi/atc-blender/pkg/errors"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

// credentialValidity is how long cached credentials are served before a
// fresh fetch. Kept under the usual 60 minute token lifetime.
const credentialValidity = 58 * time.Minute

// Credentials is the authority endpoint's token response.
type Credentials struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// storedCredentials is the cached form written to the store.
type storedCredentials struct {
	Credentials
	CreatedAt time.Time `json:"created_at"`
}

// BrokerConfig configures the authority token broker.
type BrokerConfig struct {
	ClientID      string
	ClientSecret  string
	TokenEndpoint string
	Timeout       time.Duration
}

// Broker obtains OAuth2 client-credentials tokens per (audience, token type)
// and caches them in the store.
type Broker struct {
	cfg    BrokerConfig
	store  store.Store
	client *http.Client
	now    func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerHTTPClient overrides the HTTP client.
func WithBrokerHTTPClient(client *http.Client) BrokerOption {
	return func(b *Broker) {
		b.client = client
	}
}

// WithBrokerNowFunc overrides the clock, for tests.
func WithBrokerNowFunc(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.now = now
	}
}

// NewBroker builds a Broker backed by st.
func NewBroker(cfg BrokerConfig, st store.Store, opts ...BrokerOption) *Broker {
	b := &Broker{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// GetToken returns cached credentials for (audience, tokenType) when they are
// younger than 58 minutes, otherwise fetches fresh ones and caches them.
// Concurrent misses may fetch twice; the last writer wins.
func (b *Broker) GetToken(ctx context.Context, audience string, tokenType TokenType) (*Credentials, error) {
	if !tokenType.Valid() {
		return nil, ErrInvalidTokenType
	}
	if audience == "" {
		return nil, bferrors.NewConfigMissingError("audience is not set", nil)
	}
	if b.cfg.ClientID == "" || b.cfg.ClientSecret == "" {
		return nil, bferrors.NewConfigMissingError("authority client credentials are not set", nil)
	}

	cacheKey := audience + tokenType.CacheSuffix()
	if raw, err := b.store.Get(ctx, cacheKey); err == nil {
		var cached storedCredentials
		if err := json.Unmarshal([]byte(raw), &cached); err == nil &&
			b.now().Before(cached.CreatedAt.Add(credentialValidity)) {
			return &cached.Credentials, nil
		}
	}

	creds, err := b.requestCredentials(ctx, audience, tokenType)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(storedCredentials{Credentials: *creds, CreatedAt: b.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	if err := b.store.SetWithTTL(ctx, cacheKey, string(payload), credentialValidity); err != nil {
		logger.Warnw("failed to cache credentials", "audience", audience, "error", err)
	}

	return creds, nil
}

func (b *Broker) requestCredentials(ctx context.Context, audience string, tokenType TokenType) (*Credentials, error) {
	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", b.cfg.ClientID)
	params.Set("client_secret", b.cfg.ClientSecret)
	params.Set("scope", strings.Join(tokenType.Scopes(), " "))
	params.Set("audience", audience)
	if audience == "localhost" {
		params.Set("issuer", "localhost")
	}

	if transportFor(b.cfg.TokenEndpoint) == transportGETQuery {
		return b.getQuery(ctx, b.cfg.TokenEndpoint, params)
	}

	creds, retryWithGet, err := b.postForm(ctx, params)
	if err == nil {
		return creds, nil
	}
	if !retryWithGet {
		return nil, err
	}

	fallbackURL, ferr := fallbackTokenURL(b.cfg.TokenEndpoint)
	if ferr != nil {
		return nil, err
	}
	logger.Warnw("token POST rejected, retrying with GET",
		"endpoint", b.cfg.TokenEndpoint, "fallback", fallbackURL, "error", err)
	return b.getQuery(ctx, fallbackURL, params)
}

// postForm submits the client-credentials grant as a form POST. The boolean
// reports whether a GET fallback is worth attempting (non-200 or non-JSON).
func (b *Broker) postForm(ctx context.Context, params url.Values) (*Credentials, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenEndpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, false, bferrors.NewUpstreamUnavailableError("authority endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, bferrors.NewUpstreamUnavailableError("reading token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, true, bferrors.NewUpstreamRejectedError(
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 256)), nil)
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, true, bferrors.NewUpstreamRejectedError("token endpoint returned non-JSON", err)
	}
	return &creds, false, nil
}

// getQuery submits the grant as query parameters, the shape local dummy-OAuth
// servers expect.
func (b *Broker) getQuery(ctx context.Context, endpoint string, params url.Values) (*Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, bferrors.NewUpstreamUnavailableError("authority endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, bferrors.NewUpstreamUnavailableError("reading token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bferrors.NewUpstreamRejectedError(
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 256)), nil)
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, bferrors.NewUpstreamRejectedError("token endpoint returned non-JSON", err)
	}
	return &creds, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
