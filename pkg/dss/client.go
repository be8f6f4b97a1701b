package dss

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ezrakhuzadi/atc-blender/pkg/auth"
	"github.com/ezrakhuzadi/atc-blender/pkg/federation"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/rid"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

// maxSubscriberNotifiers caps concurrent ISA change notifications.
const maxSubscriberNotifiers = 8

// TokenSource supplies authority tokens per audience and token type.
type TokenSource interface {
	GetToken(ctx context.Context, audience string, tokenType auth.TokenType) (*auth.Credentials, error)
}

// SubscriptionRecord is the persisted form of a created subscription.
type SubscriptionRecord struct {
	SubscriptionID string
	RecordID       string
	ViewHash       int64
	EndTime        string
	IsSimulated    bool
	View           string
	Flights        rid.FlightsRecord
}

// SubscriptionWriter persists subscription records. Implementations live
// outside this package; persistence beyond TTL markers is delegated.
type SubscriptionWriter interface {
	CreateSubscriptionRecord(ctx context.Context, rec SubscriptionRecord) error
	DeleteSubscriptionRecord(ctx context.Context, subscriptionID string) error
}

// ClientConfig configures the DSS client.
type ClientConfig struct {
	// BaseURL is the DSS root, without a trailing slash.
	BaseURL string

	// SelfAudience is our own audience at the DSS.
	SelfAudience string

	// USSBaseURL is the address peers use to reach this USS.
	USSBaseURL string

	// FallbackUSSURLs seeds synthetic subscriptions when the DSS is down.
	FallbackUSSURLs []string

	Timeout time.Duration
}

// Client drives ISA and subscription lifecycle against the DSS.
type Client struct {
	cfg    ClientConfig
	tokens TokenSource
	store  store.Store
	subs   SubscriptionWriter
	client *http.Client
	now    func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientHTTPClient overrides the HTTP client.
func WithClientHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithClientNowFunc overrides the clock, for tests.
func WithClientNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient builds a DSS client.
func NewClient(cfg ClientConfig, tokens TokenSource, st store.Store, subs SubscriptionWriter, opts ...ClientOption) *Client {
	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		store:  st,
		subs:   subs,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateISA PUTs a new identification service area at the DSS and notifies
// every subscriber the DSS reports. Failures never panic; any error short of
// a 200 yields an empty response with Created=false.
func (c *Client) CreateISA(ctx context.Context, extents rid.Volume4D, ussBaseURL string, ttl time.Duration) rid.ISACreationResponse {
	empty := rid.ISACreationResponse{Created: false, Subscribers: []rid.SubscriberToNotify{}}

	if c.cfg.SelfAudience == "" {
		logger.Error("cannot create ISA: self audience is not configured")
		return empty
	}
	creds, err := c.tokens.GetToken(ctx, c.cfg.SelfAudience, auth.TokenTypeRID)
	if err != nil {
		logger.Errorw("cannot create ISA: token fetch failed", "error", err)
		return empty
	}

	isaID := uuid.NewString()
	body := rid.ISACreationRequest{Extents: extents, USSBaseURL: ussBaseURL}
	putURL := fmt.Sprintf("%s/rid/v2/dss/identification_service_areas/%s", c.cfg.BaseURL, isaID)

	var result struct {
		ServiceArea rid.IdentificationServiceArea `json:"service_area"`
		Subscribers []rid.SubscriberToNotify      `json:"subscribers"`
	}
	if err := c.putJSON(ctx, putURL, creds.AccessToken, body, &result); err != nil {
		logger.Errorw("ISA creation rejected by DSS", "isa_id", isaID, "error", err)
		return empty
	}

	isaKey := "isa-" + result.ServiceArea.ID
	if err := c.store.SetWithTTL(ctx, isaKey, "1", ttl); err != nil {
		logger.Warnw("failed to store ISA marker", "key", isaKey, "error", err)
	}

	c.notifySubscribers(ctx, isaID, result.ServiceArea, result.Subscribers, extents)

	logger.Infow("created DSS ISA", "isa_id", isaID)
	return rid.ISACreationResponse{
		Created:     true,
		ServiceArea: &result.ServiceArea,
		Subscribers: result.Subscribers,
	}
}

// notifySubscribers POSTs the ISA change to each subscriber. Individual
// failures are logged and swallowed; subscribers recover on the next ISA
// refresh.
func (c *Client) notifySubscribers(ctx context.Context, isaID string, serviceArea rid.IdentificationServiceArea, subscribers []rid.SubscriberToNotify, extents rid.Volume4D) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSubscriberNotifiers)

	for _, subscriber := range subscribers {
		g.Go(func() error {
			audience, err := federation.DeriveAudience(subscriber.URL)
			if err != nil {
				logger.Warnw("cannot derive audience for subscriber", "url", subscriber.URL, "error", err)
				return nil
			}
			creds, err := c.tokens.GetToken(gctx, audience, auth.TokenTypeRID)
			if err != nil {
				logger.Warnw("token fetch failed for subscriber", "audience", audience, "error", err)
				return nil
			}

			notifyURL := fmt.Sprintf("%s/uss/identification_service_areas/%s", subscriber.URL, isaID)
			notification := rid.ISANotification{
				ServiceArea:   serviceArea,
				Subscriptions: subscriber.Subscriptions,
				Extents:       extents,
			}
			status, err := c.postJSON(gctx, notifyURL, creds.AccessToken, notification)
			if err != nil {
				logger.Warnw("subscriber notification failed", "url", notifyURL, "error", err)
				return nil
			}
			if status == http.StatusNoContent {
				logger.Infow("notified subscriber", "url", notifyURL)
			} else {
				logger.Warnw("subscriber rejected notification", "url", notifyURL, "status", status)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CreateSubscription PUTs a subscription covering the given vertices at the
// DSS. When the DSS cannot be reached or rejects the request, a synthetic
// fallback subscription is built from the configured fallback USS URLs so
// polling continues through the outage.
func (c *Client) CreateSubscription(ctx context.Context, vertices []rid.LatLngPoint, view, requestID string, ttl time.Duration, isSimulated bool) rid.SubscriptionResponse {
	empty := rid.SubscriptionResponse{Created: false}

	if c.cfg.SelfAudience == "" {
		logger.Error("cannot create subscription: self audience is not configured")
		return empty
	}
	creds, err := c.tokens.GetToken(ctx, c.cfg.SelfAudience, auth.TokenTypeRID)
	if err != nil {
		logger.Errorw("cannot create subscription: token fetch failed", "error", err)
		return empty
	}

	now := c.now().UTC()
	timeStart := rid.NewTime(now.Format(time.RFC3339))
	timeEnd := rid.NewTime(now.Add(ttl).Format(time.RFC3339))
	ussBaseURL := c.cfg.USSBaseURL + "/rid"

	extents := rid.Volume4D{
		Volume: rid.Volume3D{
			OutlinePolygon: rid.Polygon{Vertices: vertices},
			AltitudeLower:  rid.Altitude{Value: 0.5, Reference: "W84", Units: "M"},
			AltitudeUpper:  rid.Altitude{Value: 800, Reference: "W84", Units: "M"},
		},
		TimeStart: timeStart,
		TimeEnd:   timeEnd,
	}

	subscriptionID := uuid.NewString()
	putURL := fmt.Sprintf("%s/rid/v2/dss/subscriptions/%s", c.cfg.BaseURL, subscriptionID)
	body := rid.SubscriptionRequest{Extents: extents, USSBaseURL: ussBaseURL}

	var result struct {
		ServiceAreas []rid.IdentificationServiceArea `json:"service_areas"`
		Subscription rid.Subscription                `json:"subscription"`
	}
	if err := c.putJSON(ctx, putURL, creds.AccessToken, body, &result); err != nil {
		logger.Warnw("DSS subscription failed, trying fallback", "error", err)
		return c.fallbackSubscription(ctx, view, requestID, timeStart, timeEnd, ussBaseURL)
	}

	rec := SubscriptionRecord{
		SubscriptionID: result.Subscription.ID,
		RecordID:       requestID,
		ViewHash:       viewHash(view),
		EndTime:        timeEnd.Value,
		IsSimulated:    isSimulated,
		View:           view,
		Flights: rid.FlightsRecord{
			ServiceAreas: result.ServiceAreas,
			Subscription: result.Subscription,
		},
	}
	if err := c.subs.CreateSubscriptionRecord(ctx, rec); err != nil {
		logger.Errorw("failed to persist subscription record", "subscription_id", result.Subscription.ID, "error", err)
	}

	return rid.SubscriptionResponse{
		Created:           true,
		DSSSubscriptionID: result.Subscription.ID,
		NotificationIndex: result.Subscription.NotificationIndex,
	}
}

// fallbackSubscription synthesizes a subscription over the configured
// fallback USS URLs so the poller keeps running during a DSS outage.
func (c *Client) fallbackSubscription(ctx context.Context, view, requestID string, timeStart, timeEnd rid.Time, ussBaseURL string) rid.SubscriptionResponse {
	if len(c.cfg.FallbackUSSURLs) == 0 {
		logger.Warnw("DSS subscription failed and no fallback USS URLs configured", "view", view)
		return rid.SubscriptionResponse{Created: false}
	}

	subscriptionID := uuid.NewString()
	subscription := rid.Subscription{
		ID:                subscriptionID,
		USSBaseURL:        ussBaseURL,
		Owner:             "fallback",
		NotificationIndex: 0,
		TimeStart:         timeStart,
		TimeEnd:           timeEnd,
		Version:           "1",
	}
	serviceAreas := make([]rid.IdentificationServiceArea, 0, len(c.cfg.FallbackUSSURLs))
	for _, fallbackURL := range c.cfg.FallbackUSSURLs {
		serviceAreas = append(serviceAreas, rid.IdentificationServiceArea{
			ID:         uuid.NewString(),
			USSBaseURL: fallbackURL,
			Owner:      "fallback",
			TimeStart:  timeStart,
			TimeEnd:    timeEnd,
			Version:    "1",
		})
	}

	rec := SubscriptionRecord{
		SubscriptionID: subscriptionID,
		RecordID:       requestID,
		ViewHash:       viewHash(view),
		EndTime:        timeEnd.Value,
		IsSimulated:    true,
		View:           view,
		Flights: rid.FlightsRecord{
			ServiceAreas: serviceAreas,
			Subscription: subscription,
		},
	}
	if err := c.subs.CreateSubscriptionRecord(ctx, rec); err != nil {
		logger.Errorw("failed to persist fallback subscription record", "subscription_id", subscriptionID, "error", err)
		return rid.SubscriptionResponse{Created: false}
	}

	logger.Warnw("using fallback USS URLs for subscription",
		"subscription_id", subscriptionID, "urls", c.cfg.FallbackUSSURLs)
	return rid.SubscriptionResponse{Created: true, DSSSubscriptionID: subscriptionID}
}

// DeleteSubscription best-effort deletes a subscription at the DSS and, on
// success, removes the local record.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) bool {
	creds, err := c.tokens.GetToken(ctx, c.cfg.SelfAudience, auth.TokenTypeRID)
	if err != nil {
		logger.Errorw("cannot delete subscription: token fetch failed", "error", err)
		return false
	}

	deleteURL := fmt.Sprintf("%s/rid/v2/dss/subscriptions/%s", c.cfg.BaseURL, subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		logger.Errorw("DSS subscription delete failed", "subscription_id", subscriptionID, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		logger.Errorw("DSS rejected subscription delete", "subscription_id", subscriptionID, "status", resp.StatusCode)
		return false
	}

	if err := c.subs.DeleteSubscriptionRecord(ctx, subscriptionID); err != nil {
		logger.Warnw("failed to remove local subscription record", "subscription_id", subscriptionID, "error", err)
	}
	return true
}

func (c *Client) putJSON(ctx context.Context, url, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("DSS returned %d: %s", resp.StatusCode, truncateBody(raw))
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) postJSON(ctx context.Context, url, token string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// viewHash reduces a view string to a short stable integer used to group
// subscription records.
func viewHash(view string) int64 {
	sum := sha256.Sum256([]byte(view))
	n := new(big.Int).SetBytes(sum[:])
	return n.Mod(n, big.NewInt(100_000_000)).Int64()
}

func truncateBody(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
