package dss

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ezrakhuzadi/atc-blender/pkg/auth"
	"github.com/ezrakhuzadi/atc-blender/pkg/federation"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/rid"
)

// DetailsStore caches per-flight detail documents fetched from peers.
type DetailsStore interface {
	DetailsExist(ctx context.Context, flightID string) (bool, error)
	SaveDetails(ctx context.Context, flightID string, details json.RawMessage) error
}

// ObservationWriter persists air-traffic observations derived from polled
// peer flights.
type ObservationWriter interface {
	WriteObservation(ctx context.Context, obs rid.Observation) error
}

// Poller walks the service areas of a persisted subscription and pulls
// flights from each peer USS.
type Poller struct {
	tokens  TokenSource
	details DetailsStore
	obs     ObservationWriter
	client  *http.Client
}

// NewPoller builds a Poller.
func NewPoller(tokens TokenSource, details DetailsStore, obs ObservationWriter, timeout time.Duration) *Poller {
	return &Poller{
		tokens:  tokens,
		details: details,
		obs:     obs,
		client:  &http.Client{Timeout: timeout},
	}
}

// WithPollerHTTPClient overrides the HTTP client, for tests.
func (p *Poller) WithPollerHTTPClient(client *http.Client) *Poller {
	p.client = client
	return p
}

// PollFlights queries every service area in the record for flights inside
// view and persists one observation per flight with a usable position.
// Peers that reject or fail are logged and skipped.
func (p *Poller) PollFlights(ctx context.Context, record rid.FlightsRecord, view string) {
	for _, serviceArea := range record.ServiceAreas {
		p.pollServiceArea(ctx, serviceArea, record.Subscription.ID, view)
	}
}

func (p *Poller) pollServiceArea(ctx context.Context, serviceArea rid.IdentificationServiceArea, subscriptionID, view string) {
	flightsURL := serviceArea.USSBaseURL + "/uss/flights?view=" + view

	token := p.peerToken(ctx, serviceArea.USSBaseURL)
	body, err := p.getBody(ctx, flightsURL, token)
	if err != nil {
		logger.Infow("peer flights query failed", "url", flightsURL, "error", err)
		return
	}

	flights := gjson.GetBytes(body, "flights")
	if !flights.IsArray() {
		logger.Infow("peer flights response has no flights array", "url", flightsURL)
		return
	}

	for _, flight := range flights.Array() {
		flightID := flight.Get("id").String()
		if flightID == "" {
			continue
		}

		p.fetchDetails(ctx, serviceArea.USSBaseURL, flightID, token)

		currentState := flight.Get("current_state")
		if !currentState.Exists() {
			logger.Errorw("peer flight has no current_state", "url", flightsURL, "flight_id", flightID)
			continue
		}

		position := currentState.Get("position")
		if !position.Get("lat").Exists() || !position.Get("lng").Exists() || !position.Get("alt").Exists() {
			logger.Errorw("peer flight position is incomplete", "url", flightsURL, "flight_id", flightID)
			continue
		}

		metadata := map[string]any{
			"id":               flightID,
			"simulated":        flight.Get("simulated").Value(),
			"aircraft_type":    flight.Get("aircraft_type").Value(),
			"subscription_id":  subscriptionID,
			"current_state":    currentState.Value(),
			"recent_positions": flight.Get("recent_positions").Value(),
		}
		obs := rid.Observation{
			SessionID:     subscriptionID,
			ICAOAddress:   flightID,
			TrafficSource: 11,
			SourceType:    1,
			LatDD:         position.Get("lat").Float(),
			LonDD:         position.Get("lng").Float(),
			AltitudeMM:    position.Get("alt").Float(),
			Metadata:      metadata,
		}
		if err := p.obs.WriteObservation(ctx, obs); err != nil {
			logger.Errorw("failed to write observation", "flight_id", flightID, "error", err)
		}
	}
}

// fetchDetails pulls and caches the flight detail document unless a cached
// copy already exists.
func (p *Poller) fetchDetails(ctx context.Context, baseURL, flightID, token string) {
	exists, err := p.details.DetailsExist(ctx, flightID)
	if err != nil {
		logger.Warnw("details lookup failed", "flight_id", flightID, "error", err)
		return
	}
	if exists {
		return
	}

	detailsURL := fmt.Sprintf("%s/uss/flights/%s/details", baseURL, flightID)
	body, err := p.getBody(ctx, detailsURL, token)
	if err != nil {
		logger.Infow("flight details query failed", "url", detailsURL, "error", err)
		return
	}

	details := gjson.GetBytes(body, "details")
	if !details.Exists() {
		logger.Infow("flight details response has no details object", "url", detailsURL)
		return
	}
	if err := p.details.SaveDetails(ctx, flightID, json.RawMessage(details.Raw)); err != nil {
		logger.Errorw("failed to store flight details", "flight_id", flightID, "error", err)
		return
	}
	logger.Infow("stored flight details", "flight_id", flightID)
}

// peerToken fetches a token for the peer's audience. A missing token is not
// fatal; the query proceeds unauthenticated with a warning.
func (p *Poller) peerToken(ctx context.Context, baseURL string) string {
	audience, err := federation.DeriveAudience(baseURL)
	if err != nil {
		logger.Warnw("cannot derive audience for peer, requesting without auth", "url", baseURL, "error", err)
		return ""
	}
	creds, err := p.tokens.GetToken(ctx, audience, auth.TokenTypeRID)
	if err != nil {
		logger.Warnw("peer token missing, requesting without auth", "audience", audience, "error", err)
		return ""
	}
	if creds.AccessToken == "" {
		logger.Warnw("peer token empty, requesting without auth", "audience", audience)
		return ""
	}
	return creds.AccessToken
}

func (p *Poller) getBody(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned %d: %s", resp.StatusCode, truncateBody(body))
	}
	return body, nil
}
