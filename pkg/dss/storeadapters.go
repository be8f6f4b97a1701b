package dss

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ezrakhuzadi/atc-blender/pkg/rid"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

const (
	flightDetailsKeyPrefix   = "flight_details:"
	subscriptionKeyPrefix    = "rid_subscription:"
	observationKeyPrefix     = "flight_observation:"
	flightDetailsTTL         = 5 * time.Minute
	observationRetention     = 5 * time.Minute
	subscriptionRecordMargin = time.Minute
)

// StoreDetailsCache implements DetailsStore on the shared key/value store.
type StoreDetailsCache struct {
	store store.Store
}

// NewStoreDetailsCache builds a details cache over st.
func NewStoreDetailsCache(st store.Store) *StoreDetailsCache {
	return &StoreDetailsCache{store: st}
}

func (c *StoreDetailsCache) DetailsExist(ctx context.Context, flightID string) (bool, error) {
	return c.store.Exists(ctx, flightDetailsKeyPrefix+flightID)
}

func (c *StoreDetailsCache) SaveDetails(ctx context.Context, flightID string, details json.RawMessage) error {
	return c.store.SetWithTTL(ctx, flightDetailsKeyPrefix+flightID, string(details), flightDetailsTTL)
}

// StoreSubscriptionWriter persists subscription records as JSON value
// documents in the shared store. Records expire shortly after their
// subscription window ends.
type StoreSubscriptionWriter struct {
	store store.Store
	now   func() time.Time
}

// NewStoreSubscriptionWriter builds a subscription writer over st.
func NewStoreSubscriptionWriter(st store.Store) *StoreSubscriptionWriter {
	return &StoreSubscriptionWriter{store: st, now: time.Now}
}

type storedSubscription struct {
	SubscriptionID string            `json:"subscription_id"`
	RecordID       string            `json:"record_id"`
	ViewHash       int64             `json:"view_hash"`
	EndTime        string            `json:"end_time"`
	IsSimulated    bool              `json:"is_simulated"`
	View           string            `json:"view"`
	Flights        rid.FlightsRecord `json:"flights"`
}

func (w *StoreSubscriptionWriter) CreateSubscriptionRecord(ctx context.Context, rec SubscriptionRecord) error {
	doc := storedSubscription{
		SubscriptionID: rec.SubscriptionID,
		RecordID:       rec.RecordID,
		ViewHash:       rec.ViewHash,
		EndTime:        rec.EndTime,
		IsSimulated:    rec.IsSimulated,
		View:           rec.View,
		Flights:        rec.Flights,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding subscription record: %w", err)
	}

	ttl := subscriptionRecordMargin
	if end, perr := time.Parse(time.RFC3339, rec.EndTime); perr == nil {
		if until := end.Sub(w.now()); until > 0 {
			ttl = until + subscriptionRecordMargin
		}
	}
	return w.store.SetWithTTL(ctx, subscriptionKeyPrefix+rec.SubscriptionID, string(payload), ttl)
}

func (w *StoreSubscriptionWriter) DeleteSubscriptionRecord(ctx context.Context, subscriptionID string) error {
	return w.store.Delete(ctx, subscriptionKeyPrefix+subscriptionID)
}

// GetSubscriptionRecord reads a persisted subscription record back.
func (w *StoreSubscriptionWriter) GetSubscriptionRecord(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error) {
	raw, err := w.store.Get(ctx, subscriptionKeyPrefix+subscriptionID)
	if err != nil {
		return nil, err
	}
	var doc storedSubscription
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding subscription record: %w", err)
	}
	return &SubscriptionRecord{
		SubscriptionID: doc.SubscriptionID,
		RecordID:       doc.RecordID,
		ViewHash:       doc.ViewHash,
		EndTime:        doc.EndTime,
		IsSimulated:    doc.IsSimulated,
		View:           doc.View,
		Flights:        doc.Flights,
	}, nil
}

// ListSubscriptionRecords returns all live subscription records.
func (w *StoreSubscriptionWriter) ListSubscriptionRecords(ctx context.Context) ([]SubscriptionRecord, error) {
	keys, err := w.store.Scan(ctx, subscriptionKeyPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]SubscriptionRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := w.GetSubscriptionRecord(ctx, key[len(subscriptionKeyPrefix):])
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// StoreObservationWriter implements ObservationWriter on the shared store.
// Observations are short-lived; display reads consume them within minutes.
type StoreObservationWriter struct {
	store store.Store
	now   func() time.Time
}

// NewStoreObservationWriter builds an observation writer over st.
func NewStoreObservationWriter(st store.Store) *StoreObservationWriter {
	return &StoreObservationWriter{store: st, now: time.Now}
}

func (w *StoreObservationWriter) WriteObservation(ctx context.Context, obs rid.Observation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encoding observation: %w", err)
	}
	key := fmt.Sprintf("%s%s:%s:%d", observationKeyPrefix, obs.SessionID, obs.ICAOAddress, w.now().UnixNano())
	return w.store.SetWithTTL(ctx, key, string(payload), observationRetention)
}

// ListObservations returns the live observations for a session.
func (w *StoreObservationWriter) ListObservations(ctx context.Context, sessionID string) ([]rid.Observation, error) {
	keys, err := w.store.Scan(ctx, observationKeyPrefix+sessionID+":")
	if err != nil {
		return nil, err
	}
	observations := make([]rid.Observation, 0, len(keys))
	for _, key := range keys {
		raw, err := w.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var obs rid.Observation
		if err := json.Unmarshal([]byte(raw), &obs); err != nil {
			continue
		}
		observations = append(observations, obs)
	}
	return observations, nil
}
