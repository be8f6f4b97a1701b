package geozone

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

const geozoneKeyPrefix = "geozone:"

// StoreWriter persists ingested geozone documents as JSON in the shared
// store.
type StoreWriter struct {
	store store.Store
}

// NewStoreWriter builds a StoreWriter over st.
func NewStoreWriter(st store.Store) *StoreWriter {
	return &StoreWriter{store: st}
}

func (w *StoreWriter) WriteGeozone(ctx context.Context, sourceID string, doc map[string]any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding geozone: %w", err)
	}
	return w.store.Set(ctx, geozoneKeyPrefix+sourceID, string(payload))
}

// GetGeozone reads a persisted geozone document back.
func (w *StoreWriter) GetGeozone(ctx context.Context, sourceID string) (map[string]any, error) {
	raw, err := w.store.Get(ctx, geozoneKeyPrefix+sourceID)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding geozone: %w", err)
	}
	return doc, nil
}
