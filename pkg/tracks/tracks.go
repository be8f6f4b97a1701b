// Package tracks reads the active surveillance tracks of a session from the
// shared store.
package tracks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

const trackKeyPrefix = "active_track:"

// ActiveTrack is one aircraft's live track within a session.
type ActiveTrack struct {
	SessionID                string           `json:"session_id"`
	UniqueAircraftIdentifier string           `json:"unique_aircraft_identifier"`
	LastUpdatedTimestamp     string           `json:"last_updated_timestamp"`
	Observations             []map[string]any `json:"observations"`
}

// Reader looks up active tracks.
type Reader struct {
	store store.Store
}

// NewReader builds a Reader over st.
func NewReader(st store.Store) *Reader {
	return &Reader{store: st}
}

// TrackKey returns the store key for one aircraft's track in a session.
func TrackKey(sessionID, aircraftID string) string {
	return fmt.Sprintf("%s%s:%s", trackKeyPrefix, sessionID, aircraftID)
}

// ActiveTracksInSession returns every live track of the session. Lookup is
// an incremental prefix scan; sessions with many aircraft must not block
// the store.
func (r *Reader) ActiveTracksInSession(ctx context.Context, sessionID string) ([]ActiveTrack, error) {
	keys, err := r.store.Scan(ctx, trackKeyPrefix+sessionID+":")
	if err != nil {
		return nil, fmt.Errorf("scanning session tracks: %w", err)
	}

	tracks := make([]ActiveTrack, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			// The track may have expired between scan and read.
			continue
		}
		var track ActiveTrack
		if err := json.Unmarshal([]byte(raw), &track); err != nil {
			logger.Warnw("skipping undecodable track record", "key", key, "error", err)
			continue
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// SaveActiveTrack writes a track record for its session and aircraft.
func (r *Reader) SaveActiveTrack(ctx context.Context, track ActiveTrack) error {
	payload, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("encoding track: %w", err)
	}
	key := TrackKey(track.SessionID, track.UniqueAircraftIdentifier)
	return r.store.Set(ctx, key, string(payload))
}
