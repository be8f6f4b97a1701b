package v1

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ezrakhuzadi/atc-blender/pkg/geo"
	"github.com/ezrakhuzadi/atc-blender/pkg/rid"
	"github.com/ezrakhuzadi/atc-blender/pkg/spatial"
	"github.com/ezrakhuzadi/atc-blender/pkg/tracks"
)

// ScopeGate builds per-route authorization middleware.
type ScopeGate func(scopes []string, allowAny bool) func(http.Handler) http.Handler

// ObservationReader lists the live observations of a session.
type ObservationReader interface {
	ListObservations(ctx context.Context, sessionID string) ([]rid.Observation, error)
}

// TrackReader lists the active tracks of a session.
type TrackReader interface {
	ActiveTracksInSession(ctx context.Context, sessionID string) ([]tracks.ActiveTrack, error)
}

// DisplayRouter serves obfuscated traffic for display clients.
func DisplayRouter(observations ObservationReader, trackReader TrackReader, gate ScopeGate) http.Handler {
	routes := &displayRoutes{observations: observations, tracks: trackReader}
	r := chi.NewRouter()
	display := r.With(gate([]string{"rid.display_provider"}, false))
	display.Get("/display_data/{sessionID}", routes.getDisplayData)
	display.Get("/tracks/{sessionID}", routes.getActiveTracks)
	return r
}

type displayRoutes struct {
	observations ObservationReader
	tracks       TrackReader
}

type displayFlight struct {
	ICAOAddress   string         `json:"icao_address"`
	LatDD         float64        `json:"lat_dd"`
	LonDD         float64        `json:"lon_dd"`
	AltitudeMM    float64        `json:"altitude_mm"`
	TrafficSource int            `json:"traffic_source"`
	SourceType    int            `json:"source_type"`
	Metadata      map[string]any `json:"metadata"`
}

type displayDataResponse struct {
	Flights  []displayFlight     `json:"flights"`
	Clusters []geo.ClusterDetail `json:"clusters"`
}

func (d *displayRoutes) getDisplayData(w http.ResponseWriter, r *http.Request) {
	view, err := geo.ParseViewLatLng(r.URL.Query().Get("view"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "A valid view parameter of the form lat1,lng1,lat2,lng2 is required")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	observations, err := d.observations.ListObservations(r.Context(), sessionID)
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, "Observation store unavailable")
		return
	}

	// One flight per aircraft, most recent write wins.
	latest := make(map[string]rid.Observation)
	for _, obs := range observations {
		latest[obs.ICAOAddress] = obs
	}

	// Select positions inside the view through an in-memory index; the index
	// is request-scoped, so nothing leaks across handlers.
	idx := spatial.New()
	for icao, obs := range latest {
		point := spatial.Bounds{MinX: obs.LatDD, MinY: obs.LonDD, MaxX: obs.LatDD, MaxY: obs.LonDD}
		idx.Insert(icao, point, spatial.Record{})
	}
	hits := idx.Intersect(spatial.Bounds{MinX: view.MinLat, MinY: view.MinLng, MaxX: view.MaxLat, MaxY: view.MaxLng})

	resp := displayDataResponse{
		Flights:  make([]displayFlight, 0, len(hits)),
		Clusters: []geo.ClusterDetail{},
	}
	positions := make([]geo.Position, 0, len(hits))
	for _, hit := range hits {
		obs := latest[hit.ID]
		resp.Flights = append(resp.Flights, displayFlight{
			ICAOAddress:   obs.ICAOAddress,
			LatDD:         obs.LatDD,
			LonDD:         obs.LonDD,
			AltitudeMM:    obs.AltitudeMM,
			TrafficSource: obs.TrafficSource,
			SourceType:    obs.SourceType,
			Metadata:      obs.Metadata,
		})
		positions = append(positions, geo.Position{Lat: obs.LatDD, Lng: obs.LonDD})
	}
	if len(positions) > 0 {
		resp.Clusters = geo.BuildClusterDetails(view, positions)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *displayRoutes) getActiveTracks(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	active, err := d.tracks.ActiveTracksInSession(r.Context(), sessionID)
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, "Track store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": active})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
