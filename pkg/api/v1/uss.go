package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/rid"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

const (
	isaNotificationKeyPrefix = "isa_notification:"
	isaNotificationTTL       = 5 * time.Minute

	millimetersPerMeter = 1000.0
)

// USSRouter serves the inter-USS surface: ISA change notifications and
// operational-intent telemetry lookups.
func USSRouter(st store.Store, observations ObservationReader, gate ScopeGate) http.Handler {
	routes := &ussRoutes{store: st, observations: observations, now: time.Now}
	r := chi.NewRouter()
	r.With(gate([]string{"rid.service_provider"}, false)).
		Post("/identification_service_areas/{isaID}", routes.postISANotification)
	r.With(gate([]string{"utm.conformance_monitoring_sa"}, false)).
		Get("/v1/operational_intents/{opIntID}/telemetry", routes.getTelemetry)
	r.With(gate([]string{"utm.strategic_coordination"}, false)).
		Get("/v1/operational_intents/{opIntID}/off_nominal_position", routes.getTelemetry)
	return r
}

type ussRoutes struct {
	store        store.Store
	observations ObservationReader
	now          func() time.Time
}

func (u *ussRoutes) postISANotification(w http.ResponseWriter, r *http.Request) {
	isaID := chi.URLParam(r, "isaID")

	var notification rid.ISANotification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&notification); err != nil {
		writeDetail(w, http.StatusBadRequest, "Notification body could not be decoded")
		return
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Notification could not be recorded")
		return
	}
	if err := u.store.SetWithTTL(r.Context(), isaNotificationKeyPrefix+isaID, string(payload), isaNotificationTTL); err != nil {
		writeDetail(w, http.StatusServiceUnavailable, "Notification could not be recorded")
		return
	}
	logger.Infow("received service area notification",
		"isa_id", isaID,
		"service_area_owner", notification.ServiceArea.Owner,
		"subscriptions", len(notification.Subscriptions))
	w.WriteHeader(http.StatusNoContent)
}

type telemetryPosition struct {
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	AccuracyH    string       `json:"accuracy_h"`
	AccuracyV    string       `json:"accuracy_v"`
	Altitude     rid.Altitude `json:"altitude"`
	Extrapolated bool         `json:"extrapolated"`
}

type telemetryVelocity struct {
	Speed      float64 `json:"speed"`
	UnitsSpeed string  `json:"units_speed"`
	Track      float64 `json:"track"`
}

type vehicleTelemetry struct {
	TimeMeasured rid.Time          `json:"time_measured"`
	Position     telemetryPosition `json:"position"`
	Velocity     telemetryVelocity `json:"velocity"`
}

type telemetryResponse struct {
	OperationalIntentID      string           `json:"operational_intent_id"`
	Telemetry                vehicleTelemetry `json:"telemetry"`
	NextTelemetryOpportunity *rid.Time        `json:"next_telemetry_opportunity"`
}

func (u *ussRoutes) getTelemetry(w http.ResponseWriter, r *http.Request) {
	opIntID := chi.URLParam(r, "opIntID")

	observations, err := u.observations.ListObservations(r.Context(), opIntID)
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, "Observation store unavailable")
		return
	}
	if len(observations) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"message": fmt.Sprintf("No telemetry is available for operational intent %s", opIntID),
		})
		return
	}
	obs := observations[len(observations)-1]

	writeJSON(w, http.StatusOK, telemetryResponse{
		OperationalIntentID: opIntID,
		Telemetry: vehicleTelemetry{
			TimeMeasured: rid.NewTime(u.now().UTC().Format(time.RFC3339)),
			Position: telemetryPosition{
				Latitude:  obs.LatDD,
				Longitude: obs.LonDD,
				AccuracyH: "HAUnknown",
				AccuracyV: "VAUnknown",
				Altitude: rid.Altitude{
					Value:     obs.AltitudeMM / millimetersPerMeter,
					Reference: "W84",
					Units:     "M",
				},
			},
			Velocity: telemetryVelocity{UnitsSpeed: "MetersPerSecond"},
		},
	})
}
