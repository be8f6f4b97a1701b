package v1

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// GeozoneIngestor downloads and stores an external geozone source, returning
// the resulting ingestion status.
type GeozoneIngestor interface {
	Ingest(ctx context.Context, sourceID, url string) string
}

// GeozoneRouter serves geozone source imports.
func GeozoneRouter(ingestor GeozoneIngestor, gate ScopeGate) http.Handler {
	routes := &geozoneRoutes{ingestor: ingestor}
	r := chi.NewRouter()
	r.With(gate([]string{"utm.constraint_processing"}, false)).
		Post("/import", routes.importGeozone)
	return r
}

type geozoneRoutes struct {
	ingestor GeozoneIngestor
}

type geozoneImportRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (g *geozoneRoutes) importGeozone(w http.ResponseWriter, r *http.Request) {
	var req geozoneImportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Import body could not be decoded")
		return
	}
	if req.URL == "" {
		writeDetail(w, http.StatusBadRequest, "A source url is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	status := g.ingestor.Ingest(r.Context(), req.ID, req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": status})
}
