package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

// HealthcheckRouter sets up the healthcheck route.
func HealthcheckRouter(st store.Store) http.Handler {
	routes := &healthcheckRoutes{store: st}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	store store.Store
}

func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Exists(r.Context(), "healthcheck"); err != nil {
		// Readiness follows the store; without it tokens, subscriptions
		// and observations are all unavailable.
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
