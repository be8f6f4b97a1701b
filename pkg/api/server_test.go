package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/ezrakhuzadi/atc-blender/pkg/api"
	"github.com/ezrakhuzadi/atc-blender/pkg/auth"
	"github.com/ezrakhuzadi/atc-blender/pkg/dss"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
	"github.com/ezrakhuzadi/atc-blender/pkg/tracks"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewRedisStoreWithClient(client)

	verifier := auth.NewVerifier(auth.VerifierConfig{
		Audience:           "testflight.flightblender.com",
		BypassVerification: true,
		IsDebug:            true,
	}, auth.NewJWKSCache(auth.JWKSCacheConfig{}))

	return api.Router(api.Deps{
		Store:        st,
		Verifier:     verifier,
		Observations: dss.NewStoreObservationWriter(st),
		Tracks:       tracks.NewReader(st),
	})
}

func TestRouterPing(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouterUnknownPath(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterGateApplied(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flight_stream/display_data/s1?view=1,1,2,2", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
