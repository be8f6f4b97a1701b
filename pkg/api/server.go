// Package api contains the REST surface for atc-blender.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/ezrakhuzadi/atc-blender/pkg/api/v1"
	"github.com/ezrakhuzadi/atc-blender/pkg/auth"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are the collaborators the HTTP surface is built over.
type Deps struct {
	Store        store.Store
	Verifier     *auth.Verifier
	Observations v1.ObservationReader
	Tracks       v1.TrackReader
	Geozones     v1.GeozoneIngestor
}

// Router assembles the full route tree.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)

	gate := v1.ScopeGate(deps.Verifier.RequireScopes)
	routers := map[string]http.Handler{
		"/ping":          v1.HealthcheckRouter(deps.Store),
		"/flight_stream": v1.DisplayRouter(deps.Observations, deps.Tracks, gate),
		"/uss":           v1.USSRouter(deps.Store, deps.Observations, gate),
	}
	if deps.Geozones != nil {
		routers["/geozones"] = v1.GeozoneRouter(deps.Geozones, gate)
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve runs the API server on address until ctx is cancelled. The caller
// sets up signal handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}

	logger.Infow("starting HTTP server", "address", address)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infow("HTTP server stopped")
	return nil
}
