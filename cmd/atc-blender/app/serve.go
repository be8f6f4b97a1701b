package app

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ezrakhuzadi/atc-blender/pkg/api"
	"github.com/ezrakhuzadi/atc-blender/pkg/auth"
	"github.com/ezrakhuzadi/atc-blender/pkg/config"
	"github.com/ezrakhuzadi/atc-blender/pkg/dss"
	"github.com/ezrakhuzadi/atc-blender/pkg/geo"
	"github.com/ezrakhuzadi/atc-blender/pkg/geozone"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/rid"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
	"github.com/ezrakhuzadi/atc-blender/pkg/tracks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the atc-blender server",
	Long: `Start the HTTP server and the federation workers. With --subscribe-view
set, a DSS subscription covering that view is maintained and peer USSes
inside it are polled for flights.`,
	RunE: runServe,
}

const (
	pollInterval      = 5 * time.Second
	subscriptionTTL   = 30 * time.Second
	storeConnectTries = 10
)

var subscribeView string

func init() {
	serveCmd.Flags().StringVar(&subscribeView, "subscribe-view", "",
		"View rectangle lat1,lng1,lat2,lng2 to keep a DSS subscription for")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := config.Load()

	st, err := connectStore(ctx, settings.RedisURL)
	if err != nil {
		return err
	}
	defer st.Close()

	auth.InitDefaultJWKSCache(auth.NewJWKSCache(auth.JWKSCacheConfig{
		TTL:            settings.JWKSCacheTTL,
		BackoffInitial: settings.JWKSFetchBackoffInitial,
		BackoffMax:     settings.JWKSFetchBackoffMax,
		Timeout:        settings.HTTPTimeout,
	}))

	verifier := auth.NewVerifier(auth.VerifierConfig{
		PassportJWKSURL:    settings.PassportJWKSURL(),
		DSSJWKSURL:         settings.DSSAuthJWKSEndpoint,
		Audience:           settings.PassportAudience,
		AllowedIssuers:     []string{settings.PassportURL},
		BypassVerification: settings.BypassAuthTokenVerification,
		IsDebug:            settings.IsDebug,
	}, auth.DefaultJWKSCache())

	broker := auth.NewBroker(auth.BrokerConfig{
		ClientID:      settings.AuthDSSClientID,
		ClientSecret:  settings.AuthDSSClientSecret,
		TokenEndpoint: settings.TokenEndpoint(),
		Timeout:       settings.HTTPTimeout,
	}, st)

	subscriptions := dss.NewStoreSubscriptionWriter(st)
	observations := dss.NewStoreObservationWriter(st)

	client := dss.NewClient(dss.ClientConfig{
		BaseURL:         settings.DSSBaseURL,
		SelfAudience:    settings.DSSSelfAudience,
		USSBaseURL:      dss.ResolveBaseURL(settings.FlightBlenderFQDN),
		FallbackUSSURLs: settings.RIDFallbackUSSURLs,
		Timeout:         settings.HTTPTimeout,
	}, broker, st, subscriptions)

	poller := dss.NewPoller(broker, dss.NewStoreDetailsCache(st), observations, settings.HTTPTimeout)

	geozones := geozone.NewIngestor(geozone.IngestorConfig{
		Timeout:          settings.HTTPTimeout,
		MaxRedirects:     settings.GeozoneMaxRedirects,
		MaxDownloadBytes: settings.GeozoneMaxDownloadBytes,
		AllowHTTP:        settings.IsDebug,
	}, st, geozone.NewStoreWriter(st))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, settings.ListenAddress, api.Deps{
			Store:        st,
			Verifier:     verifier,
			Observations: observations,
			Tracks:       tracks.NewReader(st),
			Geozones:     geozones,
		})
	})
	g.Go(func() error {
		return runFederation(gctx, client, subscriptions, poller)
	})
	return g.Wait()
}

func connectStore(ctx context.Context, redisURL string) (*store.RedisStore, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second

	return backoff.Retry(ctx, func() (*store.RedisStore, error) {
		return store.NewRedisStore(ctx, redisURL)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(storeConnectTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnw("store unavailable, retrying", "error", err, "retry_in", duration)
		}),
	)
}

// runFederation keeps the requested subscription alive and polls every peer
// USS named by a live subscription record.
func runFederation(ctx context.Context, client *dss.Client, subscriptions *dss.StoreSubscriptionWriter, poller *dss.Poller) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		records, err := subscriptions.ListSubscriptionRecords(ctx)
		if err != nil {
			logger.Warnw("cannot list subscription records", "error", err)
			continue
		}

		if len(records) == 0 && subscribeView != "" {
			renewSubscription(ctx, client)
			continue
		}
		for _, record := range records {
			poller.PollFlights(ctx, record.Flights, record.View)
		}
	}
}

func renewSubscription(ctx context.Context, client *dss.Client) {
	view, err := geo.ParseViewLatLng(subscribeView)
	if err != nil {
		logger.Errorw("invalid --subscribe-view", "view", subscribeView, "error", err)
		return
	}
	resp := client.CreateSubscription(ctx, viewVertices(view), view.String(), uuid.NewString(), subscriptionTTL, false)
	if !resp.Created {
		logger.Warnw("subscription could not be created", "view", view.String())
	}
}

func viewVertices(view geo.View) []rid.LatLngPoint {
	return []rid.LatLngPoint{
		{Lat: view.MinLat, Lng: view.MinLng},
		{Lat: view.MinLat, Lng: view.MaxLng},
		{Lat: view.MaxLat, Lng: view.MaxLng},
		{Lat: view.MaxLat, Lng: view.MinLng},
	}
}
