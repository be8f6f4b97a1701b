// Package geozone ingests remote geozone documents: safe bounded download,
// JSON validation, and ingestion status reporting.
package geozone

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
	"github.com/ezrakhuzadi/atc-blender/pkg/networking"
	"github.com/ezrakhuzadi/atc-blender/pkg/store"
)

// Ingestion statuses reported against a test record.
const (
	StatusRejected = "Rejected"
	StatusError    = "Error"
	StatusReady    = "Ready"
)

// statusKeyPrefix marks geozone ingestion test records in the store.
const statusKeyPrefix = "geoawareness_test."

// Writer receives the parsed geozone document on successful ingestion.
type Writer interface {
	WriteGeozone(ctx context.Context, sourceID string, doc map[string]any) error
}

// IngestorConfig bounds the download.
type IngestorConfig struct {
	Timeout          time.Duration
	MaxRedirects     int
	MaxDownloadBytes int64

	// AllowHTTP permits plain http sources; enabled only in debug setups.
	AllowHTTP bool
}

// Ingestor downloads geozone documents and records the outcome.
type Ingestor struct {
	fetcher *networking.Fetcher
	store   store.Store
	writer  Writer
}

// NewIngestor builds an Ingestor. HTTPS is required unless AllowHTTP is set.
func NewIngestor(cfg IngestorConfig, st store.Store, writer Writer, opts ...networking.FetchOption) *Ingestor {
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 3
	}
	if cfg.MaxDownloadBytes == 0 {
		cfg.MaxDownloadBytes = 5_000_000
	}
	fetcher := networking.NewFetcher(networking.FetchSettings{
		Timeout:          cfg.Timeout,
		MaxRedirects:     cfg.MaxRedirects,
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		AllowHTTP:        cfg.AllowHTTP,
		RequireHTTPS:     !cfg.AllowHTTP,
	}, opts...)
	return &Ingestor{fetcher: fetcher, store: st, writer: writer}
}

// Ingest downloads the document at url and hands it to the writer. The
// returned status is Rejected for URL safety violations, Error for any other
// failure, and Ready on success. The status is also written to the source's
// test record when one exists.
func (i *Ingestor) Ingest(ctx context.Context, sourceID, url string) string {
	status := i.ingest(ctx, sourceID, url)
	i.reportStatus(ctx, sourceID, status)
	return status
}

func (i *Ingestor) ingest(ctx context.Context, sourceID, url string) string {
	doc, err := i.fetcher.FetchJSONObject(ctx, url)
	if err != nil {
		var fetchErr *networking.FetchError
		if errors.As(err, &fetchErr) && strings.HasPrefix(fetchErr.Code, networking.FetchURLNotAllowed) {
			logger.Warnw("geozone source rejected", "source_id", sourceID, "reason", fetchErr.Code)
			return StatusRejected
		}
		logger.Errorw("geozone download failed", "source_id", sourceID, "url", url, "error", err)
		return StatusError
	}

	if err := i.writer.WriteGeozone(ctx, sourceID, doc); err != nil {
		logger.Errorw("geozone write failed", "source_id", sourceID, "error", err)
		return StatusError
	}
	logger.Infow("geozone ingested", "source_id", sourceID, "url", url)
	return StatusReady
}

// reportStatus updates the test record for this source. Sources without a
// test record are ingested silently.
func (i *Ingestor) reportStatus(ctx context.Context, sourceID, status string) {
	key := statusKeyPrefix + sourceID
	exists, err := i.store.Exists(ctx, key)
	if err != nil {
		logger.Warnw("cannot check geozone test record", "key", key, "error", err)
		return
	}
	if !exists {
		return
	}
	if err := i.store.Set(ctx, key, status); err != nil {
		logger.Warnw("cannot update geozone test record", "key", key, "error", err)
	}
}
