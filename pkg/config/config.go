// Package config loads runtime settings from the environment. It is the only
// package that reads environment variables; everything else takes the fields
// it needs from Settings.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the process configuration.
type Settings struct {
	// HTTP client behavior
	HTTPTimeout          time.Duration
	HTTPMaxRedirects     int
	HTTPMaxDownloadBytes int64

	// JWKS cache tuning
	JWKSCacheTTL            time.Duration
	JWKSFetchBackoffInitial time.Duration
	JWKSFetchBackoffMax     time.Duration

	// Geozone ingestion limits
	GeozoneMaxDownloadBytes int64
	GeozoneMaxRedirects     int

	// DSS federation
	DSSBaseURL           string
	DSSAuthURL           string
	DSSAuthTokenEndpoint string
	DSSAuthJWKSEndpoint  string
	DSSSelfAudience      string

	// Inbound token verification
	PassportURL      string
	PassportAudience string

	// Authority endpoint client credentials
	AuthDSSClientID     string
	AuthDSSClientSecret string

	// Local USS identity
	FlightBlenderFQDN string

	// Fallback peer USSes when the DSS is unreachable, comma separated
	RIDFallbackUSSURLs []string

	BypassAuthTokenVerification bool
	IsDebug                     bool

	// Redis connection
	RedisURL string

	// API listen address
	ListenAddress string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_TIMEOUT_S", 10)
	v.SetDefault("HTTP_MAX_REDIRECTS", 3)
	v.SetDefault("HTTP_MAX_DOWNLOAD_BYTES", 1024*1024)
	v.SetDefault("JWKS_CACHE_TTL_S", 300)
	v.SetDefault("JWKS_FETCH_BACKOFF_INITIAL_S", 1)
	v.SetDefault("JWKS_FETCH_BACKOFF_MAX_S", 60)
	v.SetDefault("GEOZONE_MAX_DOWNLOAD_BYTES", 5_000_000)
	v.SetDefault("GEOZONE_MAX_REDIRECTS", 3)
	v.SetDefault("DSS_BASE_URL", "http://local-dss-core:8082")
	v.SetDefault("DSS_AUTH_URL", "http://host.docker.internal:8085")
	v.SetDefault("DSS_AUTH_TOKEN_ENDPOINT", "/auth/token")
	v.SetDefault("DSS_AUTH_JWKS_ENDPOINT", "http://local.test:9000/.well-known/jwks.json")
	v.SetDefault("DSS_SELF_AUDIENCE", "")
	v.SetDefault("PASSPORT_URL", "http://local.test:9000")
	v.SetDefault("PASSPORT_AUDIENCE", "testflight.flightblender.com")
	v.SetDefault("AUTH_DSS_CLIENT_ID", "")
	v.SetDefault("AUTH_DSS_CLIENT_SECRET", "")
	v.SetDefault("FLIGHTBLENDER_FQDN", "")
	v.SetDefault("RID_FALLBACK_USS_URLS", "")
	v.SetDefault("BYPASS_AUTH_TOKEN_VERIFICATION", false)
	v.SetDefault("IS_DEBUG", false)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("LISTEN_ADDRESS", ":8000")
}

// Load reads the settings from the environment.
func Load() *Settings {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	return &Settings{
		HTTPTimeout:          time.Duration(v.GetFloat64("HTTP_TIMEOUT_S") * float64(time.Second)),
		HTTPMaxRedirects:     v.GetInt("HTTP_MAX_REDIRECTS"),
		HTTPMaxDownloadBytes: v.GetInt64("HTTP_MAX_DOWNLOAD_BYTES"),

		JWKSCacheTTL:            time.Duration(v.GetFloat64("JWKS_CACHE_TTL_S") * float64(time.Second)),
		JWKSFetchBackoffInitial: time.Duration(v.GetFloat64("JWKS_FETCH_BACKOFF_INITIAL_S") * float64(time.Second)),
		JWKSFetchBackoffMax:     time.Duration(v.GetFloat64("JWKS_FETCH_BACKOFF_MAX_S") * float64(time.Second)),

		GeozoneMaxDownloadBytes: v.GetInt64("GEOZONE_MAX_DOWNLOAD_BYTES"),
		GeozoneMaxRedirects:     v.GetInt("GEOZONE_MAX_REDIRECTS"),

		DSSBaseURL:           strings.TrimRight(v.GetString("DSS_BASE_URL"), "/"),
		DSSAuthURL:           v.GetString("DSS_AUTH_URL"),
		DSSAuthTokenEndpoint: v.GetString("DSS_AUTH_TOKEN_ENDPOINT"),
		DSSAuthJWKSEndpoint:  v.GetString("DSS_AUTH_JWKS_ENDPOINT"),
		DSSSelfAudience:      v.GetString("DSS_SELF_AUDIENCE"),

		PassportURL:      strings.TrimRight(v.GetString("PASSPORT_URL"), "/"),
		PassportAudience: v.GetString("PASSPORT_AUDIENCE"),

		AuthDSSClientID:     v.GetString("AUTH_DSS_CLIENT_ID"),
		AuthDSSClientSecret: v.GetString("AUTH_DSS_CLIENT_SECRET"),

		FlightBlenderFQDN: v.GetString("FLIGHTBLENDER_FQDN"),

		RIDFallbackUSSURLs: ParseFallbackUSSURLs(v.GetString("RID_FALLBACK_USS_URLS")),

		BypassAuthTokenVerification: v.GetBool("BYPASS_AUTH_TOKEN_VERIFICATION"),
		IsDebug:                     v.GetBool("IS_DEBUG"),

		RedisURL:      v.GetString("REDIS_URL"),
		ListenAddress: v.GetString("LISTEN_ADDRESS"),
	}
}

// PassportJWKSURL returns the JWKS endpoint published by the passport server.
func (s *Settings) PassportJWKSURL() string {
	return strings.TrimRight(s.PassportURL, "/") + "/.well-known/jwks.json"
}

// TokenEndpoint returns the full authority token endpoint URL.
func (s *Settings) TokenEndpoint() string {
	return s.DSSAuthURL + s.DSSAuthTokenEndpoint
}

// ParseFallbackUSSURLs splits and normalizes the comma-separated fallback USS
// list: empty entries are dropped, scheme-less entries get http://, trailing
// slashes are stripped.
func ParseFallbackUSSURLs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var urls []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.HasPrefix(entry, "http://") && !strings.HasPrefix(entry, "https://") {
			entry = "http://" + entry
		}
		urls = append(urls, strings.TrimRight(entry, "/"))
	}
	return urls
}
