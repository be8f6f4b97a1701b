package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
)

const readChunkSize = 64 * 1024

// Fetch failure codes. They surface in FetchError.Code and are stable for
// callers that record the failure.
const (
	FetchURLNotAllowed      = "url_not_allowed"
	FetchRedirectNoLocation = "redirect_without_location"
	FetchHTTPStatus         = "http_status"
	FetchResponseTooLarge   = "response_too_large"
	FetchUnsupportedContent = "unsupported_content_type"
	FetchInvalidJSON        = "invalid_json"
	FetchJSONNotObject      = "json_not_object"
	FetchTooManyRedirects   = "too_many_redirects"
	FetchRequestFailed      = "request_failed"
)

// FetchError describes why a download was rejected. Code is one of the Fetch*
// constants, possibly suffixed with a detail, e.g. "http_status:404".
type FetchError struct {
	Code string
	URL  string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Code)
}

// FetchSettings bounds a download.
type FetchSettings struct {
	Timeout          time.Duration
	MaxRedirects     int
	MaxDownloadBytes int64
	AllowHTTP        bool
	RequireHTTPS     bool
}

// Fetcher downloads small JSON documents from vetted URLs. Each redirect hop
// is re-validated before it is followed, response bodies are read in bounded
// chunks, and only JSON objects are accepted.
type Fetcher struct {
	settings FetchSettings
	client   *http.Client

	// validate may be replaced in tests to admit loopback listeners.
	validate func(ctx context.Context, rawURL string) (bool, string)
}

// FetchOption configures a Fetcher.
type FetchOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client. The fetcher installs its own
// CheckRedirect so redirects stay under its control.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithValidateFunc overrides URL validation.
func WithValidateFunc(fn func(ctx context.Context, rawURL string) (bool, string)) FetchOption {
	return func(f *Fetcher) {
		f.validate = fn
	}
}

// NewFetcher builds a Fetcher with the given bounds.
func NewFetcher(settings FetchSettings, opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		settings: settings,
		client: &http.Client{
			Timeout: settings.Timeout,
		},
	}
	validator := &URLValidator{
		AllowHTTP:    settings.AllowHTTP,
		RequireHTTPS: settings.RequireHTTPS,
	}
	f.validate = validator.Validate
	for _, opt := range opts {
		opt(f)
	}
	// Redirects are walked manually so each hop can be validated.
	f.client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return f
}

// FetchJSONObject downloads a JSON object from url, following at most
// MaxRedirects validated redirects and reading at most MaxDownloadBytes.
func (f *Fetcher) FetchJSONObject(ctx context.Context, rawURL string) (map[string]any, error) {
	current := rawURL
	for hop := 0; hop <= f.settings.MaxRedirects; hop++ {
		ok, reason := f.validate(ctx, current)
		if !ok {
			return nil, &FetchError{Code: FetchURLNotAllowed + ":" + reason, URL: current}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, &FetchError{Code: FetchURLNotAllowed + ":" + ReasonInvalidURL, URL: current}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, &FetchError{Code: FetchRequestFailed + ":" + err.Error(), URL: current}
		}

		if isRedirectStatus(resp.StatusCode) {
			location := resp.Header.Get("Location")
			drain(resp.Body)
			if location == "" {
				return nil, &FetchError{Code: FetchRedirectNoLocation, URL: current}
			}
			next, err := resp.Request.URL.Parse(location)
			if err != nil {
				return nil, &FetchError{Code: FetchURLNotAllowed + ":" + ReasonInvalidURL, URL: location}
			}
			logger.Debugw("following redirect", "from", current, "to", next.String())
			current = next.String()
			continue
		}

		return f.readObject(resp, current)
	}
	return nil, &FetchError{Code: FetchTooManyRedirects, URL: current}
}

func (f *Fetcher) readObject(resp *http.Response, url string) (map[string]any, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, &FetchError{Code: fmt.Sprintf("%s:%d", FetchHTTPStatus, resp.StatusCode), URL: url}
	}

	if resp.ContentLength > 0 && resp.ContentLength > f.settings.MaxDownloadBytes {
		return nil, &FetchError{Code: FetchResponseTooLarge, URL: url}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !isJSONContentType(ct) {
		return nil, &FetchError{Code: FetchUnsupportedContent, URL: url}
	}

	body, err := readBounded(resp.Body, f.settings.MaxDownloadBytes)
	if err != nil {
		if fe, ok := err.(*FetchError); ok {
			fe.URL = url
			return nil, fe
		}
		return nil, &FetchError{Code: FetchRequestFailed + ":" + err.Error(), URL: url}
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &FetchError{Code: FetchInvalidJSON, URL: url}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &FetchError{Code: FetchJSONNotObject, URL: url}
	}
	return obj, nil
}

// readBounded reads the body in fixed-size chunks, failing once the running
// total exceeds max. The cap applies to bytes actually received, not to the
// advertised Content-Length.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, readChunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > max {
				return nil, &FetchError{Code: FetchResponseTooLarge}
			}
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// isRedirectStatus reports whether the status is one the fetcher follows.
// Other 3xx responses (304 in particular) are not redirects and fall through
// to the non-200 rejection.
func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// isJSONContentType admits any Content-Type that indicates JSON; JWKS
// endpoints commonly serve application/jwk-set+json.
func isJSONContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, readChunkSize))
	_ = body.Close()
}
