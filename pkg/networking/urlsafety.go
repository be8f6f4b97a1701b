// Package networking provides the safe-outbound HTTP primitives: URL safety
// validation and a bounded, redirect-validated JSON fetcher.
package networking

import (
	"context"
	"net"
	"net/url"
	"strings"
)

// Rejection reasons returned by ValidatePublicURL.
const (
	ReasonInvalidURL           = "invalid_url"
	ReasonUnsupportedScheme    = "unsupported_scheme"
	ReasonHTTPSRequired        = "https_required"
	ReasonHTTPNotAllowed       = "http_not_allowed"
	ReasonMissingHost          = "missing_host"
	ReasonUserinfoNotAllowed   = "userinfo_not_allowed"
	ReasonLocalhostNotAllowed  = "localhost_not_allowed"
	ReasonIPNotAllowed         = "ip_not_allowed"
	ReasonDNSFailed            = "dns_failed"
	ReasonResolvedIPNotAllowed = "resolved_ip_not_allowed"
)

// reservedIPBlocks covers ranges the stdlib IP predicates don't classify:
// IETF reserved, benchmarking, and future-use space.
var reservedIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",       // "this" network
		"192.0.0.0/24",    // IETF protocol assignments
		"192.0.2.0/24",    // TEST-NET-1
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"240.0.0.0/4",     // reserved for future use
		"100::/64",        // IPv6 discard
		"2001:db8::/32",   // IPv6 documentation
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("networking: bad reserved CIDR " + cidr)
		}
		reservedIPBlocks = append(reservedIPBlocks, block)
	}
}

// isDisallowedIP reports whether an IP falls in private, loopback,
// link-local, multicast, reserved, or unspecified space.
func isDisallowedIP(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range reservedIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver is the DNS lookup used to vet a hostname before fetching.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLValidator classifies URLs as safe to fetch. It blocks the SSRF
// primitives: localhost, private networks, link-local and metadata ranges,
// both syntactically and after DNS resolution.
//
// The resolution here and the subsequent connection can race (TOCTOU); every
// redirect hop is re-validated, which bounds the exposure.
type URLValidator struct {
	// AllowHTTP permits plain http URLs.
	AllowHTTP bool

	// RequireHTTPS rejects any non-https URL unless AllowHTTP is set.
	RequireHTTPS bool

	// Resolver overrides DNS resolution; nil means net.DefaultResolver.
	Resolver Resolver
}

func (v *URLValidator) resolver() Resolver {
	if v.Resolver != nil {
		return v.Resolver
	}
	return net.DefaultResolver
}

// Validate checks a URL for safe fetching. It returns (true, "") when the
// URL may be fetched, otherwise (false, reason).
func (v *URLValidator) Validate(ctx context.Context, rawURL string) (bool, string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, ReasonInvalidURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return false, ReasonUnsupportedScheme
	}
	if v.RequireHTTPS && scheme != "https" && !v.AllowHTTP {
		return false, ReasonHTTPSRequired
	}
	if scheme == "http" && !v.AllowHTTP {
		return false, ReasonHTTPNotAllowed
	}

	if parsed.Host == "" {
		return false, ReasonMissingHost
	}
	if parsed.User != nil {
		return false, ReasonUserinfoNotAllowed
	}

	host := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	if host == "" {
		return false, ReasonMissingHost
	}
	if host == "localhost" {
		return false, ReasonLocalhostNotAllowed
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return false, ReasonIPNotAllowed
		}
		return true, ""
	}

	addrs, err := v.resolver().LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return false, ReasonDNSFailed
	}
	for _, addr := range addrs {
		if isDisallowedIP(addr.IP) {
			return false, ReasonResolvedIPNotAllowed
		}
	}

	return true, ""
}

// ValidatePublicURL validates a URL with the default resolver.
func ValidatePublicURL(ctx context.Context, rawURL string, allowHTTP, requireHTTPS bool) (bool, string) {
	v := &URLValidator{AllowHTTP: allowHTTP, RequireHTTPS: requireHTTPS}
	return v.Validate(ctx, rawURL)
}
