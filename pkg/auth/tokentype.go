// Package auth holds the authority token broker, the JWKS verifier cache,
// and the scope-enforcing HTTP middleware.
package auth

import (
	"net/url"
	"strings"

	bferrors "github.com/ezrakhuzadi/atc-blender/pkg/errors"
)

// TokenType identifies which credential family a token belongs to. It is a
// closed set; anything outside it is rejected by the broker.
type TokenType string

const (
	// TokenTypeRID covers ASTM F3411 remote identification exchanges.
	TokenTypeRID TokenType = "rid"

	// TokenTypeSCD covers strategic coordination exchanges.
	TokenTypeSCD TokenType = "scd"

	// TokenTypeConstraints covers constraint processing exchanges.
	TokenTypeConstraints TokenType = "constraints"
)

// ErrInvalidTokenType is returned by the broker for token types outside the
// closed set.
var ErrInvalidTokenType = bferrors.NewInputInvalidError("invalid token type", nil)

var tokenTypeScopes = map[TokenType][]string{
	TokenTypeRID:         {"rid.service_provider", "rid.display_provider"},
	TokenTypeSCD:         {"utm.strategic_coordination", "utm.conformance_monitoring_sa"},
	TokenTypeConstraints: {"utm.constraint_processing"},
}

var tokenTypeSuffixes = map[TokenType]string{
	TokenTypeRID:         "_auth_rid_token",
	TokenTypeSCD:         "_auth_scd_token",
	TokenTypeConstraints: "_auth_constraints_token",
}

// Valid reports whether t is a member of the closed token type set.
func (t TokenType) Valid() bool {
	_, ok := tokenTypeScopes[t]
	return ok
}

// Scopes returns the fixed scope set requested for this token type.
func (t TokenType) Scopes() []string {
	return tokenTypeScopes[t]
}

// CacheSuffix returns the store key suffix appended to the audience.
func (t TokenType) CacheSuffix() string {
	return tokenTypeSuffixes[t]
}

// tokenTransport selects how client credentials are submitted to the
// authority endpoint.
type tokenTransport int

const (
	// transportPOSTForm submits a form-urlencoded POST.
	transportPOSTForm tokenTransport = iota

	// transportGETQuery submits the parameters as a GET query string, the
	// convention of local dummy-OAuth servers.
	transportGETQuery
)

// transportFor picks a transport from the token endpoint URL. Hostnames
// beginning with local_ or local- indicate a dummy OAuth server that only
// speaks GET.
func transportFor(tokenURL string) tokenTransport {
	parsed, err := url.Parse(tokenURL)
	if err != nil {
		return transportPOSTForm
	}
	host := strings.ToLower(parsed.Hostname())
	if strings.HasPrefix(host, "local_") || strings.HasPrefix(host, "local-") {
		return transportGETQuery
	}
	return transportPOSTForm
}

// fallbackTokenURL returns the /token path on the same origin as the given
// endpoint, used when the POST transport is rejected.
func fallbackTokenURL(tokenURL string) (string, error) {
	parsed, err := url.Parse(tokenURL)
	if err != nil {
		return "", err
	}
	parsed.Path = "/token"
	parsed.RawQuery = ""
	return parsed.String(), nil
}
