// Package federation holds cross-USS helpers shared by the DSS coordinator
// and the peer poller.
package federation

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	bferrors "github.com/ezrakhuzadi/atc-blender/pkg/errors"
)

// localSuffixes are pseudo-TLDs that mark a peer as part of the local
// development federation. Tokens for those peers are requested with the
// "localhost" audience.
var localSuffixes = map[string]bool{
	"localhost": true,
	"internal":  true,
	"localutm":  true,
}

// DeriveAudience maps a peer USS URL to the OAuth audience used when
// requesting a token for it. Hosts under a local pseudo-TLD, bare hostnames,
// and IP literals all collapse to "localhost"; everything else uses the full
// lowercased hostname.
func DeriveAudience(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", bferrors.NewInputInvalidError("unparseable peer URL", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", bferrors.NewInputInvalidError("peer URL has no host", nil)
	}

	if net.ParseIP(host) != nil {
		return "localhost", nil
	}
	if !strings.Contains(host, ".") {
		return "localhost", nil
	}

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && localSuffixes[lastLabel(suffix)] {
		return "localhost", nil
	}

	return host, nil
}

func lastLabel(domain string) string {
	if i := strings.LastIndex(domain, "."); i >= 0 {
		return domain[i+1:]
	}
	return domain
}
