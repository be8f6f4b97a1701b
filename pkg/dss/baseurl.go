// Package dss implements the federation coordinator: ISA and subscription
// lifecycle against the DSS, subscriber notification, and peer USS polling.
package dss

import (
	"net"
	"net/url"
	"os"
	"strings"
)

// containerBaseURL is the compose-network address of this service, used
// when no public FQDN is configured.
const containerBaseURL = "http://flight-blender:8000"

// ResolveBaseURL returns the base URL peers should use to reach this USS.
// An empty FQDN, or a loopback FQDN while running inside a container, falls
// back to the compose-network address. Trailing slashes are stripped.
func ResolveBaseURL(fqdn string) string {
	return resolveBaseURL(fqdn, runningInContainer())
}

func resolveBaseURL(fqdn string, inContainer bool) string {
	fqdn = strings.TrimRight(strings.TrimSpace(fqdn), "/")
	if fqdn == "" {
		return containerBaseURL
	}
	if inContainer && isLoopbackURL(fqdn) {
		return containerBaseURL
	}
	return fqdn
}

func isLoopbackURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func runningInContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
