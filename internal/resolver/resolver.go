// Package resolver turns the address an operator typed for a tenant into the
// management UI base and the device API base that the prober queries.
package resolver

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultAPIPort is where the device-management API listens, independent of
// the port in the operator-supplied address.
const DefaultAPIPort = 7557

// unroutableHost stands in for a missing host. The .invalid TLD never
// resolves, whereas an empty host would be dialed as localhost.
const unroutableHost = "invalid."

const (
	insecureScheme = "http://"
	secureScheme   = "https://"
	schemeMarker   = "://"
)

// Endpoint is the outcome of resolving a raw address.
type Endpoint struct {
	UI   string // canonical management UI base, e.g. http://10.0.0.5:3000
	API  string // device API base, e.g. http://10.0.0.5:7557
	Host string
}

// HasHost reports whether the address named a host at all.
func (e Endpoint) HasHost() bool {
	return e.Host != ""
}

// Resolve normalizes raw using the default API port.
func Resolve(raw string) Endpoint {
	return ResolveWithPort(raw, DefaultAPIPort)
}

// ResolveWithPort normalizes raw and builds the API base on apiPort. It never
// fails: garbage in yields an address that will simply not connect.
func ResolveWithPort(raw string, apiPort int) Endpoint {
	ui := Canonical(raw)
	host := hostOf(ui)
	apiHost := host
	if apiHost == "" {
		apiHost = unroutableHost
	}
	return Endpoint{
		UI:   ui,
		API:  insecureScheme + net.JoinHostPort(apiHost, strconv.Itoa(apiPort)),
		Host: host,
	}
}

// Canonical applies the scheme and trailing-slash rules and returns the UI
// base address. Canonical(Canonical(x)) == Canonical(x).
func Canonical(raw string) string {
	addr := strings.TrimSpace(raw)
	addr = collapseSchemes(addr)

	if hasPrefixFold(addr, secureScheme) {
		addr = insecureScheme + addr[len(secureScheme):]
	}
	if !strings.Contains(addr, schemeMarker) {
		addr = insecureScheme + addr
	}

	// Every trailing separator goes, otherwise "x//" would need two passes.
	// The slashes of the scheme marker itself are not path separators.
	i := strings.Index(addr, schemeMarker) + len(schemeMarker)
	return addr[:i] + strings.TrimRight(addr[i:], "/")
}

// collapseSchemes drops leading scheme literals that are immediately
// followed by another one, keeping the innermost.
func collapseSchemes(addr string) string {
	for {
		first := leadingScheme(addr)
		if first == "" {
			return addr
		}
		rest := addr[len(first):]
		if leadingScheme(rest) == "" {
			return addr
		}
		addr = rest
	}
}

func leadingScheme(s string) string {
	for _, scheme := range []string{insecureScheme, secureScheme} {
		if hasPrefixFold(s, scheme) {
			return s[:len(scheme)]
		}
	}
	return ""
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// hostOf extracts the host of a canonical address, dropping any port.
func hostOf(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}

	// url.Parse rejects things like "http://bad host/"; fall back to slicing.
	rest := addr
	if i := strings.Index(rest, schemeMarker); i >= 0 {
		rest = rest[i+len(schemeMarker):]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if h, _, err := net.SplitHostPort(rest); err == nil {
		return h
	}
	if i := strings.Index(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
