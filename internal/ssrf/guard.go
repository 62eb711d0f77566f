// Package ssrf guards outbound fetches against server-side request forgery.
// Resolution failures are treated as private: the guard fails closed.
package ssrf

import (
	"context"
	"net"
	"net/netip"
	"strings"
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // current network
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC1918
	netip.MustParsePrefix("127.0.0.0/8"),    // loopback
	netip.MustParsePrefix("169.254.0.0/16"), // link-local
	netip.MustParsePrefix("::/128"),         // unspecified
	netip.MustParsePrefix("::1/128"),        // loopback
	netip.MustParsePrefix("fc00::/7"),       // unique local
	netip.MustParsePrefix("fe80::/10"),      // link-local
}

var blockedHostnames = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
	"::":        true,
	"::1":       true,
	"internal":  true,
	"metadata":  true,
}

// Resolver abstracts DNS so tests can inject fixed answers.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard rejects hostnames that resolve to private, loopback or link-local
// addresses. Exempt hostnames (from config) bypass the check entirely.
type Guard struct {
	resolver Resolver
	exempt   map[string]bool
}

// NewGuard builds a guard with the given resolver. A nil resolver uses the
// system default.
func NewGuard(resolver Resolver, exemptHosts []string) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	exempt := make(map[string]bool, len(exemptHosts))
	for _, h := range exemptHosts {
		if h != "" {
			exempt[strings.ToLower(h)] = true
		}
	}
	return &Guard{resolver: resolver, exempt: exempt}
}

// IsPrivateIP reports whether an address falls inside a disallowed range.
// IPv4-mapped IPv6 addresses are unmapped before matching.
func IsPrivateIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsPrivateHostname resolves both address families and reports whether the
// host must not be fetched. Any resolution failure returns true.
func (g *Guard) IsPrivateHostname(ctx context.Context, hostname string) bool {
	host := strings.ToLower(hostname)

	// URL hostnames for IPv6 literals may arrive bracketed.
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		inner := host[1 : len(host)-1]
		addr, err := netip.ParseAddr(inner)
		if err != nil {
			return true
		}
		return IsPrivateIP(addr)
	}

	if g.exempt[host] {
		return false
	}
	if blockedHostnames[host] {
		return true
	}

	// IP literals skip DNS and are checked directly.
	if addr, err := netip.ParseAddr(host); err == nil {
		return IsPrivateIP(addr)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return true // fail closed
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr) {
			return true
		}
	}
	return false
}
