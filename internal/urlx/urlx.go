// Package urlx canonicalizes URLs and derives structural risk signals.
package urlx

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Tracking parameters removed during canonicalization. Prefix entries
// (trailing underscore) match any parameter starting with the prefix.
var trackingParams = map[string]bool{
	"gclid":  true,
	"fbclid": true,
	"mc_cid": true,
	"mc_eid": true,
}

var trackingPrefixes = []string{"utm_", "vero_"}

var (
	executableExtRe = regexp.MustCompile(`(?i)\.(exe|msi|apk|bat|cmd|ps1|scr|jar|pkg|dmg|iso)$`)
	repeatedSlashRe = regexp.MustCompile(`/+`)
)

// Suspicious TLDs frequently abused for phishing and malware distribution.
var suspiciousTlds = map[string]bool{
	"zip": true, "mov": true, "tk": true, "ml": true, "cf": true,
	"gq": true, "work": true, "click": true, "country": true, "kim": true,
	"men": true, "party": true, "science": true, "top": true, "xyz": true,
	"club": true, "link": true,
}

func isTrackingParam(key string) bool {
	if trackingParams[key] {
		return true
	}
	for _, p := range trackingPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Normalize canonicalizes a raw URL. Non-http(s) schemes and unparseable
// input yield ok=false. Normalizing an already-normalized URL returns the
// same string.
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.ToASCII(host); err == nil {
		host = ascii
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = stripTracking(u.RawQuery)
	if u.Path != "" {
		u.Path = repeatedSlashRe.ReplaceAllString(u.Path, "/")
		u.RawPath = ""
	}

	return u.String(), true
}

// stripTracking removes tracking parameters while preserving the order and
// encoding of the remaining query segments, so normalization stays idempotent.
func stripTracking(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	segments := strings.Split(rawQuery, "&")
	kept := segments[:0]
	for _, seg := range segments {
		key := seg
		if i := strings.IndexByte(seg, '='); i >= 0 {
			key = seg[:i]
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if !isTrackingParam(key) {
			kept = append(kept, seg)
		}
	}
	return strings.Join(kept, "&")
}

// Hash returns the SHA-256 hex digest of a normalized URL. It is the cache
// and queue correlation key everywhere downstream.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// IsIPLiteral reports whether the hostname is a bare IPv4 or IPv6 address.
func IsIPLiteral(hostname string) bool {
	_, err := netip.ParseAddr(hostname)
	return err == nil
}

// IsSuspiciousTld checks the final label of a hostname against a set of
// frequently-abused TLDs.
func IsSuspiciousTld(hostname string) bool {
	i := strings.LastIndexByte(hostname, '.')
	if i < 0 {
		return false
	}
	return suspiciousTlds[strings.ToLower(hostname[i+1:])]
}

// StructuralSignals holds the heuristics derived from URL shape alone.
type StructuralSignals struct {
	IsIPLiteral            bool
	HasSuspiciousTld       bool
	HasUncommonPort        bool
	HasExecutableExtension bool
	HasUserInfo            bool
	URLLength              int
}

// ExtraHeuristics derives structural signals from a parsed, normalized URL.
func ExtraHeuristics(u *url.URL) StructuralSignals {
	port := 443
	if u.Scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	uncommon := port != 80 && port != 443 && port != 8080 && port != 8443

	return StructuralSignals{
		IsIPLiteral:            IsIPLiteral(u.Hostname()),
		HasSuspiciousTld:       IsSuspiciousTld(u.Hostname()),
		HasUncommonPort:        uncommon,
		HasExecutableExtension: executableExtRe.MatchString(u.Path),
		HasUserInfo:            u.User != nil && u.User.String() != "",
		URLLength:              len(u.String()),
	}
}
