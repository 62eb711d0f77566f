package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/safemode/link-scanner/internal/ssrf"
)

// SecurityHeaders records which standard hardening headers a site sends.
type SecurityHeaders struct {
	HSTS                bool `json:"hsts"`
	CSP                 bool `json:"csp"`
	XFrameOptions       bool `json:"xFrameOptions"`
	XContentTypeOptions bool `json:"xContentTypeOptions"`
}

// FingerprintResult captures the server-side posture of a URL from a single
// HEAD request.
type FingerprintResult struct {
	StatusCode      int             `json:"statusCode"`
	ServerHeader    string          `json:"serverHeader,omitempty"`
	ContentType     string          `json:"contentType,omitempty"`
	SecurityHeaders SecurityHeaders `json:"securityHeaders"`
	CrossDomainHop  bool            `json:"crossDomainHop"`
	Score           float64         `json:"score"`
	Reasons         []string        `json:"reasons,omitempty"`
}

// Server banners frequently seen on compromised, unpatched hosts.
var staleServerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)apache.*\(ubuntu\)`),
	regexp.MustCompile(`(?i)nginx/1\.[0-9]+\.[0-9]+`),
	regexp.MustCompile(`(?i)microsoft-iis/[5-7]\.`),
}

// HTTPFingerprint probes a URL with a HEAD request and scores the response
// posture. The SSRF guard runs before any request goes out.
type HTTPFingerprint struct {
	enabled bool
	timeout time.Duration
	client  *http.Client
	guard   *ssrf.Guard
}

func NewHTTPFingerprint(enabled bool, timeout time.Duration, client *http.Client, guard *ssrf.Guard) *HTTPFingerprint {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFingerprint{enabled: enabled, timeout: timeout, client: client, guard: guard}
}

func (h *HTTPFingerprint) Enabled() bool { return h.enabled }

func (h *HTTPFingerprint) Lookup(ctx context.Context, rawURL string) (FingerprintResult, error) {
	if !h.enabled {
		return FingerprintResult{}, ErrDisabled
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return FingerprintResult{}, err
	}
	if h.guard != nil && h.guard.IsPrivateHostname(ctx, parsed.Hostname()) {
		return FingerprintResult{}, fmt.Errorf("fingerprint blocked for private host %s", parsed.Hostname())
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return FingerprintResult{}, err
	}
	client := &http.Client{
		Transport: h.client.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return FingerprintResult{}, fmt.Errorf("fingerprint request: %w", err)
	}
	defer resp.Body.Close()

	result := FingerprintResult{
		StatusCode:   resp.StatusCode,
		ServerHeader: resp.Header.Get("Server"),
		ContentType:  resp.Header.Get("Content-Type"),
		SecurityHeaders: SecurityHeaders{
			HSTS:                resp.Header.Get("Strict-Transport-Security") != "",
			CSP:                 resp.Header.Get("Content-Security-Policy") != "",
			XFrameOptions:       resp.Header.Get("X-Frame-Options") != "",
			XContentTypeOptions: resp.Header.Get("X-Content-Type-Options") != "",
		},
	}

	sh := result.SecurityHeaders
	if !sh.HSTS && !sh.CSP && !sh.XFrameOptions && !sh.XContentTypeOptions {
		result.Score += 0.2
		result.Reasons = append(result.Reasons, "All security headers missing")
	}

	for _, pattern := range staleServerPatterns {
		if result.ServerHeader != "" && pattern.MatchString(result.ServerHeader) {
			result.Score += 0.3
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("Potentially compromised CMS: %s", result.ServerHeader))
			break
		}
	}

	location := resp.Header.Get("Location")
	if location != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if target, err := parsed.Parse(location); err == nil && target.Hostname() != parsed.Hostname() {
			result.CrossDomainHop = true
			result.Score += 0.4
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("Redirect to different domain: %s", target.Hostname()))
		}
	}
	if resp.StatusCode == http.StatusNotFound && location != "" {
		result.Score += 0.5
		result.Reasons = append(result.Reasons, "404 status with redirect")
	}

	return result, nil
}
