package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const phishtankEndpoint = "https://checkurl.phishtank.com/checkurl/"

// PhishtankResult reports whether a URL is in the Phishtank database.
// InDatabase without Verified means "reported but unconfirmed" and must not
// be treated as benign.
type PhishtankResult struct {
	InDatabase bool  `json:"inDatabase"`
	Verified   bool  `json:"verified"`
	PhishID    int64 `json:"phishId,omitempty"`
	LatencyMs  int64 `json:"latencyMs"`
}

type Phishtank struct {
	enabled   bool
	appKey    string
	userAgent string
	endpoint  string
	client    *http.Client
}

func NewPhishtank(enabled bool, appKey, userAgent string, client *http.Client) *Phishtank {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = "phishtank/link-scanner"
	}
	return &Phishtank{
		enabled:   enabled,
		appKey:    appKey,
		userAgent: userAgent,
		endpoint:  phishtankEndpoint,
		client:    client,
	}
}

// NewPhishtankWithEndpoint overrides the API endpoint, mainly for tests.
func NewPhishtankWithEndpoint(enabled bool, appKey, endpoint string, client *http.Client) *Phishtank {
	p := NewPhishtank(enabled, appKey, "", client)
	p.endpoint = endpoint
	return p
}

func (p *Phishtank) Enabled() bool { return p.enabled }

// Keyless reports whether lookups run without an application key, which
// means tighter anonymous rate limits.
func (p *Phishtank) Keyless() bool { return p.appKey == "" }

func (p *Phishtank) Lookup(ctx context.Context, rawURL string) (PhishtankResult, error) {
	if !p.enabled {
		return PhishtankResult{}, ErrDisabled
	}

	form := url.Values{
		"url":      {rawURL},
		"format":   {"json"},
		"app_key":  {p.appKey},
		"response": {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PhishtankResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return PhishtankResult{}, fmt.Errorf("phishtank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return PhishtankResult{}, &QuotaExceededError{Provider: "phishtank"}
	}
	if resp.StatusCode >= 500 {
		return PhishtankResult{}, &HTTPError{Provider: "phishtank", StatusCode: resp.StatusCode}
	}

	var body struct {
		Results struct {
			InDatabase bool  `json:"in_database"`
			Verified   bool  `json:"verified"`
			PhishID    int64 `json:"phish_id"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PhishtankResult{}, fmt.Errorf("phishtank response: %w", err)
	}
	return PhishtankResult{
		InDatabase: body.Results.InDatabase,
		Verified:   body.Results.InDatabase && body.Results.Verified,
		PhishID:    body.Results.PhishID,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
