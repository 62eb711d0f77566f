package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const urlhausEndpoint = "https://urlhaus-api.abuse.ch/v1/url/"

// URLhausResult reports whether a URL is a known malware-distribution URL.
type URLhausResult struct {
	Listed     bool     `json:"listed"`
	Threat     string   `json:"threat,omitempty"`
	Blacklists []string `json:"blacklists,omitempty"`
}

type URLhaus struct {
	enabled  bool
	endpoint string
	client   *http.Client
}

func NewURLhaus(enabled bool, client *http.Client) *URLhaus {
	if client == nil {
		client = http.DefaultClient
	}
	return &URLhaus{enabled: enabled, endpoint: urlhausEndpoint, client: client}
}

// NewURLhausWithEndpoint overrides the API endpoint, mainly for tests.
func NewURLhausWithEndpoint(enabled bool, endpoint string, client *http.Client) *URLhaus {
	u := NewURLhaus(enabled, client)
	u.endpoint = endpoint
	return u
}

func (u *URLhaus) Enabled() bool { return u.enabled }

func (u *URLhaus) Lookup(ctx context.Context, rawURL string) (URLhausResult, error) {
	if !u.enabled {
		return URLhausResult{}, ErrDisabled
	}

	form := url.Values{"url": {rawURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return URLhausResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		return URLhausResult{}, fmt.Errorf("urlhaus request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return URLhausResult{}, &QuotaExceededError{Provider: "urlhaus"}
	}
	if resp.StatusCode >= 500 {
		return URLhausResult{}, &HTTPError{Provider: "urlhaus", StatusCode: resp.StatusCode}
	}

	var body struct {
		QueryStatus string   `json:"query_status"`
		Threat      string   `json:"threat"`
		ThreatType  string   `json:"threat_type"`
		Blacklists  []string `json:"blacklists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return URLhausResult{}, fmt.Errorf("urlhaus response: %w", err)
	}

	switch body.QueryStatus {
	case "ok":
		threat := body.Threat
		if threat == "" {
			threat = body.ThreatType
		}
		return URLhausResult{Listed: true, Threat: threat, Blacklists: body.Blacklists}, nil
	case "no_results":
		return URLhausResult{}, nil
	default:
		// Unknown response shape, treated as an error so callers can fall
		// back to other providers.
		return URLhausResult{}, fmt.Errorf("urlhaus unexpected query_status %q", body.QueryStatus)
	}
}
