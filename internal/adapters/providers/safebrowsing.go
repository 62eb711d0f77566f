package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const safeBrowsingEndpoint = "https://safebrowsing.googleapis.com/v4/threatMatches:find"

// ThreatMatch is one entry from a Safe Browsing threatMatches response.
type ThreatMatch struct {
	ThreatType      string `json:"threatType"`
	PlatformType    string `json:"platformType"`
	ThreatEntryType string `json:"threatEntryType"`
	Threat          string `json:"threat"`
}

type SafeBrowsingResult struct {
	Matches []ThreatMatch `json:"matches"`
}

// ThreatTypes returns the distinct threat types across all matches.
func (r SafeBrowsingResult) ThreatTypes() []string {
	seen := map[string]struct{}{}
	var types []string
	for _, m := range r.Matches {
		if _, ok := seen[m.ThreatType]; ok {
			continue
		}
		seen[m.ThreatType] = struct{}{}
		types = append(types, m.ThreatType)
	}
	return types
}

// SafeBrowsing queries the Google Safe Browsing v4 lookup API.
type SafeBrowsing struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewSafeBrowsing(apiKey string, client *http.Client) *SafeBrowsing {
	if client == nil {
		client = http.DefaultClient
	}
	return &SafeBrowsing{apiKey: apiKey, endpoint: safeBrowsingEndpoint, client: client}
}

// NewSafeBrowsingWithEndpoint overrides the API endpoint, mainly for tests.
func NewSafeBrowsingWithEndpoint(apiKey, endpoint string, client *http.Client) *SafeBrowsing {
	s := NewSafeBrowsing(apiKey, client)
	s.endpoint = endpoint
	return s
}

func (s *SafeBrowsing) Enabled() bool { return s.apiKey != "" }

func (s *SafeBrowsing) Lookup(ctx context.Context, rawURL string) (SafeBrowsingResult, error) {
	if !s.Enabled() {
		return SafeBrowsingResult{}, ErrDisabled
	}

	body := map[string]any{
		"client": map[string]string{
			"clientId":      "link-scanner",
			"clientVersion": "1.0",
		},
		"threatInfo": map[string]any{
			"threatTypes": []string{
				"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE",
				"MALICIOUS_BINARY", "POTENTIALLY_HARMFUL_APPLICATION",
			},
			"platformTypes":    []string{"ANY_PLATFORM"},
			"threatEntryTypes": []string{"URL"},
			"threatEntries":    []map[string]string{{"url": rawURL}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return SafeBrowsingResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoint+"?key="+s.apiKey, bytes.NewReader(payload))
	if err != nil {
		return SafeBrowsingResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SafeBrowsingResult{}, fmt.Errorf("safebrowsing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return SafeBrowsingResult{}, &QuotaExceededError{Provider: "safebrowsing"}
	}
	if resp.StatusCode >= 400 {
		return SafeBrowsingResult{}, &HTTPError{Provider: "safebrowsing", StatusCode: resp.StatusCode}
	}

	var result struct {
		Matches []struct {
			ThreatType      string `json:"threatType"`
			PlatformType    string `json:"platformType"`
			ThreatEntryType string `json:"threatEntryType"`
			Threat          struct {
				URL string `json:"url"`
			} `json:"threat"`
		} `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SafeBrowsingResult{}, fmt.Errorf("safebrowsing response: %w", err)
	}

	out := SafeBrowsingResult{}
	for _, m := range result.Matches {
		out.Matches = append(out.Matches, ThreatMatch{
			ThreatType:      m.ThreatType,
			PlatformType:    m.PlatformType,
			ThreatEntryType: m.ThreatEntryType,
			Threat:          m.Threat.URL,
		})
	}
	return out, nil
}
