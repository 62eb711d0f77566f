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

const vtEndpoint = "https://www.virustotal.com/api/v3"

// VTStats are the detection counts from a completed VirusTotal analysis.
// A nil *VTStats downstream means "not consulted", which is different from
// zero detections.
type VTStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
}

// VirusTotal submits a URL for analysis and polls until the verdict is
// ready or the poll budget is spent.
type VirusTotal struct {
	apiKey       string
	endpoint     string
	client       *http.Client
	pollInterval time.Duration
	pollBudget   time.Duration
}

func NewVirusTotal(apiKey string, client *http.Client) *VirusTotal {
	if client == nil {
		client = http.DefaultClient
	}
	return &VirusTotal{
		apiKey:       apiKey,
		endpoint:     vtEndpoint,
		client:       client,
		pollInterval: 2 * time.Second,
		pollBudget:   50 * time.Second,
	}
}

// NewVirusTotalWithEndpoint overrides the API endpoint and poll timings,
// mainly for tests.
func NewVirusTotalWithEndpoint(apiKey, endpoint string, client *http.Client, pollInterval, pollBudget time.Duration) *VirusTotal {
	v := NewVirusTotal(apiKey, client)
	v.endpoint = strings.TrimRight(endpoint, "/")
	if pollInterval > 0 {
		v.pollInterval = pollInterval
	}
	if pollBudget > 0 {
		v.pollBudget = pollBudget
	}
	return v
}

func (v *VirusTotal) Enabled() bool { return v.apiKey != "" }

func (v *VirusTotal) Lookup(ctx context.Context, rawURL string) (VTStats, error) {
	if !v.Enabled() {
		return VTStats{}, ErrDisabled
	}

	analysisID, err := v.submit(ctx, rawURL)
	if err != nil {
		return VTStats{}, err
	}

	deadline := time.Now().Add(v.pollBudget)
	for {
		stats, done, err := v.poll(ctx, analysisID)
		if err != nil {
			return VTStats{}, err
		}
		if done {
			return stats, nil
		}
		if time.Now().After(deadline) {
			return VTStats{}, fmt.Errorf("virustotal analysis %s still queued after %s", analysisID, v.pollBudget)
		}
		select {
		case <-ctx.Done():
			return VTStats{}, ctx.Err()
		case <-time.After(v.pollInterval):
		}
	}
}

func (v *VirusTotal) submit(ctx context.Context, rawURL string) (string, error) {
	form := url.Values{"url": {rawURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.endpoint+"/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-apikey", v.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("virustotal submission: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &QuotaExceededError{Provider: "virustotal"}
	}
	if resp.StatusCode >= 400 {
		return "", &HTTPError{Provider: "virustotal", StatusCode: resp.StatusCode}
	}

	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("virustotal submission response: %w", err)
	}
	if body.Data.ID == "" {
		return "", fmt.Errorf("virustotal submission returned no analysis id")
	}
	return body.Data.ID, nil
}

func (v *VirusTotal) poll(ctx context.Context, analysisID string) (VTStats, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.endpoint+"/analyses/"+analysisID, nil)
	if err != nil {
		return VTStats{}, false, err
	}
	req.Header.Set("x-apikey", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return VTStats{}, false, fmt.Errorf("virustotal poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return VTStats{}, false, &QuotaExceededError{Provider: "virustotal"}
	}
	if resp.StatusCode >= 500 {
		return VTStats{}, false, &HTTPError{Provider: "virustotal", StatusCode: resp.StatusCode}
	}

	var body struct {
		Data struct {
			Attributes struct {
				Status string  `json:"status"`
				Stats  VTStats `json:"stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return VTStats{}, false, fmt.Errorf("virustotal poll response: %w", err)
	}
	if body.Data.Attributes.Status == "queued" {
		return VTStats{}, false, nil
	}
	return body.Data.Attributes.Stats, true, nil
}
