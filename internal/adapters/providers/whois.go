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

// WhoisResult carries the registration facts relevant to scoring. AgeDays is
// nil when the registry does not expose a creation date.
type WhoisResult struct {
	Domain      string     `json:"domain"`
	CreatedDate *time.Time `json:"createdDate,omitempty"`
	AgeDays     *int       `json:"ageDays,omitempty"`
	Registrar   string     `json:"registrar,omitempty"`
	NameServers []string   `json:"nameServers,omitempty"`
}

// Whois queries a who-dat WHOIS service (github.com/Lissy93/who-dat).
type Whois struct {
	enabled  bool
	baseURL  string
	client   *http.Client
	now      func() time.Time
}

func NewWhois(enabled bool, baseURL string, client *http.Client) *Whois {
	if client == nil {
		client = http.DefaultClient
	}
	return &Whois{
		enabled: enabled,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

func (w *Whois) Enabled() bool { return w.enabled }

// Lookup expects a hostname rather than a full URL; the registrable domain
// is what WHOIS knows about.
func (w *Whois) Lookup(ctx context.Context, hostname string) (WhoisResult, error) {
	if !w.enabled {
		return WhoisResult{}, ErrDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		w.baseURL+"/"+url.PathEscape(hostname), nil)
	if err != nil {
		return WhoisResult{}, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return WhoisResult{}, fmt.Errorf("whois request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unregistered or hidden domain, not an error.
		return WhoisResult{Domain: hostname}, nil
	}
	if resp.StatusCode >= 400 {
		return WhoisResult{}, &HTTPError{Provider: "whois", StatusCode: resp.StatusCode}
	}

	var body struct {
		Domain struct {
			Domain            string   `json:"domain"`
			Status            []string `json:"status"`
			NameServers       []string `json:"name_servers"`
			CreatedDate       string   `json:"created_date"`
			CreatedDateInTime string   `json:"created_date_in_time"`
		} `json:"domain"`
		Registrar struct {
			Name string `json:"name"`
		} `json:"registrar"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return WhoisResult{}, fmt.Errorf("whois response: %w", err)
	}
	if body.Error != "" {
		return WhoisResult{Domain: hostname}, nil
	}

	result := WhoisResult{
		Domain:      hostname,
		Registrar:   body.Registrar.Name,
		NameServers: body.Domain.NameServers,
	}
	if body.Domain.Domain != "" {
		result.Domain = body.Domain.Domain
	}

	if created := parseWhoisDate(body.Domain.CreatedDateInTime, body.Domain.CreatedDate); created != nil {
		result.CreatedDate = created
		age := int(w.now().Sub(*created).Hours() / 24)
		result.AgeDays = &age
	}
	return result, nil
}

var whoisDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseWhoisDate tries the ISO timestamp first, then the raw registry date.
func parseWhoisDate(candidates ...string) *time.Time {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		for _, layout := range whoisDateLayouts {
			if t, err := time.Parse(layout, candidate); err == nil {
				return &t
			}
		}
	}
	return nil
}
