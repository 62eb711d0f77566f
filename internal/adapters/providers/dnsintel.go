package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/dns"
)

var errEmptyDNSResponse = errors.New("dns: empty response")

// DNSBL zones consulted for hostname reputation, most authoritative first.
var defaultDNSBLZones = []DNSBLZone{
	{Name: "zen.spamhaus.org", Weight: 1.0},
	{Name: "bl.spamcop.net", Weight: 0.8},
	{Name: "dnsbl.sorbs.net", Weight: 0.6},
}

type DNSBLZone struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// DNSIntelResult aggregates blocklist listings, DNSSEC status and the
// fast-flux heuristic into one weighted score.
type DNSIntelResult struct {
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
	ListedZones []string `json:"listedZones,omitempty"`
	DNSSECValid bool     `json:"dnssecValid"`
	FastFlux    bool     `json:"fastFlux"`
}

// queryFunc exchanges one DNS question. Injectable for tests.
type queryFunc func(ctx context.Context, name string, qtype uint16, wantDNSSEC bool) (*dns.Msg, error)

// DNSIntel runs the three DNS sub-checks independently; a failure in one
// never blocks the others.
type DNSIntel struct {
	enabled bool
	zones   []DNSBLZone
	query   queryFunc
}

func NewDNSIntel(enabled bool, server string, client *dns.Client) *DNSIntel {
	if client == nil {
		client = &dns.Client{}
	}
	if server == "" {
		server = "1.1.1.1:53"
	}
	return &DNSIntel{
		enabled: enabled,
		zones:   defaultDNSBLZones,
		query: func(ctx context.Context, name string, qtype uint16, wantDNSSEC bool) (*dns.Msg, error) {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(name), qtype)
			msg.RecursionDesired = true
			if wantDNSSEC {
				msg.SetEdns0(4096, true)
				msg.AuthenticatedData = true
			}
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			return resp, err
		},
	}
}

// newDNSIntelWithQuery injects a query function, mainly for tests.
func newDNSIntelWithQuery(zones []DNSBLZone, query queryFunc) *DNSIntel {
	if zones == nil {
		zones = defaultDNSBLZones
	}
	return &DNSIntel{enabled: true, zones: zones, query: query}
}

func (d *DNSIntel) Enabled() bool { return d.enabled }

// Lookup expects a hostname. The three sub-checks run concurrently and each
// degrades to a neutral answer on error.
func (d *DNSIntel) Lookup(ctx context.Context, hostname string) (DNSIntelResult, error) {
	if !d.enabled {
		return DNSIntelResult{}, ErrDisabled
	}

	var (
		mu     sync.Mutex
		result = DNSIntelResult{DNSSECValid: true}
		wg     sync.WaitGroup
	)

	for _, zone := range d.zones {
		wg.Add(1)
		go func(zone DNSBLZone) {
			defer wg.Done()
			listed := d.checkDNSBL(ctx, hostname, zone.Name)
			if !listed {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			result.Score += zone.Weight
			result.ListedZones = append(result.ListedZones, zone.Name)
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("Domain listed in DNSBL: %s", zone.Name))
		}(zone)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		valid, err := d.checkDNSSEC(ctx, hostname)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		result.DNSSECValid = valid
		if !valid {
			result.Score += 0.3
			result.Reasons = append(result.Reasons, "DNSSEC validation failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		fastFlux, err := d.detectFastFlux(ctx, hostname)
		if err != nil || !fastFlux {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		result.FastFlux = true
		result.Score += 0.8
		result.Reasons = append(result.Reasons, "Fast-flux DNS pattern detected")
	}()

	wg.Wait()
	return result, nil
}

// checkDNSBL reports whether hostname resolves inside a blocklist zone.
// NXDOMAIN means not listed; any failure counts as not listed.
func (d *DNSIntel) checkDNSBL(ctx context.Context, hostname, zone string) bool {
	resp, err := d.query(ctx, hostname+"."+zone, dns.TypeA, false)
	if err != nil || resp == nil {
		return false
	}
	return resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0
}

// checkDNSSEC asks a validating resolver for the AD flag on the A record.
// A missing response is an error, never a validated "invalid" answer.
func (d *DNSIntel) checkDNSSEC(ctx context.Context, hostname string) (bool, error) {
	resp, err := d.query(ctx, hostname, dns.TypeA, true)
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, errEmptyDNSResponse
	}
	return resp.AuthenticatedData, nil
}

// detectFastFlux flags hosts with five or more A records carrying short TTLs.
func (d *DNSIntel) detectFastFlux(ctx context.Context, hostname string) (bool, error) {
	resp, err := d.query(ctx, hostname, dns.TypeA, false)
	if err != nil || resp == nil {
		return false, err
	}
	var aRecords int
	shortTTL := false
	for _, rr := range resp.Answer {
		if _, ok := rr.(*dns.A); !ok {
			continue
		}
		aRecords++
		if rr.Header().Ttl < 300 {
			shortTTL = true
		}
	}
	return aRecords >= 5 && shortTTL, nil
}
