package providers

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aRecord(name string, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.IPv4(203, 0, 113, 7),
	}
}

func answer(records ...dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeSuccess
	msg.Answer = records
	return msg
}

func nxdomain() *dns.Msg {
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeNameError
	return msg
}

func TestDNSIntelAggregatesWeightedListings(t *testing.T) {
	zones := []DNSBLZone{
		{Name: "zen.spamhaus.org", Weight: 1.0},
		{Name: "bl.spamcop.net", Weight: 0.8},
	}
	d := newDNSIntelWithQuery(zones, func(ctx context.Context, name string, qtype uint16, wantDNSSEC bool) (*dns.Msg, error) {
		switch name {
		case "bad.example.zen.spamhaus.org":
			return answer(aRecord(name, 3600)), nil
		case "bad.example.bl.spamcop.net":
			return nxdomain(), nil
		case "bad.example":
			if wantDNSSEC {
				msg := answer(aRecord(name, 3600))
				msg.AuthenticatedData = true
				return msg, nil
			}
			return answer(aRecord(name, 3600)), nil
		}
		return nxdomain(), nil
	})

	result, err := d.Lookup(context.Background(), "bad.example")

	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, []string{"zen.spamhaus.org"}, result.ListedZones)
	assert.Contains(t, result.Reasons, "Domain listed in DNSBL: zen.spamhaus.org")
	assert.True(t, result.DNSSECValid)
	assert.False(t, result.FastFlux)
}

func TestDNSIntelDetectsFastFlux(t *testing.T) {
	d := newDNSIntelWithQuery(nil, func(ctx context.Context, name string, qtype uint16, wantDNSSEC bool) (*dns.Msg, error) {
		if name == "flux.example" && !wantDNSSEC {
			return answer(
				aRecord(name, 60), aRecord(name, 60), aRecord(name, 60),
				aRecord(name, 60), aRecord(name, 120),
			), nil
		}
		if name == "flux.example" {
			return answer(aRecord(name, 60)), nil
		}
		return nxdomain(), nil
	})

	result, err := d.Lookup(context.Background(), "flux.example")

	require.NoError(t, err)
	assert.True(t, result.FastFlux)
	assert.Contains(t, result.Reasons, "Fast-flux DNS pattern detected")
}

func TestDNSIntelFailedSubCheckDoesNotBlockOthers(t *testing.T) {
	d := newDNSIntelWithQuery([]DNSBLZone{{Name: "zen.spamhaus.org", Weight: 1.0}},
		func(ctx context.Context, name string, qtype uint16, wantDNSSEC bool) (*dns.Msg, error) {
			if name == "mixed.example.zen.spamhaus.org" {
				return answer(aRecord(name, 3600)), nil
			}
			return nil, errors.New("resolver unreachable")
		})

	result, err := d.Lookup(context.Background(), "mixed.example")

	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, []string{"zen.spamhaus.org"}, result.ListedZones)
	// DNSSEC and fast-flux checks failed; neither adds findings nor aborts.
	assert.True(t, result.DNSSECValid)
	assert.False(t, result.FastFlux)
}

func TestDNSIntelEmptyDNSSECResponseStaysNeutral(t *testing.T) {
	d := newDNSIntelWithQuery(nil, func(ctx context.Context, name string, qtype uint16, wantDNSSEC bool) (*dns.Msg, error) {
		if wantDNSSEC {
			return nil, nil
		}
		return nxdomain(), nil
	})

	result, err := d.Lookup(context.Background(), "quiet.example")

	require.NoError(t, err)
	// A resolver that answers with nothing is a failed check, not a
	// validated "DNSSEC invalid" verdict.
	assert.True(t, result.DNSSECValid)
	assert.Zero(t, result.Score)
	assert.NotContains(t, result.Reasons, "DNSSEC validation failed")
}
