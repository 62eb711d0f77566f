package ssrf

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver struct {
	addrs map[string][]netip.Addr
	err   error
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func addrs(ips ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"::1", true},
		{"fe80::1", true},
		{"fc00::1", true},
		{"::ffff:127.0.0.1", true}, // IPv4-mapped loopback
		{"8.8.8.8", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, IsPrivateIP(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestIsPrivateHostname(t *testing.T) {
	ctx := context.Background()

	t.Run("DNS failure fails closed", func(t *testing.T) {
		g := NewGuard(&fakeResolver{err: errors.New("servfail")}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "example.com"))
	})

	t.Run("empty answer fails closed", func(t *testing.T) {
		g := NewGuard(&fakeResolver{addrs: map[string][]netip.Addr{}}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "example.com"))
	})

	t.Run("public resolution is allowed", func(t *testing.T) {
		g := NewGuard(&fakeResolver{addrs: map[string][]netip.Addr{
			"example.com": addrs("93.184.216.34", "2606:2800:220:1::1"),
		}}, nil)
		assert.False(t, g.IsPrivateHostname(ctx, "example.com"))
	})

	t.Run("any private answer blocks", func(t *testing.T) {
		g := NewGuard(&fakeResolver{addrs: map[string][]netip.Addr{
			"rebind.example": addrs("93.184.216.34", "10.0.0.7"),
		}}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "rebind.example"))
	})

	t.Run("IP literal skips DNS", func(t *testing.T) {
		g := NewGuard(&fakeResolver{err: errors.New("must not resolve")}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "127.0.0.1"))
		assert.False(t, g.IsPrivateHostname(ctx, "8.8.8.8"))
	})

	t.Run("bracketed IPv6 literal", func(t *testing.T) {
		g := NewGuard(&fakeResolver{err: errors.New("must not resolve")}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "[::1]"))
		assert.False(t, g.IsPrivateHostname(ctx, "[2606:4700::1111]"))
	})

	t.Run("bracketed non-IP fails closed", func(t *testing.T) {
		g := NewGuard(&fakeResolver{}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "[not-an-ip]"))
	})

	t.Run("blocked hostnames", func(t *testing.T) {
		g := NewGuard(&fakeResolver{}, nil)
		assert.True(t, g.IsPrivateHostname(ctx, "localhost"))
		assert.True(t, g.IsPrivateHostname(ctx, "metadata"))
	})

	t.Run("exempt hostname bypasses check", func(t *testing.T) {
		g := NewGuard(&fakeResolver{err: errors.New("servfail")}, []string{"trusted.internal"})
		assert.False(t, g.IsPrivateHostname(ctx, "trusted.internal"))
	})
}
