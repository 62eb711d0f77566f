package shortener

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safemode/link-scanner/internal/ssrf"
)

type staticResolver struct{}

func (staticResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return nil, errors.New("no dns in tests")
}

func testGuard() *ssrf.Guard {
	return ssrf.NewGuard(staticResolver{}, []string{"127.0.0.1"})
}

func TestIsKnownShortener(t *testing.T) {
	r := NewResolver(nil, testGuard(), Options{ExtraShorteners: []string{"Go.Example"}})

	assert.True(t, r.IsKnownShortener("bit.ly"))
	assert.True(t, r.IsKnownShortener("BIT.LY"))
	assert.True(t, r.IsKnownShortener("go.example"))
	assert.False(t, r.IsKnownShortener("example.com"))
}

func TestResolvePassesThroughRegularURLs(t *testing.T) {
	r := NewResolver(nil, testGuard(), Options{})

	res := r.Resolve(context.Background(), "https://example.com/page")

	assert.Equal(t, "https://example.com/page", res.FinalURL)
	assert.Equal(t, ProviderOriginal, res.Provider)
	assert.False(t, res.WasShortened)
	assert.NoError(t, res.Err)
}

func TestResolveViaUnshortenService(t *testing.T) {
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"requested_url":"https://bit.ly/abc","resolved_url":"https://example.com/landing","success":true}`))
	}))
	defer svc.Close()

	r := NewResolver(svc.Client(), testGuard(), Options{
		UnshortenEndpoint: svc.URL,
		UnshortenRetries:  2,
	})

	res := r.Resolve(context.Background(), "https://bit.ly/abc")

	require.NoError(t, res.Err)
	assert.Equal(t, ProviderUnshorten, res.Provider)
	assert.Equal(t, "https://example.com/landing", res.FinalURL)
	assert.True(t, res.WasShortened)
	assert.True(t, res.Expanded)
	assert.Equal(t, []string{"https://bit.ly/abc", "https://example.com/landing"}, res.Chain)
}

func TestResolveWalksRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/landing", http.StatusFound)
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewResolver(srv.Client(), testGuard(), Options{
		ExtraShorteners: []string{"127.0.0.1"},
	})

	res := r.Resolve(context.Background(), srv.URL+"/short")

	require.NoError(t, res.Err)
	assert.Equal(t, ProviderDirect, res.Provider)
	assert.Equal(t, srv.URL+"/landing", res.FinalURL)
	assert.True(t, res.WasShortened)
	assert.True(t, res.Expanded)
	require.Len(t, res.Chain, 2)
	assert.Equal(t, srv.URL+"/short", res.Chain[0])
}

func TestResolveBlocksPrivateRedirectTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "http://192.168.0.10/admin", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), testGuard(), Options{
		ExtraShorteners: []string{"127.0.0.1"},
	})

	res := r.Resolve(context.Background(), srv.URL+"/x")

	assert.Equal(t, ProviderOriginal, res.Provider)
	assert.True(t, res.WasShortened)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrPrivateHostBlocked)
}

func TestResolveAllStrategiesFailKeepsOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), testGuard(), Options{
		ExtraShorteners: []string{"127.0.0.1"},
	})

	res := r.Resolve(context.Background(), srv.URL+"/dead")

	assert.Equal(t, ProviderOriginal, res.Provider)
	assert.Equal(t, srv.URL+"/dead", res.FinalURL)
	assert.True(t, res.WasShortened)
	assert.False(t, res.Expanded)
	require.Error(t, res.Err)
}

func TestResolveRefusesOversizedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Length", "999999999")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), testGuard(), Options{
		ExtraShorteners:  []string{"127.0.0.1"},
		MaxContentLength: 1024,
	})

	_, _, err := r.resolveDirectly(context.Background(), srv.URL+"/big")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentTooLarge)
}
