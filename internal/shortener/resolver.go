package shortener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safemode/link-scanner/internal/ssrf"
	"github.com/safemode/link-scanner/internal/urlx"
)

// Providers reported in a Resolution.
const (
	ProviderUnshorten = "unshorten_me"
	ProviderDirect    = "direct"
	ProviderFallback  = "follow"
	ProviderOriginal  = "original"
)

var (
	ErrPrivateHostBlocked = errors.New("shortener: private host blocked")
	ErrContentTooLarge    = errors.New("shortener: content too large")
	ErrExpansionFailed    = errors.New("shortener: expansion failed")
)

var defaultShorteners = []string{
	"bit.ly", "goo.gl", "t.co", "tinyurl.com", "ow.ly", "is.gd", "buff.ly",
	"adf.ly", "rebrand.ly", "lnkd.in", "rb.gy", "s.id", "shorturl.at",
	"short.io", "trib.al", "po.st", "bit.do", "cutt.ly", "mcaf.ee", "su.pr",
	"qr.ae", "zpr.io", "shor.by", "tiny.cc", "x.co", "lnk.to", "amzn.to",
	"fb.me", "ift.tt", "j.mp", "youtu.be", "spr.ly", "cli.re", "wa.link",
	"tele.cm", "grabify.link", "short.cm", "v.gd", "kutt.it", "snip.ly",
	"ttm.sh", "gg.gg", "prf.hn", "chilp.it", "qps.ru", "clk.im", "u.to",
	"t2m.io", "soo.gd", "shorte.st", "t.ly", "smarturl.it", "vn.tl",
	"cbsn.ws", "ibm.co", "es.pn", "nyti.ms", "wapo.st", "apne.ws",
	"reut.rs", "bloom.bg", "for.tn", "lat.ms", "cnet.co", "g.co",
	"dlvr.it", "go.aws", "sforce.co", "w.wiki", "win.gs", "go.nasa.gov",
}

// Resolution is the outcome of attempting to expand a shortened URL.
// WasShortened reports whether the input host is a known shortener, even
// when every expansion strategy failed.
type Resolution struct {
	FinalURL     string
	Provider     string
	Chain        []string
	WasShortened bool
	Expanded     bool
	Err          error
}

// Options configure a Resolver.
type Options struct {
	UnshortenEndpoint string
	UnshortenRetries  int
	MaxRedirects      int
	Timeout           time.Duration
	MaxContentLength  int64
	ExtraShorteners   []string

	// OnExpansion observes each strategy outcome for metrics.
	OnExpansion func(provider, outcome string)
}

// Resolver expands shortened URLs through a sequence of strategies, checking
// every redirect hop against the SSRF guard before following it.
type Resolver struct {
	client     *http.Client
	guard      *ssrf.Guard
	shorteners map[string]struct{}
	opts       Options
}

func NewResolver(client *http.Client, guard *ssrf.Guard, opts Options) *Resolver {
	if opts.UnshortenRetries < 1 {
		opts.UnshortenRetries = 1
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 5 << 20
	}
	if opts.OnExpansion == nil {
		opts.OnExpansion = func(string, string) {}
	}
	if client == nil {
		client = &http.Client{}
	}
	hosts := make(map[string]struct{}, len(defaultShorteners)+len(opts.ExtraShorteners))
	for _, h := range defaultShorteners {
		hosts[h] = struct{}{}
	}
	for _, h := range opts.ExtraShorteners {
		if h != "" {
			hosts[strings.ToLower(h)] = struct{}{}
		}
	}
	return &Resolver{client: client, guard: guard, shorteners: hosts, opts: opts}
}

// IsKnownShortener reports whether hostname belongs to a known URL shortener.
func (r *Resolver) IsKnownShortener(hostname string) bool {
	_, ok := r.shorteners[strings.ToLower(hostname)]
	return ok
}

// Resolve expands a shortened URL. When every strategy fails it still returns
// the original URL with provider "original" and the failure recorded in Err,
// so callers can score the unexpanded link instead of dropping the request.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) Resolution {
	normalized, ok := urlx.Normalize(rawURL)
	if !ok {
		return Resolution{FinalURL: rawURL, Provider: ProviderOriginal}
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return Resolution{FinalURL: normalized, Provider: ProviderOriginal}
	}
	if !r.IsKnownShortener(parsed.Hostname()) {
		return Resolution{FinalURL: normalized, Provider: ProviderOriginal}
	}

	if r.opts.UnshortenEndpoint != "" {
		for attempt := 0; attempt < r.opts.UnshortenRetries; attempt++ {
			resolved, err := r.resolveWithUnshorten(ctx, normalized)
			if err == nil && resolved != "" {
				r.opts.OnExpansion(ProviderUnshorten, "success")
				return Resolution{
					FinalURL:     resolved,
					Provider:     ProviderUnshorten,
					Chain:        []string{normalized, resolved},
					WasShortened: true,
					Expanded:     resolved != normalized,
				}
			}
		}
		r.opts.OnExpansion(ProviderUnshorten, "error")
	}

	finalURL, chain, err := r.resolveDirectly(ctx, normalized)
	if err == nil && finalURL != "" {
		r.opts.OnExpansion(ProviderDirect, "success")
		return Resolution{
			FinalURL:     finalURL,
			Provider:     ProviderDirect,
			Chain:        chain,
			WasShortened: true,
			Expanded:     len(chain) > 1 || finalURL != normalized,
		}
	}
	r.opts.OnExpansion(ProviderDirect, "error")
	if errors.Is(err, ErrPrivateHostBlocked) {
		return Resolution{
			FinalURL:     normalized,
			Provider:     ProviderOriginal,
			Chain:        []string{normalized},
			WasShortened: true,
			Err:          err,
		}
	}

	finalURL, followErr := r.resolveByFollowing(ctx, normalized)
	if followErr == nil && finalURL != "" {
		r.opts.OnExpansion(ProviderFallback, "success")
		return Resolution{
			FinalURL:     finalURL,
			Provider:     ProviderFallback,
			Chain:        []string{normalized, finalURL},
			WasShortened: true,
			Expanded:     finalURL != normalized,
		}
	}
	r.opts.OnExpansion(ProviderFallback, "error")

	if err == nil {
		err = followErr
	}
	if err == nil {
		err = ErrExpansionFailed
	}
	return Resolution{
		FinalURL:     normalized,
		Provider:     ProviderOriginal,
		Chain:        []string{normalized},
		WasShortened: true,
		Err:          err,
	}
}

type unshortenResponse struct {
	RequestedURL string `json:"requested_url"`
	ResolvedURL  string `json:"resolved_url"`
	Success      *bool  `json:"success"`
	Error        string `json:"error"`
}

func (r *Resolver) resolveWithUnshorten(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(r.opts.UnshortenEndpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/"+url.QueryEscape(target), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("shortener: unshorten service returned %d", resp.StatusCode)
	}
	var body unshortenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", err
	}
	if body.ResolvedURL == "" || (body.Success != nil && !*body.Success) {
		return "", ErrExpansionFailed
	}
	if normalized, ok := urlx.Normalize(body.ResolvedURL); ok {
		return normalized, nil
	}
	return body.ResolvedURL, nil
}

// resolveDirectly walks the redirect chain one hop at a time so every hop is
// normalized and checked against the SSRF guard before it is fetched.
func (r *Resolver) resolveDirectly(ctx context.Context, start string) (string, []string, error) {
	current := start
	var chain []string

	for i := 0; i < r.opts.MaxRedirects; i++ {
		normalized, ok := urlx.Normalize(current)
		if !ok {
			break
		}
		parsed, err := url.Parse(normalized)
		if err != nil {
			break
		}
		if r.guard.IsPrivateHostname(ctx, parsed.Hostname()) {
			return "", nil, fmt.Errorf("%w: %s", ErrPrivateHostBlocked, parsed.Hostname())
		}
		if len(chain) == 0 || chain[len(chain)-1] != normalized {
			chain = append(chain, normalized)
		}

		next, final, err := r.fetchHop(ctx, normalized)
		if err != nil {
			return "", nil, err
		}
		if final {
			return normalized, chain, nil
		}
		if next == "" {
			return "", nil, ErrExpansionFailed
		}
		current = next
	}

	if len(chain) > 0 {
		return chain[len(chain)-1], chain, nil
	}
	return "", nil, ErrExpansionFailed
}

// fetchHop performs one non-following GET. It returns either the next hop
// location or final=true when the response is not a redirect.
func (r *Resolver) fetchHop(ctx context.Context, target string) (next string, final bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", false, err
	}
	client := &http.Client{
		Transport: r.client.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrExpansionFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n > r.opts.MaxContentLength {
			return "", false, fmt.Errorf("%w: %d bytes", ErrContentTooLarge, n)
		}
	}
	if resp.StatusCode >= 500 {
		return "", false, fmt.Errorf("%w: status %d", ErrExpansionFailed, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", false, nil
	}
	if resp.StatusCode >= 300 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", true, nil
		}
		base, _ := url.Parse(target)
		ref, perr := url.Parse(loc)
		if perr != nil {
			return "", true, nil
		}
		return base.ResolveReference(ref).String(), false, nil
	}
	return "", true, nil
}

// resolveByFollowing is the last-resort strategy: a single GET that lets the
// client follow redirects itself, with the SSRF guard applied per hop.
func (r *Resolver) resolveByFollowing(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	client := &http.Client{
		Transport: r.client.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= r.opts.MaxRedirects {
				return fmt.Errorf("%w: too many redirects", ErrExpansionFailed)
			}
			if r.guard.IsPrivateHostname(req.Context(), req.URL.Hostname()) {
				return fmt.Errorf("%w: %s", ErrPrivateHostBlocked, req.URL.Hostname())
			}
			return nil
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: status %d", ErrExpansionFailed, resp.StatusCode)
	}
	if normalized, ok := urlx.Normalize(resp.Request.URL.String()); ok {
		return normalized, nil
	}
	return resp.Request.URL.String(), nil
}
