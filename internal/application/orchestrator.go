// Package application drives one scan job through the pipeline states:
// normalize, resolve, collect, override check, score, dispatch.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safemode/link-scanner/internal/adapters/cache"
	"github.com/safemode/link-scanner/internal/adapters/providers"
	"github.com/safemode/link-scanner/internal/domain"
	"github.com/safemode/link-scanner/internal/homoglyph"
	"github.com/safemode/link-scanner/internal/metrics"
	"github.com/safemode/link-scanner/internal/ports"
	"github.com/safemode/link-scanner/internal/scoring"
	"github.com/safemode/link-scanner/internal/shortener"
	"github.com/safemode/link-scanner/internal/threatdb"
	"github.com/safemode/link-scanner/internal/urlx"
)

// ErrInvalidURL rejects malformed or non-http(s) input before any I/O.
var ErrInvalidURL = errors.New("invalid or unsupported url")

const (
	shortenerCacheTTL      = 6 * time.Hour
	degradedThreshold      = 2
	defaultFallbackLatency = 1500 * time.Millisecond
)

// URLExpander is the shortener resolution step.
type URLExpander interface {
	Resolve(ctx context.Context, rawURL string) shortener.Resolution
}

// ThreatDB is the local reputation store consulted during collection and
// fed back after scoring.
type ThreatDB interface {
	Check(ctx context.Context, rawURL, urlHash string) threatdb.Result
	RecordVerdict(ctx context.Context, rawURL string, verdict domain.RiskLevel, confidence float64) error
}

// ProviderSet holds the wrapped external providers. A nil entry means the
// feature is disabled; collection treats it exactly like a keyless provider.
type ProviderSet struct {
	SafeBrowsing *providers.Cached[providers.SafeBrowsingResult]
	VirusTotal   *providers.Cached[providers.VTStats]
	Phishtank    *providers.Cached[providers.PhishtankResult]
	URLhaus      *providers.Cached[providers.URLhausResult]
	Whois        *providers.Cached[providers.WhoisResult]
	DNSIntel     *providers.Cached[providers.DNSIntelResult]
	CertIntel    *providers.Cached[providers.CertIntelResult]
	Fingerprint  *providers.Cached[providers.FingerprintResult]
}

// Orchestrator owns the shared pipeline dependencies. One instance serves
// all workers; every dependency it holds is safe for concurrent use.
type Orchestrator struct {
	cache     ports.Cache
	overrides ports.OverrideStore
	scans     ports.ScanStore
	queue     ports.JobQueue
	expander  URLExpander
	threats   ThreatDB
	providers ProviderSet
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	fallbackLatency time.Duration
}

// Options bundle the orchestrator's dependencies for injection from main.
// Cache and Providers are required in practice; Overrides, Scans, Queue,
// Expander, Threats and Metrics may be nil and the matching step is skipped.
type Options struct {
	Cache     ports.Cache
	Overrides ports.OverrideStore
	Scans     ports.ScanStore
	Queue     ports.JobQueue
	Expander  URLExpander
	Threats   ThreatDB
	Providers ProviderSet
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
	// FallbackLatency is the Safe Browsing response-time budget above
	// which Phishtank runs even on a hit. Zero selects the default.
	FallbackLatency time.Duration
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FallbackLatency <= 0 {
		opts.FallbackLatency = defaultFallbackLatency
	}
	return &Orchestrator{
		cache:     opts.Cache,
		overrides: opts.Overrides,
		scans:     opts.Scans,
		queue:     opts.Queue,
		expander:  opts.Expander,
		threats:   opts.Threats,
		providers: opts.Providers,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,

		fallbackLatency: opts.FallbackLatency,
	}
}

// collected is the fan-in point of the signal-gathering state. Provider
// branches fill their slot under mu; a branch failure leaves the zero value.
type collected struct {
	mu          sync.Mutex
	gsb         providers.Result[providers.SafeBrowsingResult]
	vt          providers.Result[providers.VTStats]
	phishtank   providers.Result[providers.PhishtankResult]
	urlhaus     providers.Result[providers.URLhausResult]
	whois       providers.Result[providers.WhoisResult]
	dns         providers.Result[providers.DNSIntelResult]
	cert        providers.Result[providers.CertIntelResult]
	fingerprint providers.Result[providers.FingerprintResult]
	threat      threatdb.Result
}

// cachedResolution is the persisted subset of a shortener resolution.
type cachedResolution struct {
	FinalURL     string   `json:"final_url"`
	Provider     string   `json:"provider"`
	Chain        []string `json:"chain"`
	WasShortened bool     `json:"was_shortened"`
	Expanded     bool     `json:"expanded"`
}

// Process runs one job through the full pipeline and always returns a
// verdict record unless the URL itself is invalid.
func (o *Orchestrator) Process(ctx context.Context, job *domain.ScanJob) (*domain.ScanRecord, error) {
	normalized, ok := urlx.Normalize(job.URL)
	if !ok {
		return nil, ErrInvalidURL
	}
	urlHash := urlx.Hash(normalized)
	logger := o.logger.With("url_hash", urlHash)

	if !job.Rescan {
		if record := o.cachedVerdict(ctx, urlHash); record != nil {
			o.metrics.ObserveCache("verdict", true)
			logger.Info("verdict served from cache", "verdict", record.Verdict)
			o.dispatch(ctx, job, record, logger)
			return record, nil
		}
		o.metrics.ObserveCache("verdict", false)
	}

	resolution := o.resolve(ctx, normalized, urlHash, logger)
	finalURL := resolution.FinalURL
	if finalURL == "" {
		finalURL = normalized
	}

	signals, outcomes := o.collect(ctx, normalized, finalURL, urlHash, resolution, logger)

	o.checkOverride(ctx, urlHash, finalURL, &signals, logger)

	degraded, failed := degradedMode(outcomes)
	if degraded {
		signals.HeuristicsOnly = true
		logger.Warn("entering degraded mode", "failed_providers", failed)
	}

	verdict := scoring.Score(signals)

	record := &domain.ScanRecord{
		URLHash:          urlHash,
		URL:              normalized,
		FinalURL:         finalURL,
		Verdict:          verdict.Level,
		Score:            verdict.Score,
		Reasons:          verdict.Reasons,
		CacheTTL:         verdict.CacheTTL,
		RedirectChain:    resolution.Chain,
		WasShortened:     resolution.WasShortened,
		FinalURLMismatch: signals.FinalURLMismatch,
		Degraded:         degraded,
		DecidedAt:        o.now().UTC(),
	}

	o.persist(ctx, record, logger)
	o.feedBack(ctx, finalURL, verdict, logger)
	o.dispatch(ctx, job, record, logger)
	o.metrics.ObserveScan(string(verdict.Level), degraded)

	logger.Info("scan complete",
		"verdict", verdict.Level,
		"score", verdict.Score,
		"degraded", degraded,
		"reasons", len(verdict.Reasons),
	)
	return record, nil
}

func (o *Orchestrator) cachedVerdict(ctx context.Context, urlHash string) *domain.ScanRecord {
	if o.cache == nil {
		return nil
	}
	payload, err := o.cache.Get(ctx, cache.VerdictKey(urlHash))
	if err != nil {
		return nil
	}
	var record domain.ScanRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil
	}
	return &record
}

// resolve expands shorteners behind a dedicated cache layer. An SSRF block
// or expansion failure is terminal for this step only: the pipeline scores
// the unexpanded URL.
func (o *Orchestrator) resolve(ctx context.Context, normalized, urlHash string, logger *slog.Logger) shortener.Resolution {
	if o.expander == nil {
		return shortener.Resolution{FinalURL: normalized, Provider: shortener.ProviderOriginal}
	}

	key := cache.ShortKey(urlHash)
	if o.cache != nil {
		if payload, err := o.cache.Get(ctx, key); err == nil {
			var cached cachedResolution
			if err := json.Unmarshal(payload, &cached); err == nil {
				o.metrics.ObserveCache("shortener", true)
				return shortener.Resolution{
					FinalURL:     cached.FinalURL,
					Provider:     cached.Provider,
					Chain:        cached.Chain,
					WasShortened: cached.WasShortened,
					Expanded:     cached.Expanded,
				}
			}
		}
		o.metrics.ObserveCache("shortener", false)
	}

	resolution := o.expander.Resolve(ctx, normalized)
	if resolution.Err != nil {
		if errors.Is(resolution.Err, shortener.ErrPrivateHostBlocked) {
			logger.Warn("shortener expansion blocked by ssrf guard")
		} else {
			logger.Warn("shortener expansion failed", "error", resolution.Err)
		}
		return resolution
	}

	if o.cache != nil {
		payload, err := json.Marshal(cachedResolution{
			FinalURL:     resolution.FinalURL,
			Provider:     resolution.Provider,
			Chain:        resolution.Chain,
			WasShortened: resolution.WasShortened,
			Expanded:     resolution.Expanded,
		})
		if err == nil {
			if err := o.cache.Set(ctx, key, payload, shortenerCacheTTL); err != nil {
				logger.Warn("failed to cache shortener resolution", "error", err)
			}
		}
	}
	return resolution
}

// collect fans out to every enabled signal source and joins before scoring.
// Blocklist providers run sequenced inside one branch so secondary lookups
// only spend quota when the primary was inconclusive.
// providerOutcome pairs a provider name with its consultation status for
// degraded-mode accounting and metrics.
type providerOutcome struct {
	Name   string
	Status providers.Status
}

func (o *Orchestrator) collect(ctx context.Context, normalized, finalURL, urlHash string, resolution shortener.Resolution, logger *slog.Logger) (domain.Signals, []providerOutcome) {
	var signals domain.Signals

	finalParsed, err := url.Parse(finalURL)
	if err != nil {
		finalParsed, _ = url.Parse(normalized)
	}
	hostname := finalParsed.Hostname()

	structural := urlx.ExtraHeuristics(finalParsed)
	signals.IsIPLiteral = structural.IsIPLiteral
	signals.HasSuspiciousTld = structural.HasSuspiciousTld
	signals.HasUncommonPort = structural.HasUncommonPort
	signals.HasExecutableExtension = structural.HasExecutableExtension
	signals.HasUserInfo = structural.HasUserInfo
	signals.URLLength = len(normalized)
	signals.WasShortened = resolution.WasShortened
	if len(resolution.Chain) > 1 {
		signals.RedirectCount = len(resolution.Chain) - 1
	}
	signals.FinalURLMismatch = finalURLMismatch(normalized, finalURL, resolution)

	// The homoglyph and typosquat detectors are pure and always run.
	hg := homoglyph.Analyze(hostname)
	signals.Homoglyph = &hg
	if squat, ok := urlx.DetectTypoSquat(hostname, nil); ok {
		signals.TypoSquatTarget = squat.Target
		signals.TypoSquatMethod = squat.Method
	}

	var results collected
	var wg sync.WaitGroup

	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { o.collectBlocklists(ctx, finalURL, urlHash, &results) })
	run(func() {
		r := lookupOrDisabled(ctx, o.providers.Whois, "whois", finalURL, urlHash)
		results.mu.Lock()
		results.whois = r
		results.mu.Unlock()
	})
	run(func() {
		r := lookupOrDisabled(ctx, o.providers.DNSIntel, "dns_intel", finalURL, urlHash)
		results.mu.Lock()
		results.dns = r
		results.mu.Unlock()
	})
	run(func() {
		r := lookupOrDisabled(ctx, o.providers.CertIntel, "cert_intel", finalURL, urlHash)
		results.mu.Lock()
		results.cert = r
		results.mu.Unlock()
	})
	run(func() {
		r := lookupOrDisabled(ctx, o.providers.Fingerprint, "http_fingerprint", finalURL, urlHash)
		results.mu.Lock()
		results.fingerprint = r
		results.mu.Unlock()
	})
	if o.threats != nil {
		run(func() {
			r := o.threats.Check(ctx, finalURL, urlHash)
			results.mu.Lock()
			results.threat = r
			results.mu.Unlock()
		})
	}
	wg.Wait()

	if results.gsb.Status == providers.StatusSuccess {
		signals.GsbThreatTypes = results.gsb.Data.ThreatTypes()
	}
	if results.vt.Status == providers.StatusSuccess {
		stats := results.vt.Data
		signals.VtMalicious = &stats.Malicious
		signals.VtSuspicious = &stats.Suspicious
		signals.VtHarmless = &stats.Harmless
	}
	if results.phishtank.Status == providers.StatusSuccess {
		signals.PhishtankVerified = results.phishtank.Data.Verified
		if results.phishtank.Data.InDatabase && !results.phishtank.Data.Verified {
			logger.Info("url reported to phishtank but unverified")
		}
	}
	if results.urlhaus.Status == providers.StatusSuccess {
		signals.UrlhausListed = results.urlhaus.Data.Listed
	}
	if results.whois.Status == providers.StatusSuccess {
		signals.DomainAgeDays = results.whois.Data.AgeDays
	}
	if results.threat.FeedMatch {
		signals.OpenphishListed = true
	}
	if results.threat.CertPl {
		signals.CertPlListed = true
	}
	// Collaborative scores below the feed threshold come back with an
	// empty match type and must stay out of the signal set.
	if results.threat.MatchType == "domain" || results.threat.MatchType == "collaborative" {
		signals.SuspiciousDomainListed = true
	}

	// Infrastructure intelligence is advisory: the scores are cached and
	// logged for the deep-scan path but carry no weight on the 0..15 scale.
	if results.dns.Status == providers.StatusSuccess && results.dns.Data.Score > 0 {
		logger.Info("dns intelligence findings",
			"score", results.dns.Data.Score, "reasons", results.dns.Data.Reasons)
	}
	if results.cert.Status == providers.StatusSuccess && results.cert.Data.Score > 0 {
		logger.Info("certificate intelligence findings",
			"score", results.cert.Data.Score, "reasons", results.cert.Data.Reasons)
	}
	if results.fingerprint.Status == providers.StatusSuccess && results.fingerprint.Data.Score > 0 {
		logger.Info("http fingerprint findings",
			"score", results.fingerprint.Data.Score, "reasons", results.fingerprint.Data.Reasons)
	}

	outcomes := []providerOutcome{
		{results.gsb.Provider, results.gsb.Status},
		{results.phishtank.Provider, results.phishtank.Status},
		{results.vt.Provider, results.vt.Status},
		{results.urlhaus.Provider, results.urlhaus.Status},
		{results.whois.Provider, results.whois.Status},
		{results.dns.Provider, results.dns.Status},
		{results.cert.Provider, results.cert.Status},
		{results.fingerprint.Provider, results.fingerprint.Status},
	}
	for _, outcome := range outcomes {
		o.metrics.ObserveProvider(outcome.Name, string(outcome.Status))
	}
	return signals, outcomes
}

// collectBlocklists sequences the reputation lookups. Phishtank runs when
// Safe Browsing was inconclusive or took longer than the fallback latency
// budget, VirusTotal only when neither listed the URL, and URLhaus backstops
// a VirusTotal lookup that never succeeded.
func (o *Orchestrator) collectBlocklists(ctx context.Context, finalURL, urlHash string, results *collected) {
	gsb := lookupOrDisabled(ctx, o.providers.SafeBrowsing, "safebrowsing", finalURL, urlHash)
	gsbHit := gsb.Status == providers.StatusSuccess && len(gsb.Data.ThreatTypes()) > 0
	// A slow live answer is treated as unreliable even when it hit.
	gsbSlow := !gsb.FromCache && gsb.DurationMs > o.fallbackLatency.Milliseconds()

	phishtank := disabledResult[providers.PhishtankResult]("phishtank")
	if !gsbHit || gsbSlow {
		phishtank = lookupOrDisabled(ctx, o.providers.Phishtank, "phishtank", finalURL, urlHash)
	}
	phishtankHit := phishtank.Status == providers.StatusSuccess && phishtank.Data.Verified

	vt := disabledResult[providers.VTStats]("virustotal")
	if !gsbHit && !phishtankHit {
		vt = lookupOrDisabled(ctx, o.providers.VirusTotal, "virustotal", finalURL, urlHash)
	}

	urlhaus := disabledResult[providers.URLhausResult]("urlhaus")
	if !gsbHit && vt.Status != providers.StatusSuccess {
		urlhaus = lookupOrDisabled(ctx, o.providers.URLhaus, "urlhaus", finalURL, urlHash)
	}

	results.mu.Lock()
	results.gsb = gsb
	results.phishtank = phishtank
	results.vt = vt
	results.urlhaus = urlhaus
	results.mu.Unlock()
}

// checkOverride loads the manual override. Lookup failures are logged at
// error level and treated as no override; they never abort the job.
func (o *Orchestrator) checkOverride(ctx context.Context, urlHash, finalURL string, signals *domain.Signals, logger *slog.Logger) {
	if o.overrides == nil {
		return
	}
	hostname := ""
	if parsed, err := url.Parse(finalURL); err == nil {
		hostname = parsed.Hostname()
	}
	override, err := o.overrides.GetOverride(ctx, urlHash, hostname)
	if err != nil {
		logger.Error("manual override lookup failed", "error", err)
		return
	}
	signals.ManualOverride = override
}

func (o *Orchestrator) persist(ctx context.Context, record *domain.ScanRecord, logger *slog.Logger) {
	if o.cache != nil {
		payload, err := json.Marshal(record)
		if err == nil {
			ttl := time.Duration(record.CacheTTL) * time.Second
			if err := o.cache.Set(ctx, cache.VerdictKey(record.URLHash), payload, ttl); err != nil {
				logger.Warn("failed to cache verdict", "error", err)
			}
		}
	}
	if o.scans != nil {
		if err := o.scans.SaveScan(ctx, record); err != nil {
			logger.Warn("failed to persist scan", "error", err)
		}
	}
}

// feedBack records the verdict into the collaborative threat store so
// repeat sightings of the same URL raise its local reputation score.
func (o *Orchestrator) feedBack(ctx context.Context, finalURL string, verdict domain.RiskVerdict, logger *slog.Logger) {
	if o.threats == nil || verdict.Level == domain.LevelBenign {
		return
	}
	confidence := float64(verdict.Score) / float64(15)
	if confidence > 1 {
		confidence = 1
	}
	if err := o.threats.RecordVerdict(ctx, finalURL, verdict.Level, confidence); err != nil {
		logger.Warn("failed to record verdict in threat db", "error", err)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, job *domain.ScanJob, record *domain.ScanRecord, logger *slog.Logger) {
	if o.queue == nil {
		return
	}
	if job.HasChatContext() {
		err := o.queue.PushVerdict(ctx, &domain.VerdictJob{
			JobID:     uuid.NewString(),
			ChatID:    job.ChatID,
			MessageID: job.MessageID,
			URLHash:   record.URLHash,
			Verdict:   record.Verdict,
			Score:     record.Score,
			Reasons:   record.Reasons,
		})
		if err != nil {
			logger.Error("failed to dispatch verdict job", "error", err)
		}
	}
	if record.Degraded && record.Verdict != domain.LevelBenign {
		err := o.queue.PushDeepScan(ctx, &domain.DeepScanJob{
			JobID:   uuid.NewString(),
			URL:     record.FinalURL,
			URLHash: record.URLHash,
		})
		if err != nil {
			logger.Error("failed to dispatch deep scan job", "error", err)
		}
	}
}

// Run consumes scan jobs with a pool of workers until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	logger := o.logger.With("worker", id)
	for {
		job, err := o.queue.PopScanJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to pop scan job", "error", err)
			continue
		}
		if _, err := o.Process(ctx, job); err != nil {
			if errors.Is(err, ErrInvalidURL) {
				logger.Warn("rejected scan job", "url", job.URL, "error", err)
				continue
			}
			logger.Error("scan failed", "url", job.URL, "error", err)
		}
	}
}

// lookupOrDisabled treats an unconfigured provider like a keyless one.
func lookupOrDisabled[T any](ctx context.Context, p *providers.Cached[T], name, rawURL, urlHash string) providers.Result[T] {
	if p == nil {
		return disabledResult[T](name)
	}
	return p.Lookup(ctx, rawURL, urlHash)
}

func disabledResult[T any](name string) providers.Result[T] {
	return providers.Result[T]{Provider: name, Status: providers.StatusDisabled}
}

// degradedMode reports whether enough consulted providers failed or ran out
// of quota to downgrade confidence in the verdict.
func degradedMode(outcomes []providerOutcome) (bool, []string) {
	var failed []string
	for _, outcome := range outcomes {
		if outcome.Status == providers.StatusFailed || outcome.Status == providers.StatusQuotaExceeded {
			failed = append(failed, outcome.Name)
		}
	}
	return len(failed) >= degradedThreshold, failed
}

// finalURLMismatch flags plain redirects that land on a different host.
// Shortener expansions are expected to change hosts and are not flagged.
func finalURLMismatch(normalized, finalURL string, resolution shortener.Resolution) bool {
	if resolution.WasShortened || len(resolution.Chain) < 2 {
		return false
	}
	from, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	to, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	return !sameRegistrableHost(from.Hostname(), to.Hostname())
}

func sameRegistrableHost(a, b string) bool {
	if a == b {
		return true
	}
	// Treat www and bare apex as the same site.
	trim := func(h string) string {
		if len(h) > 4 && h[:4] == "www." {
			return h[4:]
		}
		return h
	}
	return trim(a) == trim(b)
}
