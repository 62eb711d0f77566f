package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/safemode/link-scanner/internal/adapters/cache"
	"github.com/safemode/link-scanner/internal/adapters/providers"
	"github.com/safemode/link-scanner/internal/adapters/queue"
	"github.com/safemode/link-scanner/internal/adapters/storage"
	"github.com/safemode/link-scanner/internal/application"
	"github.com/safemode/link-scanner/internal/config"
	"github.com/safemode/link-scanner/internal/metrics"
	"github.com/safemode/link-scanner/internal/resilience"
	"github.com/safemode/link-scanner/internal/shortener"
	"github.com/safemode/link-scanner/internal/ssrf"
	"github.com/safemode/link-scanner/internal/threatdb"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting link scanner", "workers", cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// One Redis connection pool backs the cache, the queues and the local
	// threat database.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	var encryptor *cache.Encryptor
	if cfg.CacheEncryptionKey != "" {
		var err error
		encryptor, err = cache.NewEncryptor(cfg.CacheEncryptionKey, cfg.CacheStrictDecrypt)
		if err != nil {
			logger.Error("invalid cache encryption key", "error", err)
			os.Exit(1)
		}
		logger.Info("cache encryption enabled", "strict", cfg.CacheStrictDecrypt)
	}
	store := cache.NewRedisCacheFromClient(redisClient, encryptor, logger)

	jobQueue := queue.NewRedisQueueFromClient(redisClient)

	pg, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	if err := pg.InitSchema(); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")

	guard := ssrf.NewGuard(nil, cfg.SSRFExemptHosts)
	expander := shortener.NewResolver(nil, guard, shortener.Options{
		UnshortenEndpoint: cfg.ShortenerEndpoint,
		MaxRedirects:      cfg.ShortenerMaxRedirects,
		Timeout:           cfg.ShortenerTimeout,
		OnExpansion:       m.ObserveExpansion,
	})

	threats := threatdb.New(redisClient, nil, threatdb.Options{
		FeedURL:         cfg.FeedURL,
		CertPlFeedURL:   cfg.CertPlFeedURL,
		RefreshInterval: cfg.FeedRefreshInterval,
		EntryTTL:        cfg.FeedEntryTTL,
		Logger:          logger,
	})
	go threats.Run(ctx)

	providerSet := buildProviders(cfg, store, guard, m, logger)

	orchestrator := application.NewOrchestrator(application.Options{
		Cache:     store,
		Overrides: pg,
		Scans:     pg,
		Queue:     jobQueue,
		Expander:  expander,
		Threats:   threats,
		Providers: providerSet,
		Metrics:   m,
		Logger:    logger,

		FallbackLatency: cfg.GSBFallbackLatency,
	})

	go serveMetrics(ctx, cfg.MetricsAddr, registry, logger)

	logger.Info("consuming scan jobs")
	orchestrator.Run(ctx, cfg.Workers)
	logger.Info("shutdown complete")
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildProviders(cfg config.Config, store *cache.RedisCache, guard *ssrf.Guard, m *metrics.Metrics, logger *slog.Logger) application.ProviderSet {
	httpClient := func(timeout time.Duration) *http.Client {
		return &http.Client{Timeout: timeout}
	}
	cachedOpts := func(name string, pc config.ProviderConfig) providers.CachedOptions {
		return providers.CachedOptions{
			TTL: pc.TTL,
			Breaker: resilience.BreakerOptions{
				Name:             name,
				FailureThreshold: cfg.Breaker.FailureThreshold,
				SuccessThreshold: cfg.Breaker.SuccessThreshold,
				Timeout:          cfg.Breaker.Timeout,
				Window:           cfg.Breaker.Window,
				OnStateChange:    m.BreakerObserver(name),
			},
			Retry:  resilience.RetryOptions{Retries: 2, BaseDelay: 200 * time.Millisecond},
			Logger: logger,
		}
	}

	gsb := providers.NewSafeBrowsing(cfg.SafeBrowsing.APIKey, httpClient(cfg.SafeBrowsing.Timeout))
	vt := providers.NewVirusTotal(cfg.VirusTotal.APIKey, httpClient(cfg.VirusTotal.Timeout))
	phishtank := providers.NewPhishtank(cfg.Phishtank.Enabled, cfg.Phishtank.APIKey, cfg.PhishtankUserAgent, httpClient(cfg.Phishtank.Timeout))
	urlhaus := providers.NewURLhaus(cfg.URLhaus.Enabled, httpClient(cfg.URLhaus.Timeout))
	whois := providers.NewWhois(cfg.Whois.Enabled, cfg.WhoisBaseURL, httpClient(cfg.Whois.Timeout))
	dnsIntel := providers.NewDNSIntel(cfg.DNSIntel.Enabled, cfg.DNSServer, &dns.Client{Timeout: cfg.DNSIntel.Timeout})
	certIntel := providers.NewCertIntel(cfg.CertIntel.Enabled, cfg.CertCTLookup, cfg.CertIntel.Timeout, httpClient(cfg.CertIntel.Timeout))
	fingerprint := providers.NewHTTPFingerprint(cfg.Fingerprint.Enabled, cfg.Fingerprint.Timeout, httpClient(cfg.Fingerprint.Timeout), guard)

	return application.ProviderSet{
		SafeBrowsing: providers.NewCached("safebrowsing", gsb.Lookup, store, cachedOpts("safebrowsing", cfg.SafeBrowsing)),
		VirusTotal:   providers.NewCached("virustotal", vt.Lookup, store, cachedOpts("virustotal", cfg.VirusTotal)),
		Phishtank:    providers.NewCached("phishtank", phishtank.Lookup, store, cachedOpts("phishtank", cfg.Phishtank)),
		URLhaus:      providers.NewCached("urlhaus", urlhaus.Lookup, store, cachedOpts("urlhaus", cfg.URLhaus)),
		Whois:        providers.NewCached("whois", byHostname(whois.Lookup), store, cachedOpts("whois", cfg.Whois)),
		DNSIntel:     providers.NewCached("dns_intel", byHostname(dnsIntel.Lookup), store, cachedOpts("dns_intel", cfg.DNSIntel)),
		CertIntel:    providers.NewCached("cert_intel", byHostname(certIntel.Lookup), store, cachedOpts("cert_intel", cfg.CertIntel)),
		Fingerprint:  providers.NewCached("http_fingerprint", fingerprint.Lookup, store, cachedOpts("http_fingerprint", cfg.Fingerprint)),
	}
}

// byHostname adapts a hostname-keyed lookup to the URL-keyed provider policy.
func byHostname[T any](fn func(ctx context.Context, hostname string) (T, error)) providers.LookupFunc[T] {
	return func(ctx context.Context, rawURL string) (T, error) {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, parsed.Hostname())
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
