package threatdb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/safemode/link-scanner/internal/domain"
	"github.com/safemode/link-scanner/internal/urlx"
)

const (
	feedKeyPrefix   = "threat:feed:"
	domainKeyPrefix = "threat:domain:"
	collabKeyPrefix = "threat:collaborative:"
	feedIndexKey    = "threat:feed:index"
	certPlKey       = "threat:certpl:domains"
)

// Result is a local-reputation score contribution. It is advisory: every
// lookup failure collapses to a zero Result instead of an error.
type Result struct {
	Score     float64
	Reasons   []string
	MatchType string
	FeedMatch bool
	CertPl    bool
	Collab    float64
}

// Options tune the feed refresh cycle and scoring weights.
type Options struct {
	FeedURL string
	// CertPlFeedURL is the CERT Polska hole list of dangerous domains.
	// Empty disables that feed.
	CertPlFeedURL   string
	RefreshInterval time.Duration
	EntryTTL        time.Duration
	BatchSize       int
	FeedWeight      float64
	DomainWeight    float64
	CollabThreshold float64
	CollabCap       float64
	CollabTTL       time.Duration
	Logger          *slog.Logger
}

// LocalThreatDB keeps two Redis-backed stores: an exact-match set fed from a
// public phishing feed, and a collaborative score store built from this
// system's own verdicts.
type LocalThreatDB struct {
	redis  *redis.Client
	client *http.Client
	opts   Options
	logger *slog.Logger
}

func New(redisClient *redis.Client, httpClient *http.Client, opts Options) *LocalThreatDB {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.FeedURL == "" {
		opts.FeedURL = "https://openphish.com/feed.txt"
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 2 * time.Hour
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FeedWeight == 0 {
		opts.FeedWeight = 0.9
	}
	if opts.DomainWeight == 0 {
		opts.DomainWeight = 0.4
	}
	if opts.CollabThreshold == 0 {
		opts.CollabThreshold = 0.7
	}
	if opts.CollabCap == 0 {
		opts.CollabCap = 1.5
	}
	if opts.CollabTTL <= 0 {
		opts.CollabTTL = 90 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LocalThreatDB{
		redis:  redisClient,
		client: httpClient,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Run refreshes the feeds immediately and then on every interval until ctx
// is cancelled. Refresh failures are logged and leave the previous entries
// intact.
func (db *LocalThreatDB) Run(ctx context.Context) {
	refresh := func() {
		if err := db.RefreshFeed(ctx); err != nil {
			db.logger.Error("threat feed refresh failed", "error", err)
		}
		if err := db.RefreshCertPlFeed(ctx); err != nil {
			db.logger.Error("cert polska feed refresh failed", "error", err)
		}
	}
	refresh()
	ticker := time.NewTicker(db.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// RefreshFeed downloads the feed and repopulates the exact-match store in
// batches, then drops entries that left the feed.
func (db *LocalThreatDB) RefreshFeed(ctx context.Context) error {
	start := time.Now()

	var urls []string
	fetch := func() error {
		var err error
		urls, err = db.fetchFeed(ctx)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return fmt.Errorf("fetch threat feed: %w", err)
	}

	newHashes := make(map[string]struct{}, len(urls))
	pipe := db.redis.Pipeline()
	batched := 0
	for _, feedURL := range urls {
		normalized, ok := urlx.Normalize(feedURL)
		if !ok {
			normalized = feedURL
		}
		hash := urlx.Hash(normalized)
		newHashes[hash] = struct{}{}

		pipe.Set(ctx, feedKeyPrefix+hash, normalized, db.opts.EntryTTL)
		pipe.SAdd(ctx, feedIndexKey, hash)
		if hostname := hostnameOf(normalized); hostname != "" {
			pipe.SAdd(ctx, domainKeyPrefix+hostname, hash)
			pipe.Expire(ctx, domainKeyPrefix+hostname, db.opts.EntryTTL)
		}

		batched++
		if batched >= db.opts.BatchSize {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("store threat feed batch: %w", err)
			}
			pipe = db.redis.Pipeline()
			batched = 0
		}
	}
	if batched > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store threat feed batch: %w", err)
		}
	}

	// Drop entries that are no longer in the feed.
	previous, err := db.redis.SMembers(ctx, feedIndexKey).Result()
	if err == nil {
		stale := db.redis.Pipeline()
		removed := 0
		for _, hash := range previous {
			if _, ok := newHashes[hash]; ok {
				continue
			}
			stale.Del(ctx, feedKeyPrefix+hash)
			stale.SRem(ctx, feedIndexKey, hash)
			removed++
		}
		if removed > 0 {
			if _, err := stale.Exec(ctx); err != nil {
				db.logger.Warn("failed to prune stale feed entries", "error", err)
			}
		}
	}

	db.logger.Info("threat feed refreshed",
		"entries", len(urls),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// RefreshCertPlFeed downloads the CERT Polska domain list and swaps it into
// the membership set atomically. A no-op when the feed URL is empty.
func (db *LocalThreatDB) RefreshCertPlFeed(ctx context.Context) error {
	if db.opts.CertPlFeedURL == "" {
		return nil
	}
	start := time.Now()

	var domains []string
	fetch := func() error {
		var err error
		domains, err = db.fetchDomainFeed(ctx, db.opts.CertPlFeedURL)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return fmt.Errorf("fetch cert polska feed: %w", err)
	}
	if len(domains) == 0 {
		return fmt.Errorf("cert polska feed is empty")
	}

	staging := certPlKey + ":staging"
	pipe := db.redis.Pipeline()
	pipe.Del(ctx, staging)
	batched := 0
	for _, hostname := range domains {
		pipe.SAdd(ctx, staging, hostname)
		batched++
		if batched >= db.opts.BatchSize {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("store cert polska batch: %w", err)
			}
			pipe = db.redis.Pipeline()
			batched = 0
		}
	}
	pipe.Rename(ctx, staging, certPlKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cert polska batch: %w", err)
	}

	db.logger.Info("cert polska feed refreshed",
		"entries", len(domains),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (db *LocalThreatDB) fetchDomainFeed(ctx context.Context, feedURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "link-scanner-bot/1.0")

	resp, err := db.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	return ParseDomainFeed(string(body)), nil
}

func (db *LocalThreatDB) fetchFeed(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, db.opts.FeedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "link-scanner-bot/1.0")

	resp, err := db.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	return ParseFeed(string(body)), nil
}

// ParseDomainFeed extracts the hostname lines from a plaintext feed body.
func ParseDomainFeed(body string) []string {
	var domains []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") || strings.Contains(line, "/") {
			continue
		}
		domains = append(domains, line)
	}
	return domains
}

// ParseFeed extracts the URL lines from a plaintext feed body.
func ParseFeed(body string) []string {
	var urls []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "http") {
			continue
		}
		urls = append(urls, line)
	}
	return urls
}

// Check returns the local score contribution for a URL. It never returns an
// error: any store failure yields a zero contribution.
func (db *LocalThreatDB) Check(ctx context.Context, rawURL, urlHash string) Result {
	if urlHash == "" {
		urlHash = urlx.Hash(rawURL)
	}

	exists, err := db.redis.Exists(ctx, feedKeyPrefix+urlHash).Result()
	if err != nil {
		db.logger.Warn("threat feed lookup failed", "error", err)
		return Result{}
	}
	if exists > 0 {
		return Result{
			Score:     db.opts.FeedWeight,
			Reasons:   []string{"Exact match in threat feed"},
			MatchType: "exact",
			FeedMatch: true,
		}
	}

	if hostname := hostnameOf(rawURL); hostname != "" {
		listed, err := db.redis.SIsMember(ctx, certPlKey, hostname).Result()
		if err == nil && listed {
			return Result{
				Score:     db.opts.FeedWeight,
				Reasons:   []string{fmt.Sprintf("Domain %s listed as dangerous by CERT Polska", hostname)},
				MatchType: "certpl",
				CertPl:    true,
			}
		}

		count, err := db.redis.SCard(ctx, domainKeyPrefix+hostname).Result()
		if err == nil && count > 0 {
			return Result{
				Score: db.opts.DomainWeight,
				Reasons: []string{
					fmt.Sprintf("Domain %s found in threat feed (%d entries)", hostname, count),
				},
				MatchType: "domain",
			}
		}
	}

	raw, err := db.redis.Get(ctx, collabKeyPrefix+urlHash).Result()
	if err != nil {
		return Result{}
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil || score <= db.opts.CollabThreshold {
		return Result{Collab: score}
	}
	contribution := score
	if contribution > db.opts.CollabCap {
		contribution = db.opts.CollabCap
	}
	return Result{
		Score:     contribution,
		Reasons:   []string{"Repeatedly reported by earlier scans"},
		MatchType: "collaborative",
		Collab:    score,
	}
}

// RecordVerdict feeds a scan outcome back into the collaborative store.
// Benign verdicts are skipped so the store accumulates only positive
// evidence, and a lower score never overwrites a higher one.
func (db *LocalThreatDB) RecordVerdict(ctx context.Context, rawURL string, verdict domain.RiskLevel, confidence float64) error {
	weight := CollabWeight(verdict, confidence)
	if weight <= 0 {
		return nil
	}

	key := collabKeyPrefix + urlx.Hash(rawURL)
	current, err := db.redis.Get(ctx, key).Result()
	if err == nil {
		if existing, perr := strconv.ParseFloat(current, 64); perr == nil && existing >= weight {
			// Keep the stronger prior evidence, just extend its lifetime.
			return db.redis.Expire(ctx, key, db.opts.CollabTTL).Err()
		}
	} else if err != redis.Nil {
		return fmt.Errorf("collaborative store read: %w", err)
	}
	return db.redis.Set(ctx, key, strconv.FormatFloat(weight, 'f', -1, 64), db.opts.CollabTTL).Err()
}

// CollabWeight maps a verdict to its collaborative-store weight. Benign
// verdicts carry no weight.
func CollabWeight(verdict domain.RiskLevel, confidence float64) float64 {
	switch verdict {
	case domain.LevelMalicious:
		return confidence
	case domain.LevelSuspicious:
		return confidence * 0.5
	default:
		return 0
	}
}

func hostnameOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
