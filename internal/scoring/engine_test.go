package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safemode/link-scanner/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestScoreEmptySignals(t *testing.T) {
	verdict := Score(domain.Signals{})

	assert.Equal(t, 0, verdict.Score)
	assert.Equal(t, domain.LevelBenign, verdict.Level)
	assert.Equal(t, 86400, verdict.CacheTTL)
	assert.Empty(t, verdict.Reasons)
}

func TestScoreManualOverrideIsAbsolute(t *testing.T) {
	// The override wins even with every malicious signal present.
	loaded := domain.Signals{
		GsbThreatTypes:    []string{"MALWARE"},
		PhishtankVerified: true,
		UrlhausListed:     true,
		VtMalicious:       intPtr(20),
		IsIPLiteral:       true,
	}

	loaded.ManualOverride = &domain.ManualOverride{Status: domain.OverrideAllow}
	allow := Score(loaded)
	assert.Equal(t, 0, allow.Score)
	assert.Equal(t, domain.LevelBenign, allow.Level)
	assert.Equal(t, 86400, allow.CacheTTL)
	assert.Equal(t, []string{"Manually allowed"}, allow.Reasons)

	loaded.ManualOverride = &domain.ManualOverride{Status: domain.OverrideDeny}
	deny := Score(loaded)
	assert.Equal(t, 15, deny.Score)
	assert.Equal(t, domain.LevelMalicious, deny.Level)
	assert.Equal(t, 86400, deny.CacheTTL)
	assert.Equal(t, []string{"Manually blocked"}, deny.Reasons)
}

func TestScoreBlocklistWeights(t *testing.T) {
	tests := []struct {
		name    string
		signals domain.Signals
		score   int
		reason  string
	}{
		{
			name:    "gsb malware",
			signals: domain.Signals{GsbThreatTypes: []string{"MALWARE"}},
			score:   10,
			reason:  "Google Safe Browsing: MALWARE",
		},
		{
			name:    "gsb non-malicious type only",
			signals: domain.Signals{GsbThreatTypes: []string{"THREAT_TYPE_UNSPECIFIED"}},
			score:   0,
		},
		{
			name:    "verified phishtank",
			signals: domain.Signals{PhishtankVerified: true},
			score:   10,
			reason:  "Verified phishing (Phishtank)",
		},
		{
			name:    "openphish",
			signals: domain.Signals{OpenphishListed: true},
			score:   10,
			reason:  "Known phishing (OpenPhish)",
		},
		{
			name:    "urlhaus",
			signals: domain.Signals{UrlhausListed: true},
			score:   10,
			reason:  "Known malware distribution (URLhaus)",
		},
		{
			name:    "cert polska",
			signals: domain.Signals{CertPlListed: true},
			score:   10,
			reason:  "Listed as dangerous (CERT Polska)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Score(tt.signals)
			assert.Equal(t, tt.score, verdict.Score)
			if tt.reason != "" {
				assert.Contains(t, verdict.Reasons, tt.reason)
			}
		})
	}
}

func TestScoreVirusTotalThresholds(t *testing.T) {
	tests := []struct {
		malicious *int
		score     int
		reason    string
	}{
		{malicious: nil, score: 0},
		{malicious: intPtr(0), score: 0},
		{malicious: intPtr(1), score: 5, reason: "1 VT engine flagged malicious"},
		{malicious: intPtr(2), score: 5, reason: "2 VT engine flagged malicious"},
		{malicious: intPtr(3), score: 8, reason: "3 VT engines flagged malicious"},
		{malicious: intPtr(12), score: 8, reason: "12 VT engines flagged malicious"},
	}
	for _, tt := range tests {
		verdict := Score(domain.Signals{VtMalicious: tt.malicious})
		assert.Equal(t, tt.score, verdict.Score)
		if tt.reason != "" {
			assert.Contains(t, verdict.Reasons, tt.reason)
		}
	}
}

func TestScoreDomainAgeBuckets(t *testing.T) {
	tests := []struct {
		age   int
		score int
	}{
		{age: 0, score: 6},
		{age: 6, score: 6},
		{age: 7, score: 4},
		{age: 13, score: 4},
		{age: 14, score: 2},
		{age: 29, score: 2},
		{age: 30, score: 0},
		{age: 365, score: 0},
	}
	for _, tt := range tests {
		verdict := Score(domain.Signals{DomainAgeDays: intPtr(tt.age)})
		assert.Equal(t, tt.score, verdict.Score, "age %d", tt.age)
	}

	// An unknown age contributes nothing, unlike age zero.
	assert.Equal(t, 0, Score(domain.Signals{}).Score)
}

func TestScoreHomoglyphLevels(t *testing.T) {
	high := Score(domain.Signals{Homoglyph: &domain.HomoglyphResult{
		Detected:  true,
		RiskLevel: domain.HomoglyphHigh,
		ConfusableChars: []domain.ConfusableChar{
			{Original: "а", ConfusedWith: "a"},
		},
		RiskReasons: []string{"Mixed scripts detected"},
	}})
	assert.Equal(t, 5, high.Score)
	assert.Contains(t, high.Reasons, "High-risk homoglyph attack detected (а→a)")
	assert.Contains(t, high.Reasons, "Mixed scripts detected")

	medium := Score(domain.Signals{Homoglyph: &domain.HomoglyphResult{
		Detected:  true,
		RiskLevel: domain.HomoglyphMedium,
	}})
	assert.Equal(t, 3, medium.Score)
	assert.Contains(t, medium.Reasons, "Suspicious homoglyph characters detected")

	punycode := Score(domain.Signals{Homoglyph: &domain.HomoglyphResult{
		Detected:   true,
		IsPunycode: true,
		RiskLevel:  domain.HomoglyphLow,
	}})
	assert.Equal(t, 1, punycode.Score)
	assert.Contains(t, punycode.Reasons, "Punycode/IDN hostname detected")

	undetected := Score(domain.Signals{Homoglyph: &domain.HomoglyphResult{}})
	assert.Equal(t, 0, undetected.Score)
}

func TestScoreHeuristicBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		signals domain.Signals
		score   int
	}{
		{name: "two redirects", signals: domain.Signals{RedirectCount: 2}, score: 0},
		{name: "three redirects", signals: domain.Signals{RedirectCount: 3}, score: 2},
		{name: "four redirects", signals: domain.Signals{RedirectCount: 4}, score: 2},
		{name: "length 200", signals: domain.Signals{URLLength: 200}, score: 0},
		{name: "length 201", signals: domain.Signals{URLLength: 201}, score: 2},
		{name: "ip literal", signals: domain.Signals{IsIPLiteral: true}, score: 3},
		{name: "suspicious tld", signals: domain.Signals{HasSuspiciousTld: true}, score: 2},
		{name: "uncommon port", signals: domain.Signals{HasUncommonPort: true}, score: 2},
		{name: "executable extension", signals: domain.Signals{HasExecutableExtension: true}, score: 1},
		{name: "was shortened", signals: domain.Signals{WasShortened: true}, score: 1},
		{name: "embedded credentials", signals: domain.Signals{HasUserInfo: true}, score: 6},
		{name: "final url mismatch", signals: domain.Signals{FinalURLMismatch: true}, score: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.score, Score(tt.signals).Score)
		})
	}
}

func TestScoreCapsAtFifteen(t *testing.T) {
	verdict := Score(domain.Signals{
		GsbThreatTypes:    []string{"MALWARE", "SOCIAL_ENGINEERING"},
		PhishtankVerified: true,
		UrlhausListed:     true,
		VtMalicious:       intPtr(10),
		DomainAgeDays:     intPtr(2),
		IsIPLiteral:       true,
	})

	assert.Equal(t, 15, verdict.Score)
	assert.Equal(t, domain.LevelMalicious, verdict.Level)
	assert.Equal(t, 900, verdict.CacheTTL)
}

func TestScoreBands(t *testing.T) {
	tests := []struct {
		signals domain.Signals
		level   domain.RiskLevel
		ttl     int
	}{
		{signals: domain.Signals{IsIPLiteral: true}, level: domain.LevelBenign, ttl: 86400},                          // 3
		{signals: domain.Signals{IsIPLiteral: true, WasShortened: true}, level: domain.LevelSuspicious, ttl: 3600},   // 4
		{signals: domain.Signals{IsIPLiteral: true, HasUncommonPort: true, HasSuspiciousTld: true}, level: domain.LevelSuspicious, ttl: 3600}, // 7
		{signals: domain.Signals{VtMalicious: intPtr(5)}, level: domain.LevelMalicious, ttl: 900},                    // 8
	}
	for _, tt := range tests {
		verdict := Score(tt.signals)
		assert.Equal(t, tt.level, verdict.Level)
		assert.Equal(t, tt.ttl, verdict.CacheTTL)
	}
}

func TestScoreSuspiciousFeedSoftCap(t *testing.T) {
	// A community feed listing plus heuristics alone stays out of the
	// malicious band.
	soft := Score(domain.Signals{
		SuspiciousDomainListed: true,
		HasUserInfo:            true,
	})
	assert.Equal(t, 7, soft.Score)
	assert.Equal(t, domain.LevelSuspicious, soft.Level)

	// With a hard blocklist hit the cap does not apply.
	hard := Score(domain.Signals{
		SuspiciousDomainListed: true,
		UrlhausListed:          true,
	})
	assert.Equal(t, 15, hard.Score)
	assert.Equal(t, domain.LevelMalicious, hard.Level)

	// A CERT Polska listing counts as a hard hit too.
	certPl := Score(domain.Signals{
		SuspiciousDomainListed: true,
		CertPlListed:           true,
	})
	assert.Equal(t, 15, certPl.Score)
	assert.Equal(t, domain.LevelMalicious, certPl.Level)
}

func TestScoreTypoSquat(t *testing.T) {
	withMethod := Score(domain.Signals{
		TypoSquatTarget: "google.com",
		TypoSquatMethod: "missing-char",
	})
	assert.Equal(t, 5, withMethod.Score)
	assert.Equal(t, domain.LevelSuspicious, withMethod.Level)
	assert.Contains(t, withMethod.Reasons, "Possible typosquat of google.com (missing-char)")

	withoutMethod := Score(domain.Signals{TypoSquatTarget: "paypal.com"})
	assert.Equal(t, 5, withoutMethod.Score)
	assert.Contains(t, withoutMethod.Reasons, "Possible typosquat of paypal.com")
}

func TestScoreHeuristicsOnlyFlagAddsReasonOnly(t *testing.T) {
	base := Score(domain.Signals{IsIPLiteral: true})
	flagged := Score(domain.Signals{IsIPLiteral: true, HeuristicsOnly: true})

	assert.Equal(t, base.Score, flagged.Score)
	assert.Equal(t, base.Level, flagged.Level)
	assert.Contains(t, flagged.Reasons, "Heuristics-only scan (external providers unavailable)")
	assert.NotContains(t, base.Reasons, "Heuristics-only scan (external providers unavailable)")
}

func TestScoreReasonsDeduplicated(t *testing.T) {
	verdict := Score(domain.Signals{
		Homoglyph: &domain.HomoglyphResult{
			Detected:    true,
			RiskLevel:   domain.HomoglyphMedium,
			RiskReasons: []string{"Mixed scripts detected", "Mixed scripts detected"},
		},
	})

	seen := map[string]int{}
	for _, reason := range verdict.Reasons {
		seen[reason]++
	}
	for reason, count := range seen {
		assert.Equal(t, 1, count, reason)
	}
}

func TestScoreMonotonicAccumulation(t *testing.T) {
	weak := Score(domain.Signals{WasShortened: true})
	stronger := Score(domain.Signals{WasShortened: true, IsIPLiteral: true})
	strongest := Score(domain.Signals{WasShortened: true, IsIPLiteral: true, UrlhausListed: true})

	require.Less(t, weak.Score, stronger.Score)
	require.Less(t, stronger.Score, strongest.Score)
}

func TestScoreMaliciousEndToEnd(t *testing.T) {
	verdict := Score(domain.Signals{
		GsbThreatTypes: []string{"SOCIAL_ENGINEERING"},
		VtMalicious:    intPtr(4),
		DomainAgeDays:  intPtr(3),
		WasShortened:   true,
		RedirectCount:  3,
	})

	assert.Equal(t, 15, verdict.Score)
	assert.Equal(t, domain.LevelMalicious, verdict.Level)
	assert.Equal(t, 900, verdict.CacheTTL)
	assert.Contains(t, verdict.Reasons, "Google Safe Browsing: SOCIAL_ENGINEERING")
	assert.Contains(t, verdict.Reasons, "4 VT engines flagged malicious")
	assert.Contains(t, verdict.Reasons, "Domain registered 3 days ago (<7)")
	assert.Contains(t, verdict.Reasons, "Shortened URL expanded")
	assert.Contains(t, verdict.Reasons, "Multiple redirects (3)")
}
