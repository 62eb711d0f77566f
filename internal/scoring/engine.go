package scoring

import (
	"fmt"
	"strings"

	"github.com/safemode/link-scanner/internal/domain"
)

// Verdict bands. Dirtier verdicts expire faster so a compromised site that
// gets cleaned up is re-checked sooner.
const (
	benignTTL     = 86400
	suspiciousTTL = 3600
	maliciousTTL  = 900

	// Overrides are admin decisions; they stay cached for a full day
	// regardless of direction.
	overrideTTL = 86400

	maxScore = 15
)

// gsbMaliciousTypes are the Safe Browsing threat types that carry the full
// blocklist weight.
var gsbMaliciousTypes = map[string]struct{}{
	"MALWARE":                         {},
	"SOCIAL_ENGINEERING":              {},
	"UNWANTED_SOFTWARE":               {},
	"MALICIOUS_BINARY":                {},
	"POTENTIALLY_HARMFUL_APPLICATION": {},
}

// Score converts collected signals into a risk verdict. It is pure and
// deterministic: same signals, same verdict. Signals only ever add risk;
// nothing subtracts.
func Score(signals domain.Signals) domain.RiskVerdict {
	if override := signals.ManualOverride; override != nil {
		switch override.Status {
		case domain.OverrideAllow:
			return domain.RiskVerdict{
				Score:    0,
				Level:    domain.LevelBenign,
				Reasons:  []string{"Manually allowed"},
				CacheTTL: overrideTTL,
			}
		case domain.OverrideDeny:
			return domain.RiskVerdict{
				Score:    maxScore,
				Level:    domain.LevelMalicious,
				Reasons:  []string{"Manually blocked"},
				CacheTTL: overrideTTL,
			}
		}
	}

	score := 0
	var reasons []string

	score = scoreBlocklists(signals, score, &reasons)
	score = scoreVirusTotal(signals, score, &reasons)
	score = scoreDomainAge(signals, score, &reasons)
	score = scoreHomoglyph(signals, score, &reasons)
	score = scoreHeuristics(signals, score, &reasons)

	if signals.HeuristicsOnly {
		pushReason(&reasons, "Heuristics-only scan (external providers unavailable)")
	}

	final := score
	if final > maxScore {
		final = maxScore
	}
	if final < 0 {
		final = 0
	}
	// A soft feed listing alone must not push a URL into the malicious band.
	if signals.SuspiciousDomainListed && !hasHardBlocklistHit(signals) && final > 7 {
		final = 7
	}

	level, ttl := band(final)
	return domain.RiskVerdict{
		Score:    final,
		Level:    level,
		Reasons:  reasons,
		CacheTTL: ttl,
	}
}

func scoreBlocklists(signals domain.Signals, score int, reasons *[]string) int {
	for _, threatType := range signals.GsbThreatTypes {
		if _, malicious := gsbMaliciousTypes[threatType]; malicious {
			score += 10
			pushReason(reasons, "Google Safe Browsing: "+strings.Join(signals.GsbThreatTypes, ", "))
			break
		}
	}
	if signals.PhishtankVerified {
		score += 10
		pushReason(reasons, "Verified phishing (Phishtank)")
	}
	if signals.CertPlListed {
		score += 10
		pushReason(reasons, "Listed as dangerous (CERT Polska)")
	}
	if signals.OpenphishListed {
		score += 10
		pushReason(reasons, "Known phishing (OpenPhish)")
	}
	if signals.UrlhausListed {
		score += 10
		pushReason(reasons, "Known malware distribution (URLhaus)")
	}
	return score
}

func scoreVirusTotal(signals domain.Signals, score int, reasons *[]string) int {
	malicious := 0
	if signals.VtMalicious != nil {
		malicious = *signals.VtMalicious
	}
	switch {
	case malicious >= 3:
		score += 8
		pushReason(reasons, fmt.Sprintf("%d VT engines flagged malicious", malicious))
	case malicious >= 1:
		score += 5
		pushReason(reasons, fmt.Sprintf("%d VT engine flagged malicious", malicious))
	}
	return score
}

func scoreDomainAge(signals domain.Signals, score int, reasons *[]string) int {
	if signals.DomainAgeDays == nil {
		return score
	}
	age := *signals.DomainAgeDays
	switch {
	case age < 7:
		score += 6
		pushReason(reasons, fmt.Sprintf("Domain registered %d days ago (<7)", age))
	case age < 14:
		score += 4
		pushReason(reasons, fmt.Sprintf("Domain registered %d days ago (<14)", age))
	case age < 30:
		score += 2
		pushReason(reasons, fmt.Sprintf("Domain registered %d days ago (<30)", age))
	}
	return score
}

func scoreHomoglyph(signals domain.Signals, score int, reasons *[]string) int {
	homoglyph := signals.Homoglyph
	if homoglyph == nil || !homoglyph.Detected {
		return score
	}

	var pairs []string
	for _, c := range homoglyph.ConfusableChars {
		pairs = append(pairs, c.Original+"→"+c.ConfusedWith)
	}
	characterPairs := strings.Join(pairs, ", ")

	switch homoglyph.RiskLevel {
	case domain.HomoglyphHigh:
		score += 5
		pushReason(reasons, withPairs("High-risk homoglyph attack detected", characterPairs))
	case domain.HomoglyphMedium:
		score += 3
		pushReason(reasons, withPairs("Suspicious homoglyph characters detected", characterPairs))
	default:
		score += 1
		base := "Internationalized hostname detected"
		if homoglyph.IsPunycode {
			base = "Punycode/IDN hostname detected"
		}
		pushReason(reasons, withPairs(base, characterPairs))
	}

	for _, reason := range homoglyph.RiskReasons {
		if strings.HasPrefix(reason, "Confusable character") {
			continue
		}
		pushReason(reasons, reason)
	}
	return score
}

func scoreHeuristics(signals domain.Signals, score int, reasons *[]string) int {
	if signals.IsIPLiteral {
		score += 3
		pushReason(reasons, "URL uses IP address")
	}
	if signals.HasSuspiciousTld {
		score += 2
		pushReason(reasons, "Suspicious TLD")
	}
	if signals.RedirectCount >= 3 {
		score += 2
		pushReason(reasons, fmt.Sprintf("Multiple redirects (%d)", signals.RedirectCount))
	}
	if signals.HasUncommonPort {
		score += 2
		pushReason(reasons, "Uncommon port")
	}
	if signals.URLLength > 200 {
		score += 2
		pushReason(reasons, fmt.Sprintf("Long URL (%d chars)", signals.URLLength))
	}
	if signals.HasExecutableExtension {
		score += 1
		pushReason(reasons, "Executable file extension")
	}
	if signals.WasShortened {
		score += 1
		pushReason(reasons, "Shortened URL expanded")
	}
	if signals.HasUserInfo {
		score += 6
		pushReason(reasons, "URL contains embedded credentials")
	}
	if signals.SuspiciousDomainListed {
		score += 5
		pushReason(reasons, "Domain listed in suspicious activity feed")
	}
	if signals.TypoSquatTarget != "" {
		score += 5
		reason := "Possible typosquat of " + signals.TypoSquatTarget
		if signals.TypoSquatMethod != "" {
			reason += " (" + signals.TypoSquatMethod + ")"
		}
		pushReason(reasons, reason)
	}
	if signals.FinalURLMismatch {
		score += 2
		pushReason(reasons, "Redirect leads to mismatched domain/brand")
	}
	return score
}

// hasHardBlocklistHit reports whether any authoritative provider flagged the
// URL, as opposed to soft heuristics and community feeds.
func hasHardBlocklistHit(signals domain.Signals) bool {
	if len(signals.GsbThreatTypes) > 0 {
		return true
	}
	if signals.PhishtankVerified || signals.OpenphishListed || signals.UrlhausListed || signals.CertPlListed {
		return true
	}
	return signals.VtMalicious != nil && *signals.VtMalicious >= 1
}

func band(score int) (domain.RiskLevel, int) {
	switch {
	case score <= 3:
		return domain.LevelBenign, benignTTL
	case score <= 7:
		return domain.LevelSuspicious, suspiciousTTL
	default:
		return domain.LevelMalicious, maliciousTTL
	}
}

func pushReason(reasons *[]string, reason string) {
	if reason == "" {
		return
	}
	for _, existing := range *reasons {
		if existing == reason {
			return
		}
	}
	*reasons = append(*reasons, reason)
}

func withPairs(base, pairs string) string {
	if pairs == "" {
		return base
	}
	return base + " (" + pairs + ")"
}
