package homoglyph

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/safemode/link-scanner/internal/domain"
)

// brandSimilarityThreshold is the normalized Levenshtein similarity above
// which a skeleton is considered an impersonation of a known brand.
const brandSimilarityThreshold = 0.88

var scriptRanges = []struct {
	name  string
	table *unicode.RangeTable
}{
	{"Latin", unicode.Latin},
	{"Greek", unicode.Greek},
	{"Cyrillic", unicode.Cyrillic},
	{"Armenian", unicode.Armenian},
	{"Hebrew", unicode.Hebrew},
	{"Arabic", unicode.Arabic},
	{"Devanagari", unicode.Devanagari},
	{"Thai", unicode.Thai},
	{"Hangul", unicode.Hangul},
	{"Han", unicode.Han},
	{"Katakana", unicode.Katakana},
	{"Hiragana", unicode.Hiragana},
}

// Analyze inspects a hostname for punycode labels, confusable characters,
// script mixing and brand impersonation. It never returns an error: a
// hostname that cannot be decoded is reported on its raw form.
func Analyze(hostname string) domain.HomoglyphResult {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	unicodeHost, isPunycode := decodePunycode(hostname)

	var (
		confusableChars []domain.ConfusableChar
		skeleton        strings.Builder
		scripts         = map[string]struct{}{}
	)
	for i, r := range []rune(unicodeHost) {
		if r == '.' || r == '-' || unicode.IsDigit(r) {
			skeleton.WriteRune(r)
			continue
		}
		if s := classifyScript(r); s != "" && s != "Common" {
			scripts[s] = struct{}{}
		}
		if alts := confusableAlternatives(r); len(alts) > 0 {
			confusableChars = append(confusableChars, domain.ConfusableChar{
				Original:     string(r),
				ConfusedWith: alts[0],
				Position:     i,
				Script:       classifyScript(r),
				Alternatives: alts,
			})
			skeleton.WriteString(alts[0])
			continue
		}
		skeleton.WriteRune(r)
	}

	mixedScript := len(scripts) > 1
	detected := isPunycode || mixedScript || len(confusableChars) > 0
	if !detected {
		return domain.HomoglyphResult{
			UnicodeHostname:  unicodeHost,
			NormalizedDomain: skeleton.String(),
			RiskLevel:        domain.HomoglyphNone,
		}
	}

	risk := domain.HomoglyphNone
	var reasons []string
	if isPunycode {
		risk = maxRisk(risk, domain.HomoglyphLow)
	}
	if mixedScript {
		risk = maxRisk(risk, domain.HomoglyphMedium)
		reasons = append(reasons, "Mixed scripts detected")
	}
	if len(confusableChars) > 0 {
		risk = maxRisk(risk, domain.HomoglyphMedium)
	}
	if len(confusableChars) >= 2 ||
		(len(confusableChars) > 0 && mixedScript) ||
		(len(confusableChars) > 0 && isPunycode) {
		risk = maxRisk(risk, domain.HomoglyphHigh)
	}
	if brand := matchBrand(unicodeHost, skeleton.String()); brand != "" {
		risk = domain.HomoglyphHigh
		reasons = append(reasons, fmt.Sprintf("Visually similar to brand %q", brand))
	}

	return domain.HomoglyphResult{
		Detected:         true,
		IsPunycode:       isPunycode,
		MixedScript:      mixedScript,
		UnicodeHostname:  unicodeHost,
		NormalizedDomain: skeleton.String(),
		ConfusableChars:  confusableChars,
		RiskLevel:        risk,
		RiskReasons:      reasons,
	}
}

// decodePunycode converts xn-- labels to their Unicode form. A label that
// fails to decode is kept verbatim but still flags the hostname.
func decodePunycode(hostname string) (string, bool) {
	if !strings.Contains(hostname, "xn--") {
		return hostname, false
	}
	labels := strings.Split(hostname, ".")
	for i, label := range labels {
		if !strings.HasPrefix(label, "xn--") {
			continue
		}
		if decoded, err := idna.ToUnicode(label); err == nil {
			labels[i] = decoded
		}
	}
	return strings.Join(labels, "."), true
}

func classifyScript(r rune) string {
	if r < 0x80 {
		if unicode.IsLetter(r) {
			return "Latin"
		}
		return "Common"
	}
	for _, s := range scriptRanges {
		if unicode.Is(s.table, r) {
			return s.name
		}
	}
	return "Common"
}

// matchBrand compares the skeleton of the registrable label against known
// brands. Exact matches of the real label are legitimate and never flagged.
func matchBrand(unicodeHost, skeleton string) string {
	label := firstLabel(unicodeHost)
	skelLabel := firstLabel(skeleton)
	for _, brand := range brandNames {
		if label == brand {
			continue
		}
		if similarity(skelLabel, brand) > brandSimilarityThreshold {
			return brand
		}
	}
	return ""
}

func firstLabel(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

func similarity(a, b string) float64 {
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 1
	}
	return float64(longer-levenshtein(a, b)) / float64(longer)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxRisk(a, b domain.HomoglyphRisk) domain.HomoglyphRisk {
	rank := map[domain.HomoglyphRisk]int{
		domain.HomoglyphNone:   0,
		domain.HomoglyphLow:    1,
		domain.HomoglyphMedium: 2,
		domain.HomoglyphHigh:   3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
