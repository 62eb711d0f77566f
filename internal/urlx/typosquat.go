package urlx

import "strings"

// defaultTypoSquatTargets is the head of the Majestic top-domains list,
// trimmed to brands that are actually typosquatted in the wild.
var defaultTypoSquatTargets = []string{
	"google.com",
	"youtube.com",
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"whatsapp.com",
	"wikipedia.org",
	"amazon.com",
	"apple.com",
	"microsoft.com",
	"linkedin.com",
	"netflix.com",
	"paypal.com",
	"ebay.com",
	"reddit.com",
	"github.com",
	"dropbox.com",
	"spotify.com",
	"tiktok.com",
	"telegram.org",
	"pinterest.com",
	"tumblr.com",
	"wordpress.org",
	"mozilla.org",
	"adobe.com",
	"cloudflare.com",
	"office.com",
	"outlook.com",
	"yahoo.com",
	"booking.com",
	"airbnb.com",
	"walmart.com",
	"samsung.com",
	"steampowered.com",
	"twitch.tv",
	"discord.com",
	"medium.com",
	"stackoverflow.com",
	"coinbase.com",
	"binance.com",
}

// TypoSquat names the well-known domain a hostname imitates and the single
// character edit separating them.
type TypoSquat struct {
	Target string
	Method string
}

// DetectTypoSquat reports whether hostname is one character edit away from a
// well-known domain. Exact matches and subdomains of a target are legitimate
// and never flagged. A nil targets slice selects the built-in list.
func DetectTypoSquat(hostname string, targets []string) (TypoSquat, bool) {
	if targets == nil {
		targets = defaultTypoSquatTargets
	}
	host := strings.TrimSuffix(strings.ToLower(hostname), ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || IsIPLiteral(host) {
		return TypoSquat{}, false
	}
	for _, candidate := range candidateDomains(host) {
		for _, target := range targets {
			if candidate == target {
				return TypoSquat{}, false
			}
		}
		for _, target := range targets {
			if method := editMethod(candidate, target); method != "" {
				return TypoSquat{Target: target, Method: method}, true
			}
		}
	}
	return TypoSquat{}, false
}

// candidateDomains yields the full hostname and its registrable tail so that
// login.gogle.com is caught as well as gogle.com itself.
func candidateDomains(host string) []string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return []string{host}
	}
	return []string{host, strings.Join(labels[len(labels)-2:], ".")}
}

// editMethod classifies the single edit turning target into host, or returns
// an empty string when they are further apart than that.
func editMethod(host, target string) string {
	switch len(host) - len(target) {
	case -1:
		if isOneDeletion(target, host) {
			return "missing-char"
		}
	case 1:
		if isOneDeletion(host, target) {
			return "extra-char"
		}
	case 0:
		first, last, diffs := -1, -1, 0
		for i := 0; i < len(host); i++ {
			if host[i] != target[i] {
				if first < 0 {
					first = i
				}
				last = i
				diffs++
			}
		}
		switch {
		case diffs == 1:
			return "replaced-char"
		case diffs == 2 && last == first+1 && host[first] == target[last] && host[last] == target[first]:
			return "swapped-char"
		}
	}
	return ""
}

// isOneDeletion reports whether short is long with exactly one character
// removed.
func isOneDeletion(long, short string) bool {
	i, skipped := 0, false
	for j := 0; j < len(long); j++ {
		if i < len(short) && long[j] == short[i] {
			i++
			continue
		}
		if skipped {
			return false
		}
		skipped = true
	}
	return i == len(short)
}
