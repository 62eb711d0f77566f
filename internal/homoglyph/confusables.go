package homoglyph

// confusables maps visually-deceptive characters to the ASCII characters
// they imitate. The first alternative is used when building the skeleton.
var confusables = map[rune][]string{
	// Cyrillic
	'а': {"a"}, 'А': {"A"},
	'е': {"e"}, 'Е': {"E"},
	'о': {"o"}, 'О': {"O"},
	'р': {"p"}, 'Р': {"P"},
	'с': {"c"}, 'С': {"C"},
	'х': {"x"}, 'Х': {"X"},
	'у': {"y"}, 'У': {"Y"},
	'к': {"k"}, 'К': {"K"},
	'м': {"m"}, 'М': {"M"},
	'т': {"t"}, 'Т': {"T"},
	'в': {"b"}, 'В': {"B"},
	'н': {"h"}, 'Н': {"H"},
	'ѕ': {"s"}, 'Ѕ': {"S"},
	'і': {"i"}, 'І': {"I"},
	'ј': {"j"}, 'Ј': {"J"},
	'ԁ': {"d"}, 'ԛ': {"q"}, 'ԝ': {"w"},
	// Greek
	'ο': {"o"}, 'Ο': {"O"},
	'α': {"a"}, 'Α': {"A"},
	'β': {"b"}, 'Β': {"B"},
	'ε': {"e"}, 'Ε': {"E"},
	'ι': {"i"}, 'Ι': {"I"},
	'κ': {"k"}, 'Κ': {"K"},
	'μ': {"m"}, 'Μ': {"M"},
	'ν': {"v"}, 'Ν': {"N"},
	'ρ': {"p"}, 'Ρ': {"P"},
	'τ': {"t"}, 'Τ': {"T"},
	'χ': {"x"}, 'Χ': {"X"},
	'υ': {"y"}, 'Υ': {"Y"},
	'η': {"n"}, 'Η': {"H"},
	// Armenian
	'ո': {"n"}, 'օ': {"o"}, 'ս': {"u"}, 'հ': {"h"},
	// Latin extensions
	'ı': {"i"}, 'ɩ': {"i"}, 'ℓ': {"l"},
}

// Brand names checked for skeleton impersonation.
var brandNames = []string{
	"google",
	"facebook",
	"paypal",
	"amazon",
	"microsoft",
	"apple",
	"netflix",
	"whatsapp",
}

// confusableAlternatives returns the ASCII candidates a character can be
// mistaken for, or nil when the character is not in the table.
func confusableAlternatives(r rune) []string {
	alts, ok := confusables[r]
	if !ok {
		return nil
	}
	out := make([]string, len(alts))
	copy(out, alts)
	return out
}
