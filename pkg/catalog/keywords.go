package catalog

import (
	"regexp"
	"sort"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Keywords derives the search keyword set of parts: lowercased, diacritics
// folded ("Übung" -> "ubung"), split on anything but [a-z0-9], tokens of at
// least two characters, deduplicated and sorted.
func Keywords(parts ...string) []string {
	lower := cases.Lower(language.Und)
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	seen := make(map[string]struct{})
	for _, p := range parts {
		if p == "" {
			continue
		}
		s, _, err := transform.String(fold, lower.String(p))
		if err != nil {
			continue
		}
		for _, tok := range tokenRe.FindAllString(s, -1) {
			if len(tok) >= 2 {
				seen[tok] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
