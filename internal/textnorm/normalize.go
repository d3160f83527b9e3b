// Package textnorm normalizes names, addresses, and free text for matching.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// businessSuffixes are trailing words dropped from names before comparison.
var businessSuffixes = []string{
	" ltd", " limited", " llp", " plc", " cic", " uk", " co",
}

var (
	multiSpaceRe = regexp.MustCompile(`\s+`)
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s£$€.:-]+`)
	tagRe        = regexp.MustCompile(`<[^>]*>`)
)

// Fold lowercases s and strips diacritics ("Café" -> "cafe").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Name standardizes an entity name for matching by:
//  1. Folding case and diacritics
//  2. Replacing "&" with "and" and dropping apostrophes
//  3. Stripping punctuation and hyphens
//  4. Removing common business suffixes (Ltd, Limited, CIC, etc.)
//  5. Collapsing whitespace
func Name(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = Fold(name)
	name = strings.NewReplacer(
		"&", " and ",
		"'", "",
		"’", "",
		"-", " ",
		"/", " ",
	).Replace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, name)
	name = collapse(name)

	for _, suffix := range businessSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	return collapse(name)
}

// Tokens splits a normalized name into distinct words, preserving first-seen order.
func Tokens(normalized string) []string {
	fields := strings.Fields(normalized)
	seen := make(map[string]bool, len(fields))
	out := fields[:0:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Place folds a locality or address fragment and treats hyphens as spaces, so
// "Stoke-on-Trent" and "stoke on trent" compare equal.
func Place(s string) string {
	s = Fold(s)
	s = strings.NewReplacer("-", " ", ",", " ", ".", " ").Replace(s)
	return collapse(s)
}

// Text prepares free text for pattern extraction: HTML tags removed, case and diacritics
// folded, stray symbols dropped, whitespace collapsed. Currency signs, decimal points,
// colons, and hyphens survive since prices and times depend on them.
func Text(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&pound;", "£", " ", " ", "–", "-", "—", "-").Replace(s)
	s = Fold(s)
	s = nonWordRe.ReplaceAllStringFunc(s, func(m string) string {
		// Keep clause boundaries that the pricing context window relies on.
		if strings.ContainsAny(m, ",;|/") {
			return strings.Map(func(r rune) rune {
				if strings.ContainsRune(",;|/", r) {
					return r
				}
				return ' '
			}, m)
		}
		return " "
	})
	return collapse(s)
}

func collapse(s string) string {
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(s, " "))
}
