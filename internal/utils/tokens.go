package utils

import (
	"strings"
	"unicode"
)

// stopwords are dropped before comparing feedback text with file paths.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "but": true, "not": true, "was": true, "were": true,
	"are": true, "has": true, "have": true, "had": true, "can": true, "could": true,
	"would": true, "should": true, "what": true, "which": true, "when": true,
	"there": true, "their": true, "then": true, "than": true, "tried": true,
	"needed": true, "need": true, "want": true, "wanted": true, "any": true,
	"all": true, "some": true, "only": true, "also": true, "its": true, "you": true,
}

// Tokenize lower-cases s and splits it on anything that is not a letter or a
// digit. camelCase boundaries are split too, so "getCosts" yields "get" and
// "costs". Tokens shorter than three runes and stopwords are dropped.
func Tokenize(s string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) >= 3 {
			tok := string(cur)
			if !stopwords[tok] {
				tokens = append(tokens, tok)
			}
		}
		cur = cur[:0]
	}

	runes := []rune(s)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && unicode.IsLower(runes[i-1]) {
				flush()
			}
			cur = append(cur, unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// TokenSet returns the distinct tokens of all inputs.
func TokenSet(texts ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, text := range texts {
		for _, tok := range Tokenize(text) {
			set[tok] = struct{}{}
		}
	}
	return set
}

// Overlap counts the distinct tokens of candidate that appear in set. A token
// also matches when one is a prefix of the other and both are at least four
// runes long, so "filter" meets "filters".
func Overlap(set map[string]struct{}, candidate string) int {
	matched := make(map[string]struct{})
	for _, tok := range Tokenize(candidate) {
		if _, dup := matched[tok]; dup {
			continue
		}
		if _, ok := set[tok]; ok {
			matched[tok] = struct{}{}
			continue
		}
		if len(tok) < 4 {
			continue
		}
		for want := range set {
			if len(want) >= 4 && (strings.HasPrefix(want, tok) || strings.HasPrefix(tok, want)) {
				matched[tok] = struct{}{}
				break
			}
		}
	}
	return len(matched)
}
