package search

import (
	"strings"
	"unicode"
)

// Tokenize lowercases text and emits search terms. Latin and digit runs
// become whole tokens; Chinese runs become character n-grams of length
// 2 and 3 (a lone Chinese character is kept as-is). Everything else is
// a delimiter. Duplicates are preserved so callers can count term
// frequency.
func Tokenize(text string) []string {
	var tokens []string
	var latin []rune
	var han []rune

	flushLatin := func() {
		if len(latin) > 0 {
			tokens = append(tokens, string(latin))
			latin = latin[:0]
		}
	}
	flushHan := func() {
		if len(han) > 0 {
			tokens = append(tokens, hanNGrams(han)...)
			han = han[:0]
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			latin = append(latin, r)
		default:
			flushLatin()
			flushHan()
		}
	}
	flushLatin()
	flushHan()
	return tokens
}

// hanNGrams returns the 2-grams and 3-grams of a Chinese character run.
func hanNGrams(run []rune) []string {
	if len(run) == 1 {
		return []string{string(run)}
	}
	var out []string
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(run); i++ {
			out = append(out, string(run[i:i+n]))
		}
	}
	return out
}

// termCounts folds tokens into a frequency map.
func termCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// uniqueTerms returns the distinct tokens in first-seen order.
func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
