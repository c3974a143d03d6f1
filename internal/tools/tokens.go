package tools

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	spaceMatcher    = regexp.MustCompile(`(?i)^(` + regexp.QuoteMeta(SPACE) + `)+$`)
	numeralMatcher  = regexp.MustCompile(`(?i)^([0-9])+$`)
	specialMatcher  = regexp.MustCompile(`(?i)^(` + strings.Join(SpecialCharset, "|") + `)+$`)
	latinMatcher    = regexp.MustCompile(`(?i)^(` + strings.Join(LatinCharset, "|") + `)+$`)
	whitespaceRegex = regexp.MustCompile(`\s`)
)

// MergeSimilarCharsetTokens merges consecutive tokens whose characters all
// match one of charPatterns, as long as matcher accepts one of the two.
// ['13', 'lo', '34', '56'] with [0-9] gives ['13', 'lo', '3456'].
func MergeSimilarCharsetTokens(tokens []string, charPatterns []string, matcher func(string) bool) []string {
	charMatcher := regexp.MustCompile(`(?i)^(` + strings.Join(charPatterns, "|") + `)+$`)
	return mergeWith(tokens, charMatcher, matcher)
}

func mergeWith(tokens []string, charMatcher *regexp.Regexp, matcher func(string) bool) []string {
	if matcher == nil {
		matcher = func(string) bool { return true }
	}
	merged := make([]string, 0, len(tokens))
	for _, next := range tokens {
		if n := len(merged); n > 0 {
			prev := merged[n-1]
			if charMatcher.MatchString(prev) && charMatcher.MatchString(next) && (matcher(prev) || matcher(next)) {
				merged[n-1] = prev + next
				continue
			}
		}
		merged = append(merged, next)
	}
	return merged
}

func splitSpaceToken(token string) []string {
	var out []string
	for _, part := range strings.SplitAfter(token, SPACE) {
		if part == "" {
			continue
		}
		if part != SPACE && strings.HasSuffix(part, SPACE) {
			out = append(out, strings.TrimSuffix(part, SPACE), SPACE)
			continue
		}
		out = append(out, part)
	}
	return out
}

// ProcessUtteranceTokens normalizes raw tokenizer output: spaces are split
// into their own tokens then merged, numerals, special characters and
// out-of-vocabulary latin chunks are glued back together.
func ProcessUtteranceTokens(tokens []string, vocab map[string]bool) []string {
	var split []string
	for _, t := range tokens {
		split = append(split, splitSpaceToken(t)...)
	}

	out := mergeWith(split, spaceMatcher, nil)
	out = mergeWith(out, numeralMatcher, nil)
	out = mergeWith(out, specialMatcher, nil)
	out = mergeWith(out, latinMatcher, func(t string) bool {
		return t != "" && !vocab[strings.ToLower(t)]
	})

	if len(out) > 0 && strings.HasPrefix(out[0], SPACE) {
		out = out[1:]
	}
	return out
}

// RestoreOriginalUtteranceCasing maps lower-cased tokens back onto the
// casing of the original utterance, by character offset.
func RestoreOriginalUtteranceCasing(tokens []string, utterance string) []string {
	runes := []rune(utterance)
	offset := 0
	out := make([]string, len(tokens))
	for i, t := range tokens {
		n := utf8.RuneCountInString(t)
		if IsSpace(t) || offset+n > len(runes) {
			out[i] = t
		} else {
			out[i] = string(runes[offset : offset+n])
		}
		offset += n
	}
	return out
}

// TokenizeLatinText mimics the language server tokenizer for latin text.
func TokenizeLatinText(text string) []string {
	return splitSpaceToken(whitespaceRegex.ReplaceAllString(text, SPACE))
}
