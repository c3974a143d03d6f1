package tools

import (
	"regexp"
	"unicode/utf8"
)

// PatternMatch is one regexp hit, SourceIndex counted in characters of the
// original candidate.
type PatternMatch struct {
	Value       string
	SourceIndex int
}

// IsPatternValid reports whether pattern compiles and is not empty.
func IsPatternValid(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := regexp.Compile(pattern)
	return err == nil
}

// ExtractPattern extracts matches left to right. Every match is removed
// from the candidate before searching the next one.
func ExtractPattern(candidate string, pattern *regexp.Regexp) []PatternMatch {
	var extracted []PatternMatch
	padding := 0
	for {
		loc := pattern.FindStringIndex(candidate)
		if loc == nil {
			return extracted
		}
		value := candidate[loc[0]:loc[1]]
		extracted = append(extracted, PatternMatch{
			Value:       value,
			SourceIndex: utf8.RuneCountInString(candidate[:loc[0]]) + padding,
		})
		// an empty match would never consume anything
		if value == "" {
			return extracted
		}
		padding += utf8.RuneCountInString(value)
		candidate = candidate[:loc[0]] + candidate[loc[1]:]
	}
}
