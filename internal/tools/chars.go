package tools

import (
	"regexp"
	"strings"
)

// SPACE is the token-level space marker emitted by the language tokenizers.
const SPACE = "▁"

const latinChars = "0123456789" +
	"-" +
	"abcdefghijklmnopqrstuvwxyz" +
	"ÄäÀàÁáÂâÃãÅåǍǎĄąĂăÆæĀā" +
	"ÇçĆćĈĉČč" +
	"ĎđĐďð" +
	"ÈèÉéÊêËëĚěĘęĖėĒē" +
	"ĜĝĢģĞğ" +
	"Ĥĥ" +
	"ÌìÍíÎîÏïıĪīĮį" +
	"Ĵĵ" +
	"Ķķ" +
	"ĹĺĻļŁłĽľ" +
	"ÑñŃńŇňŅņ" +
	"ÖöÒòÓóÔôÕõŐőØøŒœ" +
	"ŔŕŘř" +
	"ẞßŚśŜŝŞşŠšȘș" +
	"ŤťŢţÞþȚț" +
	"ÜüÙùÚúÛûŰűŨũŲųŮůŪū" +
	"Ŵŵ" +
	"ÝýŸÿŶŷ" +
	"ŹźŽžŻż"

const specialChars = "¿÷≥≤µ˜∫√≈æ…¬˚˙©+-_!@#$%?&*()/\\[]{}:;<>=.,~`\"'"

// LatinCharset and SpecialCharset are regexp-quoted single characters,
// ready to be joined into an alternation.
var (
	LatinCharset   = quoteChars(latinChars)
	SpecialCharset = quoteChars(specialChars)
)

var specialRunes = func() map[rune]bool {
	set := make(map[rune]bool, len(specialChars))
	for _, r := range specialChars {
		set[r] = true
	}
	return set
}()

func quoteChars(chars string) []string {
	out := make([]string, 0, len(chars))
	for _, r := range chars {
		out = append(out, regexp.QuoteMeta(string(r)))
	}
	return out
}

// IsSpecialChar reports whether r belongs to the special charset.
func IsSpecialChar(r rune) bool {
	return specialRunes[r]
}

// IsWord reports whether str holds neither special characters nor spaces.
func IsWord(str string) bool {
	for _, r := range str {
		if specialRunes[r] {
			return false
		}
	}
	return !HasSpace(str)
}

// HasSpace reports whether any character of str is a space.
func HasSpace(str string) bool {
	for _, r := range str {
		if isSpaceRune(r) {
			return true
		}
	}
	return false
}

// IsSpace reports whether every character of str is a space.
func IsSpace(str string) bool {
	for _, r := range str {
		if !isSpaceRune(r) {
			return false
		}
	}
	return true
}

func isSpaceRune(r rune) bool {
	return r == '▁' || r == ' '
}

// ConvertToRealSpaces replaces SPACE markers with ' '.
func ConvertToRealSpaces(str string) string {
	return strings.ReplaceAll(str, SPACE, " ")
}
