package tools

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

var (
	consecutiveSpaces = regexp.MustCompile(`(\s)+`)
	sanitizeChars     = regexp.MustCompile(`[&/\\#,+()$!^~%.'":*?<>{}▁]`)
)

// NGram splits value into all its n-grams, last first.
func NGram(value string, n int) []string {
	runes := []rune(value)
	var grams []string
	for i := len(runes) - n; i >= 0; i-- {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

// VocabNGram returns the unique 1-grams and 2-grams of the vocabulary,
// ignoring single character tokens.
func VocabNGram(tokens []string) []string {
	seen := make(map[string]bool)
	var gramset []string
	for _, t := range tokens {
		plain := strings.Replace(t, SPACE, "", 1)
		if len([]rune(plain)) <= 1 {
			continue
		}
		for _, g := range append(NGram(plain, 1), NGram(plain, 2)...) {
			if !seen[g] {
				seen[g] = true
				gramset = append(gramset, g)
			}
		}
	}
	return gramset
}

// SetSimilarity returns the overlap ratio of two string sets.
func SetSimilarity(a, b []string) float64 {
	inB := make(map[string]bool, len(b))
	for _, x := range b {
		inB[x] = true
	}
	common := 0
	counted := make(map[string]bool, len(a))
	for _, x := range a {
		if inB[x] && !counted[x] {
			counted[x] = true
			common++
		}
	}
	return float64(common) / float64(len(a)+len(b)-common)
}

// Levenshtein returns the number of edits needed to go from a to b.
func Levenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	an, bn := len(ar), len(br)
	if an == 0 {
		return bn
	}
	if bn == 0 {
		return an
	}

	prev := make([]int, an+1)
	curr := make([]int, an+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= bn; i++ {
		curr[0] = i
		for j := 1; j <= an; j++ {
			if br[i-1] == ar[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = min(prev[j-1], curr[j-1], prev[j]) + 1
			}
		}
		prev, curr = curr, prev
	}
	return prev[an]
}

// LevenshteinSimilarity normalizes the edit distance into [0, 1].
func LevenshteinSimilarity(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// DamerauLevenshtein is Levenshtein with adjacent transpositions counted
// as a single operation.
func DamerauLevenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	an, bn := len(ar), len(br)
	if an == 0 {
		return bn
	}
	if bn == 0 {
		return an
	}

	maxDist := an + bn
	matrix := make([][]int, an+2)
	for i := range matrix {
		matrix[i] = make([]int, bn+2)
	}
	matrix[0][0] = maxDist
	for i := 0; i <= an; i++ {
		matrix[i+1][1] = i
		matrix[i+1][0] = maxDist
	}
	for j := 0; j <= bn; j++ {
		matrix[1][j+1] = j
		matrix[0][j+1] = maxDist
	}

	lastRow := make(map[rune]int)
	for i := 1; i <= an; i++ {
		db := 0
		for j := 1; j <= bn; j++ {
			k := lastRow[br[j-1]]
			l := db
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
				db = j
			}
			matrix[i+1][j+1] = min(
				matrix[i][j]+cost,
				matrix[i+1][j]+1,
				matrix[i][j+1]+1,
				matrix[k][l]+(i-k-1)+1+(j-l-1),
			)
		}
		lastRow[ar[i-1]] = i
	}
	return matrix[an+1][bn+1]
}

// JaroWinkler returns the Jaro-Winkler similarity of a and b.
func JaroWinkler(a, b string, caseSensitive bool) float64 {
	if a == "" || b == "" {
		return 0
	}
	if !caseSensitive {
		a, b = strings.ToUpper(a), strings.ToUpper(b)
	}
	if a == b {
		return 1
	}

	ar, br := []rune(a), []rune(b)
	window := max(len(ar), len(br))/2 - 1
	aMatches := make([]bool, len(ar))
	bMatches := make([]bool, len(br))

	m := 0
	for i := range ar {
		low := max(0, i-window)
		high := min(len(br)-1, i+window)
		for j := low; j <= high; j++ {
			if !aMatches[i] && !bMatches[j] && ar[i] == br[j] {
				aMatches[i], bMatches[j] = true, true
				m++
				break
			}
		}
	}
	if m == 0 {
		return 0
	}

	k, transpositions := 0, 0
	for i := range ar {
		if !aMatches[i] {
			continue
		}
		for k < len(br) && !bMatches[k] {
			k++
		}
		if k < len(br) && ar[i] != br[k] {
			transpositions++
		}
		k++
	}

	mf := float64(m)
	weight := (mf/float64(len(ar)) + mf/float64(len(br)) + (mf-float64(transpositions)/2)/mf) / 3

	if weight > 0.7 {
		l := 0
		for l < 4 && l < len(ar) && l < len(br) && ar[l] == br[l] {
			l++
		}
		weight += float64(l) * 0.1 * (1 - weight)
	}
	return weight
}

// CountAlpha counts a-z characters, case insensitive.
func CountAlpha(candidate string) int {
	n := 0
	for _, r := range strings.ToLower(candidate) {
		if r >= 'a' && r <= 'z' {
			n++
		}
	}
	return n
}

// CountNum counts digits.
func CountNum(candidate string) int {
	n := 0
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// CountSpecial counts non-space characters that are neither alpha nor digits.
func CountSpecial(candidate string) int {
	n := 0
	for _, r := range candidate {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n - CountAlpha(candidate) - CountNum(candidate)
}

// ReplaceConsecutiveSpaces collapses whitespace runs into a single space.
func ReplaceConsecutiveSpaces(input string) string {
	return consecutiveSpaces.ReplaceAllString(input, " ")
}

// Sanitize strips characters that are not allowed in feature values.
func Sanitize(text string) string {
	return strings.TrimSpace(sanitizeChars.ReplaceAllString(text, ""))
}

// Round rounds x to the given number of decimals, half away from zero.
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}
