package tools

import (
	"math"
	"sort"
	"unicode/utf8"
)

func maxLevOps(token, candidate string) int {
	longest := max(utf8.RuneCountInString(token), utf8.RuneCountInString(candidate))
	switch {
	case longest <= 3:
		return 0
	case longest <= 4:
		return 1
	case longest < 10:
		return 2
	default:
		return 3
	}
}

// GetClosestToken finds the vocabulary token closest to tokenStr. Edit
// distance wins first, bounded by the token length; when useSpatial is set
// a strictly smaller vector distance can also win.
func GetClosestToken(tokenStr string, tokenVec []float64, vocab map[string][]float64, useSpatial bool) string {
	candidates := make([]string, 0, len(vocab))
	for tok := range vocab {
		candidates = append(candidates, tok)
	}
	sort.Strings(candidates)

	closest := ""
	dist := math.Inf(1)
	for _, candidate := range candidates {
		lev := DamerauLevenshtein(tokenStr, candidate)
		if lev <= maxLevOps(tokenStr, candidate) && float64(lev) < dist {
			dist = float64(lev)
			closest = candidate
		}

		if useSpatial {
			if d, err := NDistance(tokenVec, vocab[candidate]); err == nil && d < dist {
				closest = candidate
				dist = d
			}
		}
	}
	return closest
}
