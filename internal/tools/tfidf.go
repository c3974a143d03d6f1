package tools

import (
	"math"
)

const (
	MaxTFIDF = 2.0
	MinTFIDF = 0.5

	// AvgKey holds the per-document mean score, and at the top level the
	// per-token mean across documents.
	AvgKey = "__avg__"
)

// TFIDF computes a double-normalized, clamped tf-idf table for every
// document plus the cross-document average under AvgKey.
func TFIDF(docs map[string][]string) map[string]map[string]float64 {
	result := make(map[string]map[string]float64, len(docs)+1)
	avgSum := make(map[string]float64)
	avgCount := make(map[string]int)

	docSets := make(map[string]map[string]bool, len(docs))
	for name, tokens := range docs {
		set := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			set[t] = true
		}
		docSets[name] = set
	}
	nDocs := float64(len(docs))

	for name, tokens := range docs {
		termsCount := make(map[string]int)
		for _, t := range tokens {
			termsCount[t]++
		}
		meanTf := 0.0
		for _, c := range termsCount {
			meanTf += float64(c)
		}
		meanTf /= float64(len(termsCount))

		scores := make(map[string]float64, len(termsCount)+1)
		total := 0.0
		for term, count := range termsCount {
			docFreq := 0
			for _, set := range docSets {
				if set[term] {
					docFreq++
				}
			}
			tf := 0.5 + 0.5*float64(count)/meanTf
			idf := math.Max(0.25, -math.Log(float64(docFreq)/nDocs))
			score := math.Max(MinTFIDF, math.Min(MaxTFIDF, tf*idf))

			scores[term] = score
			total += score
			avgSum[term] += score
			avgCount[term]++
		}
		if len(termsCount) > 0 {
			scores[AvgKey] = total / float64(len(termsCount))
		} else {
			scores[AvgKey] = math.NaN()
		}
		result[name] = scores
	}

	global := make(map[string]float64, len(avgSum))
	for term, sum := range avgSum {
		global[term] = sum / float64(avgCount[term])
	}
	result[AvgKey] = global
	return result
}
