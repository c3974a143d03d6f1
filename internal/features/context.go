// Package features turns utterances into the vectors and attribute lists
// the classifiers are trained on.
package features

import (
	"eino_nlu/internal/entities"
	"eino_nlu/internal/utterance"
)

func isContentToken(t utterance.Token) bool {
	if !t.IsWord() {
		return false
	}
	for _, e := range t.Entities() {
		if e.Metadata.Extractor == entities.ExtractorPattern || e.Metadata.Extractor == entities.ExtractorSystem {
			return false
		}
	}
	return true
}

// ContextEmbedding is the sentence embedding restricted to words that are
// not covered by a pattern or system entity.
func ContextEmbedding(u *utterance.Utterance) []float64 {
	return utterance.WeightedEmbedding(u, isContentToken)
}

// IntentFeatures is the sentence embedding followed by the token count.
func IntentFeatures(u *utterance.Utterance) []float64 {
	emb := u.SentenceEmbedding()
	out := make([]float64, 0, len(emb)+1)
	out = append(out, emb...)
	return append(out, float64(u.Len()))
}
