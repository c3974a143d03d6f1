package language

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"eino_nlu/internal/core"
	"eino_nlu/internal/ml"
)

const (
	identifierTopK        = 3
	identifierTemperature = 10
)

type profile struct {
	grams map[string]float64
	norm  float64
	words map[string]bool
}

// Identifier guesses the language of a text by comparing its character
// trigrams and function words against per-language profiles.
type Identifier struct {
	profiles map[string]profile
}

var _ core.LanguageIdentifier = (*Identifier)(nil)

// NewIdentifier builds profiles from the embedded stop word lists.
func NewIdentifier() *Identifier {
	id := &Identifier{profiles: make(map[string]profile)}
	for lang, words := range loadStopWords() {
		p := profile{grams: make(map[string]float64), words: make(map[string]bool)}
		for _, w := range words {
			p.words[w] = true
			for _, g := range trigrams(w) {
				p.grams[g]++
			}
		}
		p.norm = norm(p.grams)
		id.profiles[lang] = p
	}
	return id
}

func trigrams(word string) []string {
	runes := []rune(" " + word + " ")
	var out []string
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

func norm(v map[string]float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

// Identify returns the three most likely languages. A text without letters
// gets no prediction.
func (id *Identifier) Identify(text string) []ml.Prediction {
	words := splitWords(text)
	if len(words) == 0 {
		return nil
	}

	grams := make(map[string]float64)
	for _, w := range words {
		for _, g := range trigrams(w) {
			grams[g]++
		}
	}
	textNorm := norm(grams)

	scores := make([]ml.Prediction, 0, len(id.profiles))
	total := 0.0
	for lang, p := range id.profiles {
		dot := 0.0
		for g, n := range grams {
			dot += n * p.grams[g]
		}
		cosine := 0.0
		if textNorm > 0 && p.norm > 0 {
			cosine = dot / (textNorm * p.norm)
		}
		hits := 0
		for _, w := range words {
			if p.words[w] {
				hits++
			}
		}
		score := 0.5*cosine + 0.5*float64(hits)/float64(len(words))
		weight := math.Exp(score * identifierTemperature)
		total += weight
		scores = append(scores, ml.Prediction{Label: lang, Confidence: weight})
	}

	for i := range scores {
		scores[i].Confidence /= total
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Confidence != scores[j].Confidence {
			return scores[i].Confidence > scores[j].Confidence
		}
		return scores[i].Label < scores[j].Label
	})
	if len(scores) > identifierTopK {
		scores = scores[:identifierTopK]
	}
	return scores
}
