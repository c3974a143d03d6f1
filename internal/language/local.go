package language

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"eino_nlu/internal/tools"
)

const defaultLocalDimensions = 100

// SplitText breaks text into word, special character and space tokens.
// Whitespace becomes the SPACE token.
func SplitText(text string) []string {
	var out []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			out = append(out, word.String())
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r) || string(r) == tools.SPACE:
			flush()
			out = append(out, tools.SPACE)
		case tools.IsSpecialChar(r):
			flush()
			out = append(out, string(r))
		default:
			word.WriteRune(r)
		}
	}
	flush()
	return out
}

// LocalSource computes embeddings offline by hashing the character
// trigrams of a token into a fixed number of buckets. Tokens sharing
// trigrams end up close to each other.
type LocalSource struct {
	dims      int
	languages []string
}

func NewLocalSource(dims int, languages []string) *LocalSource {
	if dims <= 0 {
		dims = defaultLocalDimensions
	}
	return &LocalSource{dims: dims, languages: languages}
}

func (s *LocalSource) Name() string { return "local" }

func (s *LocalSource) Info(context.Context) (Info, error) {
	return Info{Ready: true, Dimensions: s.dims, Languages: s.languages}, nil
}

func (s *LocalSource) Tokenize(_ context.Context, utterances []string, _ string) ([][]string, error) {
	out := make([][]string, len(utterances))
	for i, u := range utterances {
		out[i] = SplitText(u)
	}
	return out, nil
}

func (s *LocalSource) Vectorize(_ context.Context, tokens []string, _ string) ([][]float64, error) {
	out := make([][]float64, len(tokens))
	for i, t := range tokens {
		out[i] = hashVector(t, s.dims)
	}
	return out, nil
}

func hashVector(token string, dims int) []float64 {
	vec := make([]float64, dims)
	grams := tools.NGram("<"+strings.ToLower(token)+">", 3)
	if len(grams) == 0 {
		return vec
	}
	for _, g := range grams {
		h := fnv.New64a()
		h.Write([]byte(g))
		sum := h.Sum64()
		sign := 1.0
		if sum&1 == 1 {
			sign = -1
		}
		vec[(sum>>1)%uint64(dims)] += sign
	}
	norm := tools.ComputeNorm(vec)
	if norm == 0 {
		return vec
	}
	return tools.ScalarDivide(vec, norm)
}
