package utterance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"eino_nlu/internal/tools"
)

// Toolkit is the subset of the language tools needed to build utterances.
type Toolkit interface {
	Tokenize(ctx context.Context, utterances []string, lang string, vocab map[string]bool) ([][]string, error)
	Vectorize(ctx context.Context, tokens []string, lang string) ([][]float64, error)
	TagPOS(tokens [][]string, lang string) [][]string
}

// BuildUtteranceBatch parses, tokenizes, tags and vectorizes raw examples.
// Slots found in the markup are tagged when the tokenized text matches the
// clean text. Examples producing no token are dropped.
func BuildUtteranceBatch(ctx context.Context, raw []string, lang string, tk Toolkit, vocab map[string]bool) ([]*Utterance, error) {
	parsed := make([]ParsedUtterance, len(raw))
	texts := make([]string, len(raw))
	for i, r := range raw {
		parsed[i] = ParseUtterance(tools.ReplaceConsecutiveSpaces(r))
		texts[i] = parsed[i].Utterance
	}

	tokenized, err := tk.Tokenize(ctx, texts, lang, vocab)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize utterances: %w", err)
	}
	if len(tokenized) != len(texts) {
		return nil, fmt.Errorf("tokenizer returned %d utterances for %d inputs", len(tokenized), len(texts))
	}
	posTags := tk.TagPOS(tokenized, lang)

	seen := make(map[string]bool)
	var uniq []string
	for _, toks := range tokenized {
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				uniq = append(uniq, t)
			}
		}
	}

	vectors, err := tk.Vectorize(ctx, uniq, lang)
	if err != nil {
		return nil, fmt.Errorf("failed to vectorize tokens: %w", err)
	}
	if len(vectors) != len(uniq) {
		return nil, fmt.Errorf("vectorizer returned %d vectors for %d tokens", len(vectors), len(uniq))
	}
	vecMap := make(map[string][]float64, len(uniq))
	for i, t := range uniq {
		vecMap[t] = vectors[i]
	}

	out := make([]*Utterance, 0, len(tokenized))
	for i, toks := range tokenized {
		if len(toks) == 0 {
			continue
		}
		vecs := make([][]float64, len(toks))
		for j, t := range toks {
			vecs[j] = vecMap[t]
		}

		var pos []string
		if i < len(posTags) {
			pos = posTags[i]
		}
		u, err := New(toks, vecs, pos, lang)
		if err != nil {
			return nil, err
		}

		if utf8.RuneCountInString(u.Text()) == utf8.RuneCountInString(parsed[i].Utterance) {
			for _, s := range parsed[i].ParsedSlots {
				slot := Slot{Name: s.Name, Source: s.Value, Value: s.Value, Confidence: 1}
				if err := u.TagSlot(slot, s.CleanPosition.Start, s.CleanPosition.End); err != nil {
					return nil, fmt.Errorf("failed to tag slot %q: %w", s.Name, err)
				}
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// GetAlternateUtterance replaces out-of-vocabulary words by their closest
// vocabulary token. It returns nil when nothing was replaced.
func GetAlternateUtterance(u *Utterance, vocabVectors map[string][]float64) *Utterance {
	n := u.Len()
	values := make([]string, n)
	vectors := make([][]float64, n)
	pos := make([]string, n)
	altered := false

	for i, tok := range u.Tokens() {
		values[i] = tok.String(DefaultTokenStringOptions)
		vectors[i] = tok.Vector()
		pos[i] = tok.POS()

		lower := tok.String(TokenStringOptions{LowerCase: true, RealSpaces: true})
		if _, inVocab := vocabVectors[lower]; !tok.IsWord() || inVocab || len(tok.Entities()) > 0 {
			continue
		}

		closest := tools.GetClosestToken(lower, tok.Vector(), vocabVectors, false)
		if tools.IsWord(closest) && tok.Len() > 3 && utf8.RuneCountInString(closest) > 3 {
			values[i] = closest
			vectors[i] = vocabVectors[closest]
			altered = true
		}
	}

	if !altered {
		return nil
	}
	alt, err := New(values, vectors, pos, u.Language)
	if err != nil {
		return nil
	}
	return alt
}

var testSplitRegex = regexp.MustCompile(`(?i)(` + strings.Join(tools.SpecialCharset, "|") + `|\s)`)

// MakeTestUtterance splits str on whitespace and special characters, with
// one-dimensional zero vectors and N/A part-of-speech tags.
func MakeTestUtterance(str string) *Utterance {
	var toks []string
	last := 0
	for _, m := range testSplitRegex.FindAllStringIndex(str, -1) {
		if m[0] > last {
			toks = append(toks, str[last:m[0]])
		}
		toks = append(toks, str[m[0]:m[1]])
		last = m[1]
	}
	if last < len(str) {
		toks = append(toks, str[last:])
	}

	vecs := make([][]float64, len(toks))
	pos := make([]string, len(toks))
	for i := range toks {
		vecs[i] = []float64{0}
		pos[i] = "N/A"
	}
	u, _ := New(toks, vecs, pos, "en")
	return u
}
