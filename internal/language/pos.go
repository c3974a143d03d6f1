package language

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"eino_nlu/internal/ml"
	"eino_nlu/internal/tools"
)

// POSClasses are the universal part-of-speech tags.
var POSClasses = []string{
	"ADJ", "ADP", "ADV", "AUX", "CONJ", "CCONJ", "DET", "INTJ", "NOUN", "NUM",
	"PART", "PRON", "PROPN", "PUNCT", "SCONJ", "SYM", "VERB", "X",
}

// FallbackTag is given to every word when no model serves the language.
const FallbackTag = "N/A"

var posLanguages = []string{"en", "fr"}

var (
	digitRegex   = regexp.MustCompile(`\d`)
	alphaRegex   = regexp.MustCompile(`^[\p{L}]+$`)
	specialRegex = regexp.MustCompile(`[^\p{L}\d\s]`)
)

// POSTagger tags words with a CRF model per language.
type POSTagger struct {
	mu     sync.RWMutex
	models map[string]*ml.CRFModel
}

func NewPOSTagger() *POSTagger {
	return &POSTagger{models: make(map[string]*ml.CRFModel)}
}

func posModelFile(lang string) string {
	return "pos." + lang + ".model"
}

// LoadPOSTagger loads pos.<lang>.model from dir for every supported
// language. Missing files leave the language on the fallback tagger.
func LoadPOSTagger(dir string) (*POSTagger, error) {
	t := NewPOSTagger()
	if dir == "" {
		return t, nil
	}
	for _, lang := range posLanguages {
		data, err := os.ReadFile(filepath.Join(dir, posModelFile(lang)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pos model: %w", err)
		}
		var model ml.CRFModel
		if err := model.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("failed to load pos model for %s: %w", lang, err)
		}
		t.models[lang] = &model
	}
	return t, nil
}

// Save writes every loaded model to dir.
func (t *POSTagger) Save(dir string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pos directory: %w", err)
	}
	for lang, model := range t.models {
		data, err := model.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode pos model: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, posModelFile(lang)), data, 0644); err != nil {
			return fmt.Errorf("failed to write pos model: %w", err)
		}
	}
	return nil
}

// Train fits a model for lang from tagged sentences.
func (t *POSTagger) Train(ctx context.Context, lang string, sentences, tags [][]string, opts ml.CRFOptions) error {
	if !slices.Contains(posLanguages, lang) {
		return fmt.Errorf("part-of-speech tagging is not supported for %s", lang)
	}
	seqs := make([]ml.CRFSequence, 0, len(sentences))
	for i, words := range sentences {
		seqs = append(seqs, ml.CRFSequence{Features: sentenceFeatures(words), Labels: tags[i]})
	}
	model, err := ml.TrainCRF(ctx, seqs, opts, nil)
	if err != nil {
		return fmt.Errorf("failed to train pos tagger: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[lang] = model
	return nil
}

func (t *POSTagger) model(lang string) *ml.CRFModel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.models[lang]
}

func (t *POSTagger) IsAvailable(lang string) bool {
	return slices.Contains(posLanguages, lang) && t.model(lang) != nil
}

// TagSentence tags the words of a tokenized sentence. Space tokens keep
// the SPACE tag.
func (t *POSTagger) TagSentence(tokens []string, lang string) []string {
	var words []string
	for _, tok := range tokens {
		if !tools.IsSpace(tok) {
			words = append(words, tok)
		}
	}

	var tags []string
	if model := t.model(lang); model != nil && len(words) > 0 {
		tags, _ = model.Tag(sentenceFeatures(words))
	}
	if len(tags) != len(words) {
		tags = make([]string, len(words))
		for i := range tags {
			tags[i] = FallbackTag
		}
	}

	out := make([]string, len(tokens))
	w := 0
	for i, tok := range tokens {
		if tools.IsSpace(tok) {
			out[i] = tools.SPACE
			continue
		}
		out[i] = tags[w]
		w++
	}
	return out
}

func sentenceFeatures(words []string) [][]string {
	out := make([][]string, len(words))
	for i := range words {
		out[i] = wordFeatures(words, i)
	}
	return out
}

// wordFeatures renders the CRF attributes of words[i]. Empty values are
// dropped and true booleans render as bare keys.
func wordFeatures(words []string, i int) []string {
	word := strings.ToLower(words[i])
	runes := []rune(word)

	var feats []string
	add := func(key, value string) {
		if value != "" {
			// a colon would be read as an attribute weight
			feats = append(feats, key+"="+strings.ReplaceAll(value, ":", "_"))
		}
	}
	flag := func(key string, ok bool) {
		if ok {
			feats = append(feats, key)
		}
	}

	flag("BOS", i == 0)
	flag("EOS", i == len(words)-1)
	for n := 1; n <= 4; n++ {
		if len(runes) >= n {
			add("prefix_"+strconv.Itoa(n), string(runes[:n]))
			add("suffix_"+strconv.Itoa(n), string(runes[len(runes)-n:]))
		}
	}
	add("len", strconv.Itoa(len(runes)))
	flag("alpha", alphaRegex.MatchString(word))
	flag("contains_num", digitRegex.MatchString(word))
	flag("contains_special", specialRegex.MatchString(word))
	add("word", word)
	if i > 0 {
		add("prev_word", strings.ToLower(words[i-1]))
	}
	if i < len(words)-1 {
		add("next_word", strings.ToLower(words[i+1]))
	}
	return feats
}
