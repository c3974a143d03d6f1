package features

import (
	"context"
	"strings"
	"testing"

	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/utterance"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUtterance(t *testing.T, toks []string, vecs [][]float64, pos []string) *utterance.Utterance {
	t.Helper()
	u, err := utterance.New(toks, vecs, pos, "en")
	require.NoError(t, err)
	return u
}

func TestFeatureAttr(t *testing.T) {
	assert.Equal(t, "w[0]word=hello:3", Feature{Name: "word", Value: "hello", Boost: 3}.Attr("w[0]"))
	assert.Equal(t, "POS=NOUN:1", Feature{Name: "POS", Value: "NOUN"}.Attr(""))
	assert.Equal(t, "intent=bookflight:100", IntentFeature(&core.Intent{Name: "book flight"}).Attr(""))
}

func TestFeatPairs(t *testing.T) {
	prev := []Feature{{Name: "word", Value: "a"}, {Name: "POS", Value: "DET"}}
	cur := []Feature{{Name: "word", Value: "b", Boost: 3}}

	pairs := featPairs(prev, cur, pairedFeatures)
	assert.Equal(t, []Feature{
		{Name: "word", Value: "a|b", Boost: 3},
		{Name: "POS", Value: "DET|null", Boost: 1},
	}, pairs)
}

func TestTokenSliceFeatures(t *testing.T) {
	u := utterance.MakeTestUtterance("book a flight")
	intent := &core.Intent{Name: "book flight", Vocab: map[string]bool{"book": true}}

	first := TokenSliceFeatures(intent, u, u.Token(0), false)
	assert.Equal(t, "__BOS__", first[0])
	assert.Contains(t, first, "intent=bookflight:100")
	assert.Contains(t, first, "w[0]word=book:1")
	assert.Contains(t, first, "w[0]inVocab=true:1")
	assert.Contains(t, first, "w[0]space=false:1")
	assert.Contains(t, first, "w[0]entity=none:1")
	assert.Contains(t, first, "w[1]word=a:1")
	assert.Contains(t, first, "w[0]|w[1]word=book|a:1")
	assert.NotContains(t, first, "__EOS__")
	for _, attr := range first {
		assert.False(t, strings.HasPrefix(attr, "w[0]cluster="), attr)
		assert.False(t, strings.HasPrefix(attr, "w[1]quartile="), attr)
	}

	middle := TokenSliceFeatures(intent, u, u.Token(2), false)
	assert.Contains(t, middle, "w[-1]word=book:1")
	assert.Contains(t, middle, "w[0]space=true:1")
	assert.Contains(t, middle, "w[0]inVocab=false:1")
	assert.Contains(t, middle, "w[-1]|w[0]inVocab=true|false:1")

	last := TokenSliceFeatures(intent, u, u.Token(4), true)
	assert.Equal(t, "__EOS__", last[len(last)-1])
	assert.Contains(t, last, "w[0]word=flight:3")
	assert.Contains(t, last, "w[0]entity=none:3")
}

func TestEntityFeaturesAreRestrictedToSlotEntities(t *testing.T) {
	u := utterance.MakeTestUtterance("fly to paris")
	require.NoError(t, u.TagEntity(utterance.Entity{Type: "city", Value: "Paris"}, 7, 12))
	require.NoError(t, u.TagEntity(utterance.Entity{Type: "place", Value: "Paris"}, 7, 12))
	intent := &core.Intent{Name: "fly", SlotEntities: []string{"city"}}

	feats := TokenSliceFeatures(intent, u, u.Token(4), false)
	assert.Contains(t, feats, "w[0]entity=city:1")
	assert.NotContains(t, feats, "w[0]entity=place:1")
	for _, attr := range feats {
		assert.False(t, strings.HasPrefix(attr, "w[0]word="), attr)
	}
}

func TestSequenceFeaturesSkipSpaces(t *testing.T) {
	u := utterance.MakeTestUtterance("No one is safe")
	seq := SequenceFeatures(&core.Intent{Name: "x"}, u, false)
	assert.Len(t, seq, 4)
}

func TestContextEmbeddingSkipsSystemEntities(t *testing.T) {
	u := newUtterance(t,
		[]string{"hello", "▁", "paris"},
		[][]float64{{1, 0}, {0, 0}, {0, 1}},
		[]string{"INTJ", "▁", "PROPN"},
	)
	require.NoError(t, u.TagEntity(utterance.Entity{
		Type:     "city",
		Metadata: utterance.EntityMetadata{Extractor: entities.ExtractorSystem},
	}, 6, 11))

	assert.InDeltaSlice(t, []float64{1, 0}, ContextEmbedding(u), 1e-9)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, u.SentenceEmbedding(), 1e-9)
	assert.Equal(t, []float64{0.5, 0.5, 3}, IntentFeatures(u))
}

func TestOOSFeatures(t *testing.T) {
	u := newUtterance(t,
		[]string{"book", "▁", "it"},
		[][]float64{{2, 0}, {0, 0}, {0, 3}},
		[]string{"VERB", "▁", "PRON"},
	)
	assert.InDeltaSlice(t, []float64{1, 0, 0, 1, 0, 0, 3}, OOSFeatures(u), 1e-9)
}

func TestOOSPoints(t *testing.T) {
	var utts []*utterance.Utterance
	for _, v := range [][]float64{{1, 0}, {0, 1}, {1, 1}} {
		utts = append(utts, newUtterance(t, []string{"word"}, [][]float64{v}, []string{"NOUN"}))
	}

	points, err := OOSPoints(context.Background(), utts, 3, ml.KMeansOptions{Seed: 666})
	require.NoError(t, err)
	require.Len(t, points, 3)
	labels := map[string]bool{}
	for _, p := range points {
		assert.True(t, strings.HasPrefix(p.Label, "out_"))
		assert.Len(t, p.Coordinates, 7)
		labels[p.Label] = true
	}
	assert.Len(t, labels, 3)

	in := InScopePoints(utts, "greet")
	assert.Equal(t, "greet", in[0].Label)
}
