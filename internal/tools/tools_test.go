package tools

import (
	"math"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWord(t *testing.T) {
	assert.True(t, IsWord("lol123"))
	assert.True(t, IsWord("hello"))
	assert.False(t, IsWord("hey 123"))
	assert.False(t, IsWord("!"))
	assert.False(t, IsWord("^jo!"))
	assert.False(t, IsWord("?¿"))
	assert.False(t, IsWord(SPACE+"hey"))
}

func TestIsSpace(t *testing.T) {
	assert.True(t, IsSpace(SPACE))
	assert.True(t, IsSpace(" "+SPACE+SPACE))
	assert.False(t, IsSpace(SPACE+"a"))
}

func TestMergeSimilarCharsetTokens(t *testing.T) {
	assert.Equal(t, []string{"____", "abc"}, MergeSimilarCharsetTokens([]string{"_", "__", "_", "abc"}, []string{"_"}, nil))
	assert.Equal(t, []string{"13", "lo", "3456"}, MergeSimilarCharsetTokens([]string{"13", "lo", "34", "56"}, []string{"[0-9]"}, nil))
	assert.Equal(t, []string{"a", "b"}, MergeSimilarCharsetTokens([]string{"a", "b"}, []string{"[a-z]"}, func(string) bool { return false }))
}

func TestProcessUtteranceTokens(t *testing.T) {
	toks := []string{"▁my", "▁name", "▁▁▁", "▁is", "▁34", "98", "▁98", "▁Hei", "Sen", "berg", "!&$", "!¿}{@~"}
	expected := []string{"my", "▁", "name", "▁▁▁▁", "is", "▁", "3498", "▁", "98", "▁", "HeiSenberg", "!&$!¿}{@~"}

	assert.Equal(t, expected, ProcessUtteranceTokens(toks, map[string]bool{}))
}

func TestProcessUtteranceTokensKeepsVocabularyWords(t *testing.T) {
	toks := []string{"▁hei", "sen"}
	assert.Equal(t, []string{"hei", "sen"}, ProcessUtteranceTokens(toks, map[string]bool{"hei": true, "sen": true}))
}

func TestRestoreOriginalUtteranceCasing(t *testing.T) {
	utt := "I left NASA to work at Botpress"
	tokens := []string{"i", "▁", "left", "▁", "nasa", "▁", "to", "▁", "work", "▁", "at", "▁", "bot", "press"}

	restored := RestoreOriginalUtteranceCasing(tokens, utt)

	assert.Equal(t, []string{"I", "▁", "left", "▁", "NASA", "▁", "to", "▁", "work", "▁", "at", "▁", "Bot", "press"}, restored)
}

func TestTokenizeLatinText(t *testing.T) {
	assert.Equal(t, []string{"hello", "▁", "you"}, TokenizeLatinText("hello you"))
}

func TestStringDistances(t *testing.T) {
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 0, Levenshtein("", ""))
	assert.Equal(t, 4, Levenshtein("", "abcd"))
	assert.Equal(t, 1, DamerauLevenshtein("ab", "ba"))
	assert.Equal(t, 2, Levenshtein("ab", "ba"))
	assert.Equal(t, 1, DamerauLevenshtein("hello", "helo"))
	assert.InDelta(t, 0.5, LevenshteinSimilarity("abcd", "abxy"), 1e-9)
	assert.InDelta(t, 0.961, JaroWinkler("MARTHA", "MARHTA", true), 1e-3)
	assert.Equal(t, 1.0, JaroWinkler("Hello", "hello", false))
	assert.Equal(t, 0.0, JaroWinkler("", "hello", false))
}

func TestNGramsAndSimilarity(t *testing.T) {
	assert.Equal(t, []string{"lo", "ll", "el", "he"}, NGram("hello", 2))
	assert.ElementsMatch(t, []string{"h", "e", "y", "he", "ey"}, VocabNGram([]string{"▁hey", "!"}))
	assert.InDelta(t, 0.5, SetSimilarity([]string{"a", "b", "c"}, []string{"b", "c", "d"}), 1e-9)
}

func TestCounts(t *testing.T) {
	assert.Equal(t, 5, CountAlpha("He llo"))
	assert.Equal(t, 3, CountNum("a1 2 3"))
	assert.Equal(t, 2, CountSpecial("a! ?1"))
	assert.Equal(t, "a b c", ReplaceConsecutiveSpaces("a   b\t\tc"))
	assert.Equal(t, "AI", Sanitize(" A.I! "))
}

func TestComputeQuantile(t *testing.T) {
	expected := map[float64]int{0: 1, 1: 1, 2: 1, 3: 2, 4: 2, 5: 2, 6: 3, 7: 3, 8: 4, 9: 4, 10: 4, 11: 4}
	for x, q := range expected {
		assert.Equal(t, q, ComputeQuantile(4, x, 10, 0), "x=%v", x)
	}
}

func TestVectorMath(t *testing.T) {
	assert.InDelta(t, 1.73, Round(ComputeNorm([]float64{1, 1, 1}), 2), 1e-9)
	assert.InDelta(t, 75.78, Round(ComputeNorm([]float64{22, 21, 59, 4, -5, 36}), 2), 1e-9)

	sum, err := VectorAdd([]float64{1, 2}, []float64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, sum)

	_, err = VectorAdd([]float64{1}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NDistance([]float64{1}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	avg, err := AverageVectors([][]float64{{2, 0}, {0, 0}, {0, 3}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, avg)
}

func TestAllInRange(t *testing.T) {
	assert.True(t, AllInRange([]float64{0.46, 0.54}, 0.45, 0.55))
	assert.False(t, AllInRange([]float64{0.45, 0.55}, 0.45, 0.55))
	assert.True(t, AllInRange(nil, 0.45, 0.55))
}

func TestGetZPercent(t *testing.T) {
	assert.InDelta(t, 0.5, GetZPercent(0), 1e-9)
	assert.InDelta(t, 0.975, GetZPercent(1.96), 1e-3)
	assert.Equal(t, 0.0, GetZPercent(-7))
	assert.Equal(t, 1.0, GetZPercent(7))
	assert.Equal(t, 1.0, GetZPercent(math.Inf(1)))
	assert.True(t, math.IsNaN(GetZPercent(math.NaN())))
}

func TestStd(t *testing.T) {
	assert.InDelta(t, 1.0, Std([]float64{1, 2, 3}), 1e-9)
	assert.Equal(t, 0.0, Std([]float64{1}))
	assert.True(t, math.IsNaN(Std(nil)))
}

func TestTFIDF(t *testing.T) {
	docs := map[string][]string{
		"A": {"one", "one", "one"},
		"B": {"one", "one", "two"},
		"C": {"one", "two", "three"},
	}

	res := TFIDF(docs)

	assert.InDelta(t, 0.5, res["A"]["one"], 1e-3)
	assert.InDelta(t, 0.5, res["A"][AvgKey], 1e-3)
	assert.InDelta(t, 0.5, res["B"]["one"], 1e-3)
	assert.InDelta(t, 0.5, res["B"]["two"], 1e-3)
	assert.InDelta(t, 0.5, res["C"]["one"], 1e-3)
	assert.InDelta(t, 0.5, res["C"]["two"], 1e-3)
	assert.InDelta(t, 1.098, res["C"]["three"], 1e-3)
	assert.InDelta(t, 0.699, res["C"][AvgKey], 1e-3)
	assert.InDelta(t, 0.5, res[AvgKey]["one"], 1e-3)
	assert.InDelta(t, 0.5, res[AvgKey]["two"], 1e-3)
	assert.InDelta(t, 1.098, res[AvgKey]["three"], 1e-3)
}

func TestExtractPattern(t *testing.T) {
	matches := ExtractPattern("aa bb aa", regexp.MustCompile("aa"))

	require.Len(t, matches, 2)
	assert.Equal(t, PatternMatch{Value: "aa", SourceIndex: 0}, matches[0])
	assert.Equal(t, PatternMatch{Value: "aa", SourceIndex: 6}, matches[1])
}

func TestIsPatternValid(t *testing.T) {
	assert.True(t, IsPatternValid(`\d+`))
	assert.False(t, IsPatternValid(""))
	assert.False(t, IsPatternValid("(abc"))
}

func TestGetClosestToken(t *testing.T) {
	vocab := map[string][]float64{
		"hello":  {1, 0},
		"flight": {0, 1},
		"the":    {1, 1},
	}

	assert.Equal(t, "flight", GetClosestToken("fligth", []float64{0, 0}, vocab, false))
	assert.Equal(t, "hello", GetClosestToken("helo", []float64{0, 0}, vocab, false))
	assert.Equal(t, "", GetClosestToken("teh", []float64{0, 0}, vocab, false))
	assert.Equal(t, "the", GetClosestToken("zzzzzz", []float64{1, 1}, vocab, true))
}
