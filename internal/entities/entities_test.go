package entities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/utterance"
)

func newYorkModel(tolerance float64) *ListEntityModel {
	return &ListEntityModel{
		ID:             "bot.city",
		Type:           "custom.list",
		EntityName:     "city",
		FuzzyTolerance: tolerance,
		MappingsTokens: []CanonicalTokens{
			{Canonical: "New York", Occurrences: [][]string{{"New", " ", "York"}}},
		},
	}
}

func TestExtractListEntitiesExact(t *testing.T) {
	u := utterance.MakeTestUtterance("I love New York")

	res := ExtractListEntities(u, []*ListEntityModel{newYorkModel(1)}, false)
	require.Len(t, res, 1)
	assert.Equal(t, "city", res[0].Type)
	assert.Equal(t, "New York", res[0].Value)
	assert.Equal(t, 1.0, res[0].Confidence)
	assert.Equal(t, 7, res[0].Start)
	assert.Equal(t, 15, res[0].End)
	assert.Equal(t, ExtractorList, res[0].Metadata.Extractor)
	assert.Equal(t, "New York", res[0].Metadata.Source)
}

func TestExtractListEntitiesExactIsCaseSensitive(t *testing.T) {
	u := utterance.MakeTestUtterance("I love new york")
	assert.Empty(t, ExtractListEntities(u, []*ListEntityModel{newYorkModel(1)}, false))
}

func TestExtractListEntitiesFuzzy(t *testing.T) {
	u := utterance.MakeTestUtterance("I love new yorkk")

	res := ExtractListEntities(u, []*ListEntityModel{newYorkModel(0.8)}, false)
	require.Len(t, res, 1)
	assert.Equal(t, "New York", res[0].Value)
	assert.InDelta(t, 0.79, res[0].Confidence, 0.02)
	assert.Equal(t, "new yorkk", res[0].Metadata.Source)
}

func TestExtractListEntitiesKeepsOneCandidatePerPosition(t *testing.T) {
	model := &ListEntityModel{
		ID:             "bot.city",
		EntityName:     "city",
		FuzzyTolerance: 1,
		MappingsTokens: []CanonicalTokens{
			{Canonical: "York", Occurrences: [][]string{{"York"}}},
			{Canonical: "New York", Occurrences: [][]string{{"New", " ", "York"}}},
		},
	}
	u := utterance.MakeTestUtterance("New York")

	res := ExtractListEntities(u, []*ListEntityModel{model}, false)
	require.Len(t, res, 1)
	assert.Equal(t, "New York", res[0].Value)
}

func TestExtractListEntitiesCache(t *testing.T) {
	model := newYorkModel(1)
	model.Cache = cache.NewLRU[[]ExtractedEntity](10, nil)
	u := utterance.MakeTestUtterance("I love New York")

	uncached := ExtractListEntities(u, []*ListEntityModel{model}, false)
	first := ExtractListEntities(u, []*ListEntityModel{model}, true)
	second := ExtractListEntities(u, []*ListEntityModel{model}, true)
	assert.Equal(t, uncached, first)
	assert.Equal(t, first, second)
	assert.True(t, model.Cache.Has("i love new york"))

	sentinel := []ExtractedEntity{{Entity: utterance.Entity{Type: "city", Value: "cached"}}}
	model.Cache.Set("i love new york", sentinel)
	assert.Equal(t, sentinel, ExtractListEntities(u, []*ListEntityModel{model}, true))
}

func TestExtractPatternEntities(t *testing.T) {
	u := utterance.MakeTestUtterance("call me at 555-1234 or 555-9876")
	models := []PatternEntityModel{{Name: "phone", Pattern: `\d{3}-\d{4}`}}

	res := ExtractPatternEntities(u, models)
	require.Len(t, res, 2)
	assert.Equal(t, "555-1234", res[0].Value)
	assert.Equal(t, 11, res[0].Start)
	assert.Equal(t, 19, res[0].End)
	assert.Equal(t, 23, res[1].Start)
	assert.Equal(t, "custom.pattern.phone", res[1].Metadata.EntityID)
}

func TestExtractPatternEntitiesCase(t *testing.T) {
	u := utterance.MakeTestUtterance("say HELLO")

	assert.Len(t, ExtractPatternEntities(u, []PatternEntityModel{{Name: "greet", Pattern: "hello"}}), 1)
	assert.Empty(t, ExtractPatternEntities(u, []PatternEntityModel{{Name: "greet", Pattern: "hello", MatchCase: true}}))
	assert.Empty(t, ExtractPatternEntities(u, []PatternEntityModel{{Name: "bad", Pattern: "(("}}))
}

func TestTagAll(t *testing.T) {
	u := utterance.MakeTestUtterance("I love New York")
	TagAll(u, ExtractListEntities(u, []*ListEntityModel{newYorkModel(1)}, false))

	require.Len(t, u.Entities, 1)
	assert.Equal(t, 4, u.Entities[0].StartTokenIdx)
	assert.Equal(t, 6, u.Entities[0].EndTokenIdx)
}

func newDucklingServer(t *testing.T, posts *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte("quack!"))
		case "/parse":
			posts.Add(1)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "en", r.PostForm.Get("lang"))
			assert.Equal(t, "I have 3 apples"+JoinChar+"nothing"+JoinChar, r.PostForm.Get("text"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"body":"3","start":7,"end":8,"dim":"number","value":{"value":3,"type":"value"}}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDucklingExtractMultiple(t *testing.T) {
	var posts atomic.Int32
	srv := newDucklingServer(t, &posts)

	d := NewDucklingExtractor(context.Background(), DucklingConfig{URL: srv.URL}, zerolog.Nop())
	defer d.Close()
	require.True(t, d.Enabled())
	assert.Equal(t, DucklingEntities, d.EntityTypes())

	inputs := []string{"I have 3 apples", "nothing"}
	res, err := d.ExtractMultiple(context.Background(), inputs, "en", true)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Len(t, res[0], 1)
	assert.Equal(t, "3", res[0][0].Value)
	assert.Equal(t, "number", res[0][0].Type)
	assert.Equal(t, 7, res[0][0].Start)
	assert.Equal(t, 8, res[0][0].End)
	assert.Equal(t, "system.number", res[0][0].Metadata.EntityID)
	assert.Empty(t, res[1])

	again, err := d.ExtractMultiple(context.Background(), inputs, "en", true)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, int32(1), posts.Load())
}

func TestDucklingDisabledOnBadProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moo"))
	}))
	defer srv.Close()

	d := NewDucklingExtractor(context.Background(), DucklingConfig{URL: srv.URL}, zerolog.Nop())
	defer d.Close()
	assert.False(t, d.Enabled())
	assert.Empty(t, d.EntityTypes())

	res, err := d.ExtractMultiple(context.Background(), []string{"a", "b"}, "en", false)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestMapDucklingEntity(t *testing.T) {
	dur := mapDucklingEntity(ducklingEntity{
		Body: "2 hours", Dim: "duration",
		Value: ducklingValue{Value: 2.0, Unit: "hour", Normalized: &struct {
			Value any    `json:"value"`
			Unit  string `json:"unit"`
		}{Value: 7200.0, Unit: "second"}},
	})
	assert.Equal(t, "7200", dur.Value)
	assert.Equal(t, "second", dur.Metadata.Unit)

	tm := mapDucklingEntity(ducklingEntity{Dim: "time", Value: ducklingValue{Value: "2020-01-01T00:00:00.000Z", Grain: "day"}})
	assert.Equal(t, "2020-01-01T00:00:00.000Z", tm.Value)
	assert.Equal(t, "day", tm.Metadata.Unit)
}

func TestNoopExtractor(t *testing.T) {
	res, err := NoopExtractor{}.ExtractMultiple(context.Background(), []string{"x"}, "en", true)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}
