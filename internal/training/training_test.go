package training

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/language"
	"eino_nlu/internal/utterance"
	"eino_nlu/pkg"
)

type reports struct {
	mu     sync.Mutex
	msgs   []string
	states []core.SessionState
}

func (r *reports) report(_ string, msg string, state core.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.states = append(r.states, state)
}

func newTools(t *testing.T) (*core.Tools, *reports) {
	t.Helper()
	provider, err := language.NewProvider(context.Background(), language.ProviderConfig{
		Sources: []language.Source{language.NewLocalSource(16, []string{"en"})},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(provider.Close)

	r := &reports{}
	return &core.Tools{
		Language:       provider,
		System:         entities.NoopExtractor{},
		ListCaches:     cache.NewRegistry[[]entities.ExtractedEntity](1000, nil),
		ReportProgress: r.report,
		Log:            zerolog.Nop(),
	}, r
}

func sampleInput() core.TrainInput {
	return core.TrainInput{
		BotID:    "bot",
		Language: "en",
		Contexts: []string{core.DefaultContext},
		ListEntities: []core.ListEntityInput{{
			Name:           "city",
			FuzzyTolerance: 0.8,
			Synonyms: []pkg.EntityOccurrence{
				{Name: "paris", Synonyms: []string{"city of light"}},
				{Name: "london"},
			},
		}},
		Intents: []core.IntentInput{
			{
				Name:       "greet",
				Contexts:   []string{core.DefaultContext},
				Utterances: []string{"hello", "hi there", "good morning", "hey you", "hello friend"},
			},
			{
				Name:       "bye",
				Contexts:   []string{core.DefaultContext},
				Utterances: []string{"goodbye", "see you later", "bye bye", "farewell my friend"},
			},
			{
				Name:     "book_flight",
				Contexts: []string{core.DefaultContext},
				SlotDefinitions: []pkg.SlotDefinition{
					{Name: "destination", Entities: []string{"city"}},
				},
				Utterances: []string{
					"book a flight to [paris](destination)",
					"fly to [london](destination)",
					"I need a plane to [paris](destination)",
					"get me a ticket to [london](destination)",
				},
			},
		},
	}
}

func newTrainer(t *testing.T, tk *core.Tools) *Trainer {
	t.Helper()
	cfg := core.DefaultConfig().Training
	cfg.CRF.MaxIterations = 50
	tr, err := NewTrainer(context.Background(), cfg, tk)
	require.NoError(t, err)
	return tr
}

func TestMakeListEntityModel(t *testing.T) {
	tk, _ := newTools(t)
	model, err := MakeListEntityModel(context.Background(), sampleInput().ListEntities[0], "bot", "en", tk)
	require.NoError(t, err)

	assert.Equal(t, "custom.list.city", model.ID)
	assert.Equal(t, "custom.list", model.Type)
	assert.Equal(t, "city", model.EntityName)
	assert.Equal(t, []string{"city of light"}, model.Mappings["paris"])
	require.Len(t, model.MappingsTokens, 2)
	assert.Equal(t, "paris", model.MappingsTokens[0].Canonical)
	assert.Equal(t, [][]string{{"city", " ", "of", " ", "light"}, {"paris"}}, model.MappingsTokens[0].Occurrences)
	assert.Same(t, tk.ListCaches.GetOrCreate("city", "bot"), model.Cache)
}

func TestBuildExactMatchIndex(t *testing.T) {
	intents := []*core.Intent{
		{Name: "greet", Contexts: []string{"global"}, Utterances: []*utterance.Utterance{utterance.MakeTestUtterance("Hello")}},
		{Name: core.NoneIntent, Contexts: []string{"global"}, Utterances: []*utterance.Utterance{utterance.MakeTestUtterance("junk")}},
	}
	index := BuildExactMatchIndex(intents)
	assert.Equal(t, core.ExactMatch{Intent: "greet", Contexts: []string{"global"}}, index["hello"])
	assert.NotContains(t, index, "junk")
}

func TestComputeKmeansNeedsTwoTokens(t *testing.T) {
	cfg := core.DefaultConfig().Training
	intents := []*core.Intent{{Name: "greet", Utterances: []*utterance.Utterance{utterance.MakeTestUtterance("hello")}}}
	model, err := ComputeKmeans(context.Background(), intents, cfg)
	require.NoError(t, err)
	assert.Nil(t, model)
}

func TestTrain(t *testing.T) {
	tk, r := newTools(t)
	tr := newTrainer(t, tk)

	input := sampleInput()
	input.Session = core.NewTrainingSession("en", nil)
	model := tr.Train(context.Background(), input)

	require.True(t, model.Success)
	assert.Equal(t, core.OutcomeOK, model.Outcome)
	assert.False(t, model.FinishedAt.Before(model.StartedAt))

	art := model.Data.Artifacts
	require.NotNil(t, art)
	assert.NotNil(t, art.IntentModelByCtx[core.DefaultContext])
	assert.Nil(t, art.CtxModel, "a single context needs no context classifier")
	assert.Nil(t, art.OOSModel, "no part-of-speech model for the language")
	assert.NotEmpty(t, art.SlotsModel)
	assert.NotEmpty(t, art.TFIDF)
	assert.NotEmpty(t, art.VocabVectors)
	assert.Equal(t, "greet", art.ExactMatchIndex["hello"].Intent)
	require.Len(t, art.ListEntities, 1)
	assert.Zero(t, tk.ListCaches.GetOrCreate("city", "bot").Len(), "training leaves the extraction cache empty")

	out := model.Data.Output
	require.NotNil(t, out)
	require.Len(t, out.Intents, 4)
	none := out.Intents[3]
	assert.Equal(t, core.NoneIntent, none.Name)
	assert.Equal(t, []string{core.DefaultContext}, none.Contexts)
	assert.NotEmpty(t, none.Utterances)
	assert.Equal(t, []string{"city"}, out.Intents[2].SlotEntities)
	assert.True(t, out.Intents[0].Vocab["hello"])

	assert.Equal(t, 1.0, input.Session.State().Progress)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.states)
	assert.Equal(t, 1.0, r.states[len(r.states)-1].Progress)
}

func TestTrainCanceled(t *testing.T) {
	tk, r := newTools(t)
	tr := newTrainer(t, tk)

	input := sampleInput()
	input.Session = core.NewTrainingSession("en", nil)
	input.Session.Cancel()

	model := tr.Train(context.Background(), input)
	assert.False(t, model.Success)
	assert.Equal(t, core.OutcomeCanceled, model.Outcome)
	assert.Nil(t, model.Data.Artifacts)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Contains(t, r.msgs, "Training canceled")
}

// cancelingProvider cancels the session when the classifiers ask for
// part-of-speech support, after the last progress check.
type cancelingProvider struct {
	core.LanguageProvider
	session *core.TrainingSession
}

func (p cancelingProvider) IsPOSAvailable(string) bool {
	p.session.Cancel()
	return false
}

func TestTrainCanceledDuringClassifiers(t *testing.T) {
	tk, r := newTools(t)
	session := core.NewTrainingSession("en", nil)
	tk.Language = cancelingProvider{LanguageProvider: tk.Language, session: session}
	tr := newTrainer(t, tk)

	input := core.TrainInput{
		BotID:    "bot",
		Language: "en",
		Contexts: []string{core.DefaultContext},
		Intents: []core.IntentInput{
			{Name: "greet", Contexts: []string{core.DefaultContext}, Utterances: []string{"hello there", "good morning"}},
			{Name: "bye", Contexts: []string{core.DefaultContext}, Utterances: []string{"see you later", "goodbye friend"}},
		},
		Session: session,
	}

	model := tr.Train(context.Background(), input)
	assert.False(t, model.Success)
	assert.Equal(t, core.OutcomeCanceled, model.Outcome)
	assert.Nil(t, model.Data.Artifacts)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Contains(t, r.msgs, "Training canceled")
}

func TestTrainWithoutIntents(t *testing.T) {
	tk, _ := newTools(t)
	tr := newTrainer(t, tk)

	input := sampleInput()
	input.Intents = nil
	model := tr.Train(context.Background(), input)
	require.True(t, model.Success)
	assert.Empty(t, model.Data.Output.Intents)
	assert.Empty(t, model.Data.Artifacts.ExactMatchIndex)
	assert.Equal(t, []byte{}, model.Data.Artifacts.SlotsModel)
}

func TestProcessInputIsDeterministic(t *testing.T) {
	tk, _ := newTools(t)
	tr := newTrainer(t, tk)

	a, err := tr.ProcessInput(context.Background(), sampleInput())
	require.NoError(t, err)
	b, err := tr.ProcessInput(context.Background(), sampleInput())
	require.NoError(t, err)

	require.Len(t, a.Intents, 3)
	assert.InDeltaMapValues(t, a.TFIDF, b.TFIDF, 1e-9)
	assert.Equal(t, a.Kmeans, b.Kmeans)
}
