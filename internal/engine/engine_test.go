package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/language"
	"eino_nlu/internal/storage"
	"eino_nlu/pkg"
)

type fixture struct {
	root   string
	defs   *storage.DefinitionStore
	models *storage.ModelService
	redis  *storage.RedisStorage
	mr     *miniredis.Miniredis
	tools  *core.Tools
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider, err := language.NewProvider(context.Background(), language.ProviderConfig{
		Sources: []language.Source{language.NewLocalSource(16, []string{"en"})},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(provider.Close)

	mr := miniredis.RunT(t)
	r := storage.NewRedisStorageFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = r.Close() })

	root := t.TempDir()
	f := &fixture{
		root:   root,
		defs:   storage.NewDefinitionStore(filepath.Join(root, "bots")),
		models: storage.NewModelService(filepath.Join(root, "models"), 2, zerolog.Nop()),
		redis:  r,
		mr:     mr,
		tools: &core.Tools{
			Language:   provider,
			System:     entities.NoopExtractor{},
			ListCaches: cache.NewRegistry[[]entities.ExtractedEntity](1000, nil),
			Log:        zerolog.Nop(),
		},
	}

	require.NoError(t, f.defs.SaveIntent("bot", pkg.IntentDefinition{
		Name:       "greet",
		Contexts:   []string{"global"},
		Utterances: map[string][]string{"en": {"hello", "hi there", "good morning", "hey you"}},
	}))
	require.NoError(t, f.defs.SaveIntent("bot", pkg.IntentDefinition{
		Name:       "bye",
		Contexts:   []string{"global"},
		Utterances: map[string][]string{"en": {"goodbye", "see you later", "bye bye", "farewell my friend"}},
	}))
	return f
}

func (f *fixture) engine(t *testing.T) *Engine {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Training.CRF.MaxIterations = 50
	e, err := New(context.Background(), Options{
		BotID:         "bot",
		Languages:     []string{"en"},
		Config:        cfg,
		Tools:         f.tools,
		Definitions:   f.defs,
		Models:        f.models,
		Redis:         f.redis,
		WatchDebounce: 50 * time.Millisecond,
		Log:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return e
}

func TestBuildTrainInput(t *testing.T) {
	intents := []pkg.IntentDefinition{
		{Name: "greet", Contexts: []string{"global", "smalltalk"}, Utterances: map[string][]string{"en": {"hello"}}},
		{Name: "salut", Contexts: []string{"global"}, Utterances: map[string][]string{"fr": {"salut"}}},
		{Name: "empty", Contexts: []string{"other"}, Utterances: map[string][]string{"en": {}}},
	}
	ents := []pkg.EntityDefinition{
		{Name: "city", Type: pkg.EntityTypeList, Fuzzy: 0.8, Occurrences: []pkg.EntityOccurrence{{Name: "paris"}}},
		{Name: "zip", Type: pkg.EntityTypePattern, Pattern: `\d{5}`},
		{Name: "broken", Type: pkg.EntityTypePattern, Pattern: `(`},
	}

	input := BuildTrainInput("bot", "en", intents, ents)
	assert.Equal(t, []string{"global", "smalltalk", "other"}, input.Contexts)
	require.Len(t, input.Intents, 2)
	assert.Equal(t, "greet", input.Intents[0].Name)
	assert.Equal(t, "empty", input.Intents[1].Name)
	require.Len(t, input.ListEntities, 1)
	assert.Equal(t, 0.8, input.ListEntities[0].FuzzyTolerance)
	require.Len(t, input.PatternEntities, 1)
	assert.Equal(t, "zip", input.PatternEntities[0].Name)
}

func TestTrainOrLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t)

	require.NoError(t, e.TrainOrLoad(ctx, false))

	model := e.LoadedModel("en")
	require.NotNil(t, model)
	_, err := f.models.Get(model.Hash, "en")
	require.NoError(t, err, "the trained model is saved")

	state, err := e.TrainingState(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, state.Status)
	assert.Equal(t, 1.0, state.Progress)

	training, err := e.IsTraining(ctx)
	require.NoError(t, err)
	assert.False(t, training)
	assert.False(t, f.mr.Exists(storage.LockKey("bot", "en")))

	res, err := e.Predict(ctx, "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Intent)
	assert.Equal(t, "greet", res.Intent.Name)

	// a second engine finds the stored model instead of training again
	other := f.engine(t)
	require.NoError(t, f.redis.Client().Del(ctx, storage.SessionKey("bot", "en")).Err())
	require.NoError(t, other.TrainOrLoad(ctx, false))
	require.NotNil(t, other.LoadedModel("en"))
	assert.Equal(t, model.Hash, other.LoadedModel("en").Hash)
	state, err = other.TrainingState(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, state.Status)
}

func TestPredictLoadsLatestModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine(t).TrainOrLoad(ctx, false))

	fresh := f.engine(t)
	assert.Nil(t, fresh.LoadedModel("en"))

	res, err := fresh.Predict(ctx, "goodbye", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Intent)
	assert.Equal(t, "bye", res.Intent.Name)
	assert.NotNil(t, fresh.LoadedModel("en"))
}

func TestPredictWithoutModel(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	_, err := e.Predict(context.Background(), "hello", nil)
	_, ok := core.IsInvalidLanguagePredictor(err)
	assert.True(t, ok)
	assert.ErrorIs(t, err, core.ErrModelNotFound)
}

func TestTrainOrLoadSkipsLockedLanguage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t)

	lock, err := storage.NewLocker(f.redis, 0).Acquire(ctx, storage.LockKey("bot", "en"), time.Minute)
	require.NoError(t, err)
	defer lock.Unlock(ctx)

	require.NoError(t, e.TrainOrLoad(ctx, false))
	assert.Nil(t, e.LoadedModel("en"))
}

func TestCancelTraining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t)

	_, err := storage.NewLocker(f.redis, 0).Acquire(ctx, storage.LockKey("bot", "en"), time.Minute)
	require.NoError(t, err)

	sess := core.NewTrainingSession("en", nil)
	e.setSession("en", sess)

	require.NoError(t, e.CancelTraining(ctx))
	assert.True(t, sess.Canceled())
	assert.False(t, f.mr.Exists(storage.LockKey("bot", "en")))
}

func TestTrainCanceledSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t)

	intents, err := f.defs.Intents("bot")
	require.NoError(t, err)

	sess := core.NewTrainingSession("en", nil)
	sess.Cancel()
	model, err := e.Train(ctx, intents, nil, "en", sess)
	require.NoError(t, err)
	assert.False(t, model.Success)
	assert.Equal(t, core.OutcomeCanceled, model.Outcome)
	assert.NotEmpty(t, model.Hash)
}

func TestWatchRetrainsOnChange(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Watch(ctx) }()

	// let the watcher register its directories
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.defs.SaveIntent("bot", pkg.IntentDefinition{
		Name:       "thanks",
		Contexts:   []string{"global"},
		Utterances: map[string][]string{"en": {"thank you", "thanks a lot", "much appreciated"}},
	}))

	assert.Eventually(t, func() bool { return e.LoadedModel("en") != nil }, 30*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	files, err := os.ReadDir(filepath.Join(f.root, "models"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestWatchHonorsPausedAutoTrain(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	require.NoError(t, f.redis.SetAutoTrain(context.Background(), "bot", false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.defs.SaveIntent("bot", pkg.IntentDefinition{Name: "thanks", Contexts: []string{"global"}}))
	time.Sleep(300 * time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Nil(t, e.LoadedModel("en"))
}
