package storage

import (
	"context"
	"errors"
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
	"eino_nlu/internal/ml"
	"eino_nlu/internal/utterance"
	"eino_nlu/pkg"
)

func newRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedisStorageFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestNewRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedisStorage(context.Background(), mr.Addr())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = NewRedisStorage(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = NewRedisStorage(context.Background(), "")
	assert.Error(t, err)
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t)
	store := NewSessionStore(r)

	state, err := store.Get(ctx, "bot", "en")
	require.NoError(t, err)
	assert.Equal(t, core.SessionState{Status: core.StatusIdle, Language: "en"}, state)

	want := core.SessionState{Status: core.StatusTraining, Progress: 0.5, Language: "en"}
	require.NoError(t, store.Set(ctx, "bot", want))
	assert.True(t, mr.Exists("training:bot:en"))

	state, err = store.Get(ctx, "bot", "en")
	require.NoError(t, err)
	assert.Equal(t, want, state)

	require.NoError(t, store.Remove(ctx, "bot", "en"))
	state, err = store.Get(ctx, "bot", "en")
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, state.Status)
}

func TestTrainingStatus(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t)

	training, err := r.IsTraining(ctx, "bot")
	require.NoError(t, err)
	assert.False(t, training)

	require.NoError(t, r.SetTrainingStatus(ctx, "bot", true))
	assert.True(t, mr.Exists("nlu:trainingStatus:bot"))
	training, err = r.IsTraining(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, training)

	require.NoError(t, r.SetTrainingStatus(ctx, "bot", false))
	training, err = r.IsTraining(ctx, "bot")
	require.NoError(t, err)
	assert.False(t, training)
}

func TestAutoTrain(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedis(t)

	on, err := r.IsAutoTrainOn(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, r.SetAutoTrain(ctx, "bot", false))
	on, err = r.IsAutoTrainOn(ctx, "bot")
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, r.SetAutoTrain(ctx, "bot", true))
	on, err = r.IsAutoTrainOn(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, on)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t)
	locker := NewLocker(r, 0)

	lock, err := locker.Acquire(ctx, "training:bot:en", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "training:bot:en", lock.Key())

	_, err = locker.Acquire(ctx, "training:bot:en", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, lock.Refresh(ctx))
	assert.Equal(t, time.Minute, mr.TTL("training:bot:en"))

	require.NoError(t, lock.Unlock(ctx))
	assert.False(t, mr.Exists("training:bot:en"))

	again, err := locker.Acquire(ctx, "training:bot:en", time.Minute)
	require.NoError(t, err)

	// a stale lease must not release the new holder
	require.NoError(t, lock.Unlock(ctx))
	assert.True(t, mr.Exists("training:bot:en"))
	assert.ErrorIs(t, lock.Refresh(ctx), ErrLockNotAcquired)

	require.NoError(t, locker.Clear(ctx, "training:bot:en"))
	assert.False(t, mr.Exists("training:bot:en"))
	require.NoError(t, again.Unlock(ctx))
}

func TestLockerExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t)
	locker := NewLocker(r, 0)

	_, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = locker.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
}

func sampleModel(hash string, finished time.Time) *core.Model {
	c := cache.NewLRU[[]entities.ExtractedEntity](100, nil)
	c.Set("i love paris", []entities.ExtractedEntity{{
		Entity: utterance.Entity{Type: "city", Value: "paris", Confidence: 1},
		Start:  7,
		End:    12,
	}})

	return &core.Model{
		Hash:       hash,
		Language:   "en",
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
		Success:    true,
		Outcome:    core.OutcomeOK,
		Data: core.ModelData{
			Input: core.TrainInput{
				BotID:    "bot",
				Language: "en",
				Contexts: []string{"global"},
				Intents:  []core.IntentInput{{Name: "greet", Contexts: []string{"global"}, Utterances: []string{"hello"}}},
			},
			Artifacts: &core.Artifacts{
				ListEntities: []*entities.ListEntityModel{{
					ID:         "custom.list.city",
					Type:       "custom.list",
					EntityName: "city",
					Mappings:   map[string][]string{"paris": nil},
					Cache:      c,
				}},
				TFIDF:            map[string]float64{"hello": 1},
				IntentModelByCtx: map[string]*ml.SVMModel{"global": {Labels: []string{"greet", "none"}, Weights: [][]float64{{1, 0}, {0, 1}}, Dimensions: 1}},
				SlotsModel:       []byte{1, 2, 3},
				VocabVectors:     map[string][]float64{"hello": {0.5, 0.5}},
				ExactMatchIndex:  core.ExactMatchIndex{"hello": {Intent: "greet", Contexts: []string{"global"}}},
			},
			Output: &core.TrainOutput{},
		},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	model := sampleModel("abc", time.Unix(1700000000, 0).UTC())

	archive, err := Serialize(model)
	require.NoError(t, err)
	assert.Nil(t, model.Data.Artifacts.ListEntityCaches, "the model itself is left untouched")

	got, err := Deserialize(archive)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Hash)
	assert.Equal(t, core.OutcomeOK, got.Outcome)
	assert.Nil(t, got.Data.Output)
	assert.True(t, got.FinishedAt.Equal(model.FinishedAt))
	assert.Equal(t, model.Data.Input.Intents, got.Data.Input.Intents)

	art := got.Data.Artifacts
	require.NotNil(t, art)
	assert.Equal(t, []byte{1, 2, 3}, art.SlotsModel)
	assert.Equal(t, model.Data.Artifacts.IntentModelByCtx, art.IntentModelByCtx)
	assert.Equal(t, model.Data.Artifacts.ExactMatchIndex, art.ExactMatchIndex)
	require.Contains(t, art.ListEntityCaches, "city")
	require.Len(t, art.ListEntityCaches["city"], 1)
	assert.Equal(t, "i love paris", art.ListEntityCaches["city"][0].Key)
	assert.Equal(t, "paris", art.ListEntityCaches["city"][0].Value[0].Value)

	_, err = Deserialize([]byte("not a model"))
	assert.Error(t, err)
}

func TestModelService(t *testing.T) {
	dir := t.TempDir()
	svc := NewModelService(dir, 2, zerolog.Nop())

	_, err := svc.GetLatest("en")
	assert.ErrorIs(t, err, core.ErrModelNotFound)

	base := time.Now().Add(-time.Hour)
	for i, hash := range []string{"h1", "h2", "h3"} {
		require.NoError(t, svc.Save(sampleModel(hash, base)))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(filepath.Join(dir, hash+".en.model"), mod, mod))
	}

	got, err := svc.Get("h2", "en")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.Hash)

	_, err = svc.Get("h2", "fr")
	assert.ErrorIs(t, err, core.ErrModelNotFound)

	latest, err := svc.GetLatest("en")
	require.NoError(t, err)
	assert.Equal(t, "h3", latest.Hash)

	require.NoError(t, svc.Prune("en"))
	_, err = os.Stat(filepath.Join(dir, "h1.en.model"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = svc.Get("h3", "en")
	assert.NoError(t, err)
}

func TestModelServiceRemovesCorruptModel(t *testing.T) {
	dir := t.TempDir()
	svc := NewModelService(dir, 2, zerolog.Nop())

	require.NoError(t, svc.Save(sampleModel("good", time.Now())))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "good.en.model"), old, old))

	corrupt := filepath.Join(dir, "bad.en.model")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))

	_, err := svc.Get("bad", "en")
	assert.ErrorIs(t, err, core.ErrModelNotFound)
	_, err = os.Stat(corrupt)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))
	latest, err := svc.GetLatest("en")
	require.NoError(t, err)
	assert.Equal(t, "good", latest.Hash)
}

func TestDefinitionStore(t *testing.T) {
	store := NewDefinitionStore(t.TempDir())

	intents, err := store.Intents("bot")
	require.NoError(t, err)
	assert.Empty(t, intents)

	require.NoError(t, store.SaveIntent("bot", pkg.IntentDefinition{
		Name:       "greet",
		Contexts:   []string{"global"},
		Utterances: map[string][]string{"en": {"hello"}},
	}))
	require.NoError(t, store.SaveIntent("bot", pkg.IntentDefinition{Name: "bye", Contexts: []string{"global"}}))
	require.NoError(t, store.SaveEntity("bot", pkg.EntityDefinition{
		Name:        "city",
		Type:        pkg.EntityTypeList,
		Occurrences: []pkg.EntityOccurrence{{Name: "paris"}},
	}))

	intents, err = store.Intents("bot")
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, "bye", intents[0].Name)
	assert.Equal(t, "greet.json", intents[1].Filename)
	assert.Equal(t, []string{"hello"}, intents[1].Utterances["en"])

	ents, err := store.Entities("bot")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "city", ents[0].Name)

	require.NoError(t, os.WriteFile(filepath.Join(store.BotDir("bot"), "intents", "broken.json"), []byte("{"), 0o644))
	_, err = store.Intents("bot")
	assert.Error(t, err)
}
