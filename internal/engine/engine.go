// Package engine ties the training and prediction pipelines to model
// storage for one bot: it trains, loads and serves models per language.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/metrics"
	"eino_nlu/internal/prediction"
	"eino_nlu/internal/storage"
	"eino_nlu/internal/training"
	"eino_nlu/pkg"
)

// Options wires an engine. Redis is optional: without it the engine runs
// single-node and neither locks nor persists training sessions.
type Options struct {
	BotID           string
	Languages       []string
	DefaultLanguage string
	Config          core.Config
	Tools           *core.Tools
	Definitions     *storage.DefinitionStore
	Models          *storage.ModelService
	Redis           *storage.RedisStorage
	LockWait        time.Duration
	WatchDebounce   time.Duration
	Log             zerolog.Logger
}

type Engine struct {
	botID           string
	languages       []string
	defaultLanguage string
	cfg             core.Config
	tools           *core.Tools
	definitions     *storage.DefinitionStore
	models          *storage.ModelService
	redis           *storage.RedisStorage
	sessions        *storage.SessionStore
	locker          *storage.Locker
	watchDebounce   time.Duration
	log             zerolog.Logger

	trainer   *training.Trainer
	predictor *prediction.Predictor

	mu               sync.RWMutex
	predictorsByLang map[string]*prediction.Predictors
	modelsByLang     map[string]*core.Model

	trainMu       sync.Mutex
	trainSessions map[string]*core.TrainingSession
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.BotID == "" {
		return nil, errors.New("bot id is required")
	}
	if len(opts.Languages) == 0 {
		return nil, errors.New("at least one language is required")
	}
	if opts.Tools == nil || opts.Definitions == nil || opts.Models == nil {
		return nil, errors.New("tools, definitions and models are required")
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = opts.Languages[0]
	}
	if opts.WatchDebounce == 0 {
		opts.WatchDebounce = 2 * time.Second
	}

	e := &Engine{
		botID:            opts.BotID,
		languages:        opts.Languages,
		defaultLanguage:  opts.DefaultLanguage,
		cfg:              opts.Config,
		definitions:      opts.Definitions,
		models:           opts.Models,
		redis:            opts.Redis,
		watchDebounce:    opts.WatchDebounce,
		log:              opts.Log.With().Str("bot_id", opts.BotID).Logger(),
		predictorsByLang: make(map[string]*prediction.Predictors),
		modelsByLang:     make(map[string]*core.Model),
		trainSessions:    make(map[string]*core.TrainingSession),
	}
	if opts.Redis != nil {
		e.sessions = storage.NewSessionStore(opts.Redis)
		e.locker = storage.NewLocker(opts.Redis, opts.LockWait)
	}

	t := *opts.Tools
	t.ReportProgress = e.reportProgress
	e.tools = &t

	var err error
	if e.trainer, err = training.NewTrainer(ctx, e.cfg.Training, e.tools); err != nil {
		return nil, fmt.Errorf("failed to create trainer: %w", err)
	}
	if e.predictor, err = prediction.NewPredictor(ctx, e.cfg.Prediction, e.tools); err != nil {
		return nil, fmt.Errorf("failed to create predictor: %w", err)
	}
	return e, nil
}

func (e *Engine) BotID() string { return e.botID }

// reportProgress persists the session state and extends the lease of the
// language being trained.
func (e *Engine) reportProgress(botID, msg string, state core.SessionState) {
	e.log.Debug().Str("language", state.Language).Float64("progress", state.Progress).Str("status", string(state.Status)).Msg(msg)

	ctx := context.Background()
	if e.sessions != nil {
		if err := e.sessions.Set(ctx, botID, state); err != nil {
			e.log.Warn().Err(err).Msg("could not persist training session")
		}
	}

	e.trainMu.Lock()
	sess := e.trainSessions[state.Language]
	e.trainMu.Unlock()
	if sess != nil && sess.Lock != nil && state.Status == core.StatusTraining {
		if err := sess.Lock.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Str("language", state.Language).Msg("could not refresh training lock")
		}
	}
}

// ----------------------------------------------------
// ================ Train ================

func uniqueContexts(intents []pkg.IntentDefinition) []string {
	var contexts []string
	for _, i := range intents {
		for _, c := range i.Contexts {
			if !slices.Contains(contexts, c) {
				contexts = append(contexts, c)
			}
		}
	}
	return contexts
}

// BuildTrainInput restricts the definitions of a bot to one language.
// Patterns that do not compile are skipped.
func BuildTrainInput(botID, lang string, intentDefs []pkg.IntentDefinition, entityDefs []pkg.EntityDefinition) core.TrainInput {
	input := core.TrainInput{
		BotID:    botID,
		Language: lang,
		Contexts: uniqueContexts(intentDefs),
	}

	for _, e := range entityDefs {
		switch e.Type {
		case pkg.EntityTypeList:
			input.ListEntities = append(input.ListEntities, core.ListEntityInput{
				Name:           e.Name,
				FuzzyTolerance: e.Fuzzy,
				Sensitive:      e.Sensitive,
				Synonyms:       e.Occurrences,
			})
		case pkg.EntityTypePattern:
			if _, err := regexp.Compile(e.Pattern); err != nil || e.Pattern == "" {
				continue
			}
			input.PatternEntities = append(input.PatternEntities, entities.PatternEntityModel{
				Name:      e.Name,
				Pattern:   e.Pattern,
				MatchCase: e.MatchCase,
			})
		}
	}

	for _, i := range intentDefs {
		utts, ok := i.Utterances[lang]
		if !ok {
			continue
		}
		input.Intents = append(input.Intents, core.IntentInput{
			Name:            i.Name,
			Contexts:        i.Contexts,
			SlotDefinitions: i.Slots,
			Utterances:      utts,
		})
	}
	return input
}

// Train runs the training pipeline and stamps the model with the hash of
// the definitions. A failed or canceled run is reported by the model
// outcome, not by the error.
func (e *Engine) Train(ctx context.Context, intentDefs []pkg.IntentDefinition, entityDefs []pkg.EntityDefinition, lang string, session *core.TrainingSession) (*core.Model, error) {
	hash, err := core.ComputeModelHash(intentDefs, entityDefs)
	if err != nil {
		return nil, err
	}

	log := e.log.With().Str("language", lang).Logger()
	log.Info().Msg("training started")

	input := BuildTrainInput(e.botID, lang, intentDefs, entityDefs)
	input.Session = session

	model := e.trainer.Train(ctx, input)
	model.Hash = hash
	metrics.ObserveTraining(lang, string(model.Outcome), model.FinishedAt.Sub(model.StartedAt))

	if model.Success {
		if session != nil {
			session.SetProgress(1)
			session.SetStatus(core.StatusDone)
			e.tools.Report(e.botID, "Training complete", session.State())
		}
		log.Info().Str("hash", hash).Dur("elapsed", model.FinishedAt.Sub(model.StartedAt)).Msg("training finished")
	} else {
		log.Warn().Str("outcome", string(model.Outcome)).Msg("training did not complete")
	}
	return model, nil
}

// ----------------------------------------------------
// ================ Load & predict ================

func (e *Engine) modelAlreadyLoaded(model *core.Model) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loaded := e.modelsByLang[model.Language]
	return loaded != nil && e.predictorsByLang[model.Language] != nil && loaded.Hash != "" && loaded.Hash == model.Hash
}

// warmEntityCaches binds every list entity to its cache in the registry,
// restoring the cache dumped with the model when the cache is empty.
func (e *Engine) warmEntityCaches(art *core.Artifacts) {
	for _, ent := range art.ListEntities {
		if ent.Cache != nil {
			continue
		}
		if dump, ok := art.ListEntityCaches[ent.EntityName]; ok {
			ent.Cache = e.tools.ListCaches.LoadFromData(ent.EntityName, e.botID, dump)
		} else {
			ent.Cache = e.tools.ListCaches.GetOrCreate(ent.EntityName, e.botID)
		}
	}
}

// LoadModel makes a model serve predictions for its language. Models read
// from storage get their processed intents rebuilt first.
func (e *Engine) LoadModel(ctx context.Context, model *core.Model) error {
	if e.modelAlreadyLoaded(model) {
		return nil
	}
	art := model.Data.Artifacts
	if art == nil {
		return fmt.Errorf("model %s has no artifacts", model.Hash)
	}

	if model.Data.Output == nil && model.Data.Input.HasUtterances() {
		out, err := e.trainer.ProcessInput(ctx, model.Data.Input)
		if err != nil {
			return fmt.Errorf("failed to process model input: %w", err)
		}
		model.Data.Output = out
	}
	e.warmEntityCaches(art)

	predictors, err := prediction.NewPredictors(model, e.tools.Language.IsPOSAvailable(model.Language), e.cfg.Prediction.MinSlotConfidence)
	if err != nil {
		return fmt.Errorf("failed to build predictors: %w", err)
	}

	e.mu.Lock()
	e.predictorsByLang[model.Language] = predictors
	e.modelsByLang[model.Language] = model
	e.mu.Unlock()

	e.log.Info().Str("language", model.Language).Str("hash", model.Hash).Msg("model loaded")
	return nil
}

// LoadedModel returns the model serving a language, if any.
func (e *Engine) LoadedModel(lang string) *core.Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modelsByLang[lang]
}

func (e *Engine) predict(ctx context.Context, text string, includedContexts []string) (*pkg.PredictionResult, error) {
	e.mu.RLock()
	byLang := maps.Clone(e.predictorsByLang)
	e.mu.RUnlock()

	return e.predictor.Predict(ctx, prediction.Input{
		Sentence:         text,
		DefaultLanguage:  e.defaultLanguage,
		IncludedContexts: includedContexts,
	}, byLang)
}

// Predict runs the prediction pipeline. When no model is loaded for the
// language it settles on, the latest stored model of that language is
// loaded and the prediction retried once.
func (e *Engine) Predict(ctx context.Context, text string, includedContexts []string) (*pkg.PredictionResult, error) {
	start := time.Now()

	res, err := e.predict(ctx, text, includedContexts)
	if invalid, ok := core.IsInvalidLanguagePredictor(err); ok {
		model, loadErr := e.models.GetLatest(invalid.Language)
		if loadErr != nil {
			return nil, fmt.Errorf("%w: %w", err, loadErr)
		}
		if loadErr = e.LoadModel(ctx, model); loadErr != nil {
			return nil, loadErr
		}
		res, err = e.predict(ctx, text, includedContexts)
	}
	if err != nil {
		return nil, err
	}

	metrics.ObservePrediction(res.Language, res.Errored, time.Since(start))
	return res, nil
}
