// Package training turns intent and entity definitions of one language into
// a trained model.
package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	"eino_nlu/internal/core"
)

// Trainer runs the training pipeline. It is safe for concurrent use; every
// call to Train works on its own state.
type Trainer struct {
	cfg      core.TrainingConfig
	tools    *core.Tools
	runnable compose.Runnable[*trainRequest, *trained]
}

// NewTrainer compiles the training pipeline.
func NewTrainer(ctx context.Context, cfg core.TrainingConfig, t *core.Tools) (*Trainer, error) {
	if t == nil || t.Language == nil || t.System == nil {
		return nil, fmt.Errorf("training requires a language provider and a system entity extractor")
	}
	tr := &Trainer{cfg: cfg, tools: t}

	log := t.Log
	runnable, err := core.Chain[*trainRequest, *trained](ctx, "training",
		core.Step(log, "training", "preprocess", tr.preprocess),
		core.Step(log, "training", "tfidf", tr.tfidfTokens),
		core.Step(log, "training", "cluster", tr.clusterTokens),
		core.Step(log, "training", "extract_entities", tr.extractEntities),
		core.Step(log, "training", "append_none_intent", tr.appendNoneIntent),
		core.Step(log, "training", "exact_match_index", tr.buildExactMatchIndex),
		core.Step(log, "training", "train_classifiers", tr.trainClassifiers),
	)
	if err != nil {
		return nil, err
	}
	tr.runnable = runnable
	return tr, nil
}

func (t *Trainer) log(input core.TrainInput) *zerolog.Logger {
	l := t.tools.Log.With().Str("bot_id", input.BotID).Str("language", input.Language).Logger()
	return &l
}

// Train never fails: errors and panics are reported through the model
// outcome. A canceled session yields OutcomeCanceled.
func (t *Trainer) Train(ctx context.Context, input core.TrainInput) (model *core.Model) {
	model = &core.Model{
		Language:  input.Language,
		StartedAt: time.Now(),
		Data:      core.ModelData{Input: input},
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	progress := newProgressTracker(input.BotID, input.Session, t.tools, cancel, t.cfg.ProgressDebounce, t.cfg.ProgressMaxWait)
	req := &trainRequest{
		input:    input,
		progress: progress,
		rng:      rand.New(rand.NewSource(t.cfg.Seed)),
	}
	log := t.log(input)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("training panicked")
			model.Success = false
			model.Outcome = core.OutcomeFailed
			model.Data.Artifacts = nil
			model.Data.Output = nil
		}
		model.FinishedAt = time.Now()
		progress.flush()
	}()

	log.Info().Int("intents", len(input.Intents)).Msg("training started")
	out, err := t.runnable.Invoke(ctx, req)
	if err == nil && progress.canceled() {
		// canceled after the last progress check
		err = core.ErrTrainingCanceled
	}
	if err != nil {
		model.Success = false
		if errors.Is(context.Cause(ctx), core.ErrTrainingCanceled) || errors.Is(err, core.ErrTrainingCanceled) {
			model.Outcome = core.OutcomeCanceled
			log.Info().Msg("training canceled")
			return model
		}
		model.Outcome = core.OutcomeFailed
		log.Error().Err(err).Msg("training failed")
		return model
	}

	model.Success = true
	model.Outcome = core.OutcomeOK
	model.Data.Artifacts = out.artifacts
	model.Data.Output = &core.TrainOutput{
		Intents:      out.allIntents,
		ListEntities: out.listEntities,
		TFIDF:        out.tfidf,
		Kmeans:       out.kmeans,
	}
	log.Info().Dur("elapsed", time.Since(model.StartedAt)).Msg("training done")
	return model
}

// ProcessInput runs the preprocessing stages only. It rebuilds the output
// of a model loaded from storage, whose processed intents are not saved.
func (t *Trainer) ProcessInput(ctx context.Context, input core.TrainInput) (*core.TrainOutput, error) {
	req := &trainRequest{
		input:    input,
		progress: newProgressTracker(input.BotID, nil, t.tools, func(error) {}, 0, 0),
		rng:      rand.New(rand.NewSource(t.cfg.Seed)),
	}
	pre, err := t.preprocess(ctx, req)
	if err != nil {
		return nil, err
	}
	scored, err := t.tfidfTokens(ctx, pre)
	if err != nil {
		return nil, err
	}
	s, err := t.clusterTokens(ctx, scored)
	if err != nil {
		return nil, err
	}
	return &core.TrainOutput{
		Intents:      s.intents,
		ListEntities: s.listEntities,
		TFIDF:        s.tfidf,
		Kmeans:       s.kmeans,
	}, nil
}
