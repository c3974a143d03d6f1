package engine

import (
	"context"
	"errors"
	"fmt"

	"eino_nlu/internal/core"
	"eino_nlu/internal/storage"
	"eino_nlu/pkg"
)

func (e *Engine) acquire(ctx context.Context, lang string) (core.Lock, bool, error) {
	if e.locker == nil {
		return nil, true, nil
	}
	lock, err := e.locker.Acquire(ctx, storage.LockKey(e.botID, lang), e.cfg.Redis.LockTTL)
	if errors.Is(err, storage.ErrLockNotAcquired) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

func (e *Engine) setSession(lang string, sess *core.TrainingSession) {
	e.trainMu.Lock()
	defer e.trainMu.Unlock()
	if sess == nil {
		delete(e.trainSessions, lang)
		return
	}
	e.trainSessions[lang] = sess
}

// TrainOrLoad makes every language serve the model of the current
// definitions, training it when no stored model matches or when forced.
// Languages locked by another process are skipped.
func (e *Engine) TrainOrLoad(ctx context.Context, force bool) error {
	intentDefs, err := e.definitions.Intents(e.botID)
	if err != nil {
		return err
	}
	entityDefs, err := e.definitions.Entities(e.botID)
	if err != nil {
		return err
	}
	hash, err := core.ComputeModelHash(intentDefs, entityDefs)
	if err != nil {
		return err
	}

	if e.redis != nil {
		if err := e.redis.SetTrainingStatus(ctx, e.botID, true); err != nil {
			return err
		}
		defer func() {
			if err := e.redis.SetTrainingStatus(context.WithoutCancel(ctx), e.botID, false); err != nil {
				e.log.Warn().Err(err).Msg("could not clear training status")
			}
		}()
	}

	for _, lang := range e.languages {
		if err := e.trainOrLoadLanguage(ctx, lang, hash, force, intentDefs, entityDefs); err != nil {
			return fmt.Errorf("language %s: %w", lang, err)
		}
	}
	return nil
}

func (e *Engine) trainOrLoadLanguage(ctx context.Context, lang, hash string, force bool, intentDefs []pkg.IntentDefinition, entityDefs []pkg.EntityDefinition) error {
	log := e.log.With().Str("language", lang).Logger()

	lock, ok, err := e.acquire(ctx, lang)
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Msg("language is being trained elsewhere, skipping")
		return nil
	}
	defer func() {
		if lock != nil {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("could not release training lock")
			}
		}
	}()

	if err := e.models.Prune(lang); err != nil {
		log.Warn().Err(err).Msg("could not prune models")
	}

	model, err := e.models.Get(hash, lang)
	if err != nil && !errors.Is(err, core.ErrModelNotFound) {
		return err
	}

	if force || model == nil {
		model, err = e.trainAndSave(ctx, lang, lock, intentDefs, entityDefs)
		if err != nil || model == nil {
			return err
		}
	}
	if model.Success {
		return e.LoadModel(ctx, model)
	}
	return nil
}

func (e *Engine) trainAndSave(ctx context.Context, lang string, lock core.Lock, intentDefs []pkg.IntentDefinition, entityDefs []pkg.EntityDefinition) (*core.Model, error) {
	sess := core.NewTrainingSession(lang, lock)
	e.setSession(lang, sess)
	defer e.setSession(lang, nil)
	e.tools.Report(e.botID, "Training started", sess.State())

	model, err := e.Train(ctx, intentDefs, entityDefs, lang, sess)
	if err != nil {
		return nil, err
	}
	if !model.Success {
		return nil, nil
	}

	if err := e.LoadModel(ctx, model); err != nil {
		return nil, err
	}
	if err := e.models.Save(model); err != nil {
		return nil, err
	}
	return model, nil
}

// CancelTraining clears the training locks of the bot and cancels the
// sessions running in this process.
func (e *Engine) CancelTraining(ctx context.Context) error {
	var errs []error
	for _, lang := range e.languages {
		if e.locker != nil {
			if err := e.locker.Clear(ctx, storage.LockKey(e.botID, lang)); err != nil {
				errs = append(errs, err)
			}
		}

		e.trainMu.Lock()
		sess := e.trainSessions[lang]
		e.trainMu.Unlock()
		if sess == nil {
			continue
		}
		sess.Cancel()
		e.log.Info().Str("language", lang).Msg("training canceled")
	}
	return errors.Join(errs...)
}

// TrainingState returns the session state of a language, as persisted when
// Redis is configured or as held in memory otherwise.
func (e *Engine) TrainingState(ctx context.Context, lang string) (core.SessionState, error) {
	if e.sessions != nil {
		return e.sessions.Get(ctx, e.botID, lang)
	}
	e.trainMu.Lock()
	defer e.trainMu.Unlock()
	if sess := e.trainSessions[lang]; sess != nil {
		return sess.State(), nil
	}
	return core.DefaultSessionState(lang), nil
}

// IsTraining reports whether a training-or-load pass is running for the bot.
func (e *Engine) IsTraining(ctx context.Context) (bool, error) {
	if e.redis == nil {
		e.trainMu.Lock()
		defer e.trainMu.Unlock()
		return len(e.trainSessions) > 0, nil
	}
	return e.redis.IsTraining(ctx, e.botID)
}
