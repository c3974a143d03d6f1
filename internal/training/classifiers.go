package training

import (
	"context"
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"eino_nlu/internal/core"
	"eino_nlu/internal/features"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/slots"
	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
)

func hasNaN(vec []float64) bool {
	return slices.ContainsFunc(vec, math.IsNaN)
}

// trainIntentClassifier fits one SVM per context over the intents of that
// context having enough examples. Only every third none utterance longer
// than two tokens is kept to balance the none class.
func (t *Trainer) trainIntentClassifier(ctx context.Context, s *indexed) (map[string]*ml.SVMModel, error) {
	byCtx := make(map[string]*ml.SVMModel)
	nctx := float64(len(s.input.Contexts))

	for i, c := range s.input.Contexts {
		var points []ml.DataPoint
		for _, intent := range s.allIntents {
			if !intent.InContext(c) || len(intent.Utterances) < t.cfg.MinUtterances {
				continue
			}
			for idx, u := range intent.Utterances {
				if intent.Name == core.NoneIntent && (u.Len() <= 2 || idx%3 != 0) {
					continue
				}
				coords := features.IntentFeatures(u)
				if hasNaN(coords) {
					continue
				}
				points = append(points, ml.DataPoint{Label: intent.Name, Coordinates: coords})
			}
		}

		if len(points) == 0 {
			s.progress.step(float64(i+1) / nctx)
			continue
		}

		model, err := ml.TrainSVM(ctx, points, t.cfg.IntentSVM, func(p float64) {
			s.progress.step((float64(i) + p) / nctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to train intent classifier of context %s: %w", c, err)
		}
		byCtx[c] = model
	}
	return byCtx, nil
}

// trainContextClassifier returns nil when there is a single context.
func (t *Trainer) trainContextClassifier(ctx context.Context, s *indexed) (*ml.SVMModel, error) {
	var points []ml.DataPoint
	for _, c := range s.input.Contexts {
		for _, intent := range s.intents {
			if !intent.InContext(c) {
				continue
			}
			for _, u := range intent.Utterances {
				coords := features.ContextEmbedding(u)
				if !hasNaN(coords) {
					points = append(points, ml.DataPoint{Label: c, Coordinates: coords})
				}
			}
		}
	}

	if len(points) == 0 || len(s.input.Contexts) <= 1 {
		s.progress.done()
		return nil, nil
	}

	model, err := ml.TrainSVM(ctx, points, t.cfg.ContextSVM, func(p float64) {
		s.progress.step(tools.Round(p, 1))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to train context classifier: %w", err)
	}
	return model, nil
}

// trainSlotTagger returns an empty blob when no intent declares a slot.
func (t *Trainer) trainSlotTagger(ctx context.Context, s *indexed) ([]byte, error) {
	hasSlots := slices.ContainsFunc(s.intents, (*core.Intent).HasSlots)
	if !hasSlots {
		s.progress.done()
		return []byte{}, nil
	}

	tagger := slots.NewTagger(t.cfg.CRF, slots.DefaultMinConfidence)
	if err := tagger.Train(ctx, s.intents, nil); err != nil {
		return nil, fmt.Errorf("failed to train slot tagger: %w", err)
	}
	s.progress.done()
	return tagger.Serialize()
}

// trainOutOfScope needs a part-of-speech model for the language.
func (t *Trainer) trainOutOfScope(ctx context.Context, s *indexed) (*ml.SVMModel, error) {
	var noneUtts []*utterance.Utterance
	for _, intent := range s.allIntents {
		if intent.Name == core.NoneIntent {
			noneUtts = append(noneUtts, intent.Utterances...)
		}
	}
	if !t.tools.Language.IsPOSAvailable(s.input.Language) || len(noneUtts) == 0 {
		s.progress.done()
		return nil, nil
	}

	points, err := features.OOSPoints(ctx, noneUtts, t.cfg.OOSClusters, t.cfg.KMeans)
	if err != nil {
		return nil, err
	}
	for _, intent := range s.intents {
		points = append(points, features.InScopePoints(intent.Utterances, intent.Name)...)
	}

	model, err := ml.TrainSVM(ctx, points, t.cfg.OOSSVM, func(p float64) {
		s.progress.step(tools.Round(p, 2))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to train out of scope classifier: %w", err)
	}
	return model, nil
}

// trainClassifiers fits the four models concurrently and assembles the
// artifacts.
func (t *Trainer) trainClassifiers(ctx context.Context, s *indexed) (*trained, error) {
	art := &core.Artifacts{
		ListEntities:    s.listEntities,
		TFIDF:           s.tfidf,
		VocabVectors:    buildVectorsVocab(s.allIntents),
		ExactMatchIndex: s.exactMatch,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		art.OOSModel, err = t.trainOutOfScope(gctx, s)
		return err
	})
	g.Go(func() (err error) {
		art.CtxModel, err = t.trainContextClassifier(gctx, s)
		return err
	})
	g.Go(func() (err error) {
		art.IntentModelByCtx, err = t.trainIntentClassifier(gctx, s)
		return err
	})
	g.Go(func() (err error) {
		art.SlotsModel, err = t.trainSlotTagger(gctx, s)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &trained{indexed: s, artifacts: art}, nil
}
