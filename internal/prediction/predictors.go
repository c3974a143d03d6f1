// Package prediction turns one sentence into intents, contexts, entities
// and slots using the models trained for each language.
package prediction

import (
	"fmt"

	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/slots"
)

// Predictors is everything a loaded model exposes to the prediction
// pipeline for one language.
type Predictors struct {
	Language        string
	Contexts        []string
	Intents         []*core.Intent
	ListEntities    []*entities.ListEntityModel
	PatternEntities []entities.PatternEntityModel
	TFIDF           map[string]float64
	VocabVectors    map[string][]float64
	ExactMatchIndex core.ExactMatchIndex
	Kmeans          *ml.KMeansModel

	CtxClassifier          *ml.SVMModel
	IntentClassifierPerCtx map[string]*ml.SVMModel
	OOSClassifier          *ml.SVMModel
	SlotTagger             *slots.Tagger
}

// NewPredictors builds the predictors of a trained model. The model output
// must be set. A model trained without any utterance only extracts
// entities.
func NewPredictors(model *core.Model, posAvailable bool, minSlotConfidence float64) (*Predictors, error) {
	art := model.Data.Artifacts
	if art == nil {
		return nil, fmt.Errorf("model %s has no artifacts", model.Hash)
	}
	input := model.Data.Input

	p := &Predictors{
		Language:        model.Language,
		ListEntities:    art.ListEntities,
		PatternEntities: input.PatternEntities,
		TFIDF:           art.TFIDF,
		VocabVectors:    art.VocabVectors,
		ExactMatchIndex: art.ExactMatchIndex,
	}
	if !input.HasUtterances() {
		return p, nil
	}

	out := model.Data.Output
	if out == nil {
		return nil, fmt.Errorf("model %s was not processed", model.Hash)
	}

	tagger := slots.NewTagger(core.DefaultConfig().Training.CRF, minSlotConfidence)
	if err := tagger.Load(art.SlotsModel); err != nil {
		return nil, err
	}

	p.Contexts = input.Contexts
	p.Intents = out.Intents
	p.Kmeans = out.Kmeans
	p.CtxClassifier = art.CtxModel
	p.IntentClassifierPerCtx = art.IntentModelByCtx
	p.SlotTagger = tagger
	if posAvailable {
		p.OOSClassifier = art.OOSModel
	}
	return p, nil
}

func (p *Predictors) intent(name string) *core.Intent {
	for _, i := range p.Intents {
		if i.Name == name {
			return i
		}
	}
	return nil
}

func (p *Predictors) vocab() map[string]bool {
	vocab := make(map[string]bool, len(p.VocabVectors))
	for tok := range p.VocabVectors {
		vocab[tok] = true
	}
	return vocab
}
