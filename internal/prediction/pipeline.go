package prediction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/compose"
	"golang.org/x/sync/errgroup"

	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/features"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/slots"
	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
	"eino_nlu/pkg"
)

// Input is one prediction request.
type Input struct {
	Sentence         string
	DefaultLanguage  string
	IncludedContexts []string
}

// ----------------------------------------------------
// ================ Stage outputs ================

type request struct {
	Input
	byLang map[string]*Predictors
	start  time.Time
	// set when no predictor serves the language, so the caller can load one
	invalidLanguage *core.InvalidLanguagePredictorError
}

type preprocessed struct {
	*request
	predictors       *Predictors
	detectedLanguage string
	language         string
	includedContexts []string
}

type featurized struct {
	*preprocessed
	utterance *utterance.Utterance
	alternate *utterance.Utterance
}

type tagged struct {
	*featurized
}

type oosScored struct {
	*tagged
	oos *float64
}

type ctxPredicted struct {
	*oosScored
	ctxPredictions []ml.Prediction
}

type intentPredicted struct {
	*ctxPredicted
	perCtx map[string][]candidate
}

type voted struct {
	*intentPredicted
	combined []pkg.ElectedIntent
	elected  *pkg.ElectedIntent
}

type disambiguated struct {
	*voted
	ambiguous bool
}

type slotted struct {
	*disambiguated
	slotsPerIntent map[string][]slots.ExtractedSlot
}

// ----------------------------------------------------
// ================ Predictor ================

// Predictor runs the prediction pipeline over the predictors of every
// loaded language.
type Predictor struct {
	cfg      core.PredictionConfig
	tools    *core.Tools
	runnable compose.Runnable[*request, *pkg.PredictionResult]
}

const (
	nodePreprocess = "preprocess"
	nodeUtterance  = "make_utterance"
	nodeEntities   = "extract_entities"
	nodeOOS        = "predict_out_of_scope"
	nodeContext    = "predict_context"
	nodeIntent     = "predict_intent"
	nodeElect      = "elect_intent"
	nodeAmbiguity  = "detect_ambiguity"
	nodeSlots      = "extract_slots"
	nodeOutput     = "map_output"
)

// NewPredictor compiles the prediction graph.
func NewPredictor(ctx context.Context, cfg core.PredictionConfig, t *core.Tools) (*Predictor, error) {
	if t == nil || t.Language == nil || t.System == nil {
		return nil, fmt.Errorf("prediction requires a language provider and a system entity extractor")
	}
	p := &Predictor{cfg: cfg, tools: t}

	log := t.Log
	runnable, err := core.Chain[*request, *pkg.PredictionResult](ctx, "prediction",
		core.Step(log, "prediction", nodePreprocess, p.preprocess),
		core.Step(log, "prediction", nodeUtterance, p.makePredictionUtterance),
		core.Step(log, "prediction", nodeEntities, p.extractEntities),
		core.Step(log, "prediction", nodeOOS, p.predictOutOfScope),
		core.Step(log, "prediction", nodeContext, p.predictContext),
		core.Step(log, "prediction", nodeIntent, p.predictIntent),
		core.Step(log, "prediction", nodeElect, p.electIntent),
		core.Step(log, "prediction", nodeAmbiguity, p.detectAmbiguity),
		core.Step(log, "prediction", nodeSlots, p.extractSlots),
		core.Step(log, "prediction", nodeOutput, p.mapStepToOutput),
	)
	if err != nil {
		return nil, err
	}
	p.runnable = runnable
	return p, nil
}

// Predict returns an InvalidLanguagePredictorError when no predictor serves
// the language. Every other failure yields an errored result.
func (p *Predictor) Predict(ctx context.Context, in Input, byLang map[string]*Predictors) (res *pkg.PredictionResult, err error) {
	req := &request{Input: in, byLang: byLang, start: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			p.tools.Log.Error().Interface("panic", r).Msg("could not perform prediction")
			res, err = &pkg.PredictionResult{Errored: true}, nil
		}
	}()

	res, err = p.runnable.Invoke(ctx, req)
	if err != nil {
		if req.invalidLanguage != nil {
			return nil, req.invalidLanguage
		}
		p.tools.Log.Error().Err(err).Msg("could not perform prediction")
		return &pkg.PredictionResult{Errored: true}, nil
	}
	return res, nil
}

// ----------------------------------------------------
// ================ Stages ================

// DetectLanguage picks the language to predict with. The identifier result
// is kept when it names a supported language; otherwise the share of the
// sentence covered by each language vocabulary decides. Below threshold
// the default language is used.
func DetectLanguage(sentence, defaultLanguage string, byLang map[string]*Predictors, identifier core.LanguageIdentifier) (used, detected string) {
	supported := make([]string, 0, len(byLang))
	for lang := range byLang {
		supported = append(supported, lang)
	}
	sort.Strings(supported)

	detected = core.NALang
	score := 0.0
	if identifier != nil {
		for _, pred := range identifier.Identify(sentence) {
			if slices.Contains(supported, pred.Label) {
				detected, score = pred.Label, pred.Confidence
				break
			}
		}
	}

	length := utf8.RuneCountInString(sentence)
	threshold := 0.3
	if length > 20 {
		threshold = 0.5
	}

	if detected == core.NALang && length > 0 {
		bestConf := -1.0
		for _, lang := range supported {
			toks := make([]string, 0, len(byLang[lang].VocabVectors))
			for tok := range byLang[lang].VocabVectors {
				toks = append(toks, tok)
			}
			sort.SliceStable(toks, func(i, j int) bool {
				if len(toks[i]) != len(toks[j]) {
					return len(toks[i]) > len(toks[j])
				}
				return toks[i] < toks[j]
			})

			rest := strings.ToLower(sentence)
			for _, tok := range toks {
				if tok != "" {
					rest = strings.Replace(rest, tok, "", 1)
				}
			}
			conf := 1 - float64(utf8.RuneCountInString(rest))/float64(length)
			if conf >= threshold && conf > bestConf {
				bestConf = conf
				detected, score = lang, conf
			}
		}
	}

	if detected != core.NALang && score > threshold {
		return detected, detected
	}
	return defaultLanguage, detected
}

func (p *Predictor) preprocess(_ context.Context, req *request) (*preprocessed, error) {
	used, detected := DetectLanguage(req.Sentence, req.DefaultLanguage, req.byLang, p.tools.Identifier)
	predictors := req.byLang[used]
	if predictors == nil {
		req.invalidLanguage = &core.InvalidLanguagePredictorError{Language: used}
		return nil, req.invalidLanguage
	}

	var contexts []string
	for _, c := range req.IncludedContexts {
		if slices.Contains(predictors.Contexts, c) {
			contexts = append(contexts, c)
		}
	}
	if len(contexts) == 0 {
		contexts = predictors.Contexts
	}
	return &preprocessed{
		request:          req,
		predictors:       predictors,
		detectedLanguage: detected,
		language:         used,
		includedContexts: contexts,
	}, nil
}

func (p *Predictor) makePredictionUtterance(ctx context.Context, in *preprocessed) (*featurized, error) {
	text := tools.ReplaceConsecutiveSpaces(strings.TrimSpace(in.Sentence))
	pr := in.predictors

	utts, err := utterance.BuildUtteranceBatch(ctx, []string{text}, in.language, p.tools.Language, pr.vocab())
	if err != nil {
		return nil, err
	}
	if len(utts) == 0 {
		return nil, errors.New("sentence has no token")
	}

	u := utts[0]
	alt := utterance.GetAlternateUtterance(u, pr.VocabVectors)
	for _, x := range []*utterance.Utterance{u, alt} {
		if x == nil {
			continue
		}
		x.SetGlobalTFIDF(pr.TFIDF)
		if pr.Kmeans != nil {
			x.SetKmeans(pr.Kmeans)
		}
	}
	return &featurized{preprocessed: in, utterance: u, alternate: alt}, nil
}

func (p *Predictor) extractEntities(ctx context.Context, in *featurized) (*tagged, error) {
	pr := in.predictors
	for _, x := range []*utterance.Utterance{in.utterance, in.alternate} {
		if x == nil {
			continue
		}
		found := entities.ExtractListEntities(x, pr.ListEntities, x == in.utterance)
		found = append(found, entities.ExtractPatternEntities(x, pr.PatternEntities)...)

		sys, err := p.tools.System.ExtractMultiple(ctx, []string{x.Text()}, in.language, true)
		if err != nil {
			return nil, fmt.Errorf("failed to extract system entities: %w", err)
		}
		if len(sys) > 0 {
			found = append(found, sys[0]...)
		}
		entities.TagAll(x, found)
	}
	return &tagged{featurized: in}, nil
}

func (p *Predictor) predictOutOfScope(_ context.Context, in *tagged) (*oosScored, error) {
	out := &oosScored{tagged: in}
	classifier := in.predictors.OOSClassifier
	if classifier == nil || !p.tools.Language.IsPOSAvailable(in.language) {
		return out, nil
	}

	utt := in.utterance
	if in.alternate != nil {
		utt = in.alternate
	}
	preds, err := classifier.Predict(features.OOSFeatures(utt))
	if err != nil {
		return nil, fmt.Errorf("failed to predict out of scope: %w", err)
	}
	confidence := 0.0
	for _, pred := range preds {
		if strings.HasPrefix(pred.Label, features.OOSLabelPrefix) {
			confidence += pred.Confidence
		}
	}
	out.oos = &confidence
	return out, nil
}

// predictContext blends in the alternate predictions only when the
// alternate top confidence is strictly higher.
func (p *Predictor) predictContext(_ context.Context, in *oosScored) (*ctxPredicted, error) {
	classifier := in.predictors.CtxClassifier
	if classifier == nil {
		label := core.DefaultContext
		if len(in.includedContexts) > 0 {
			label = in.includedContexts[0]
		}
		return &ctxPredicted{oosScored: in, ctxPredictions: []ml.Prediction{{Label: label, Confidence: 1}}}, nil
	}

	preds, err := classifier.Predict(features.ContextEmbedding(in.utterance))
	if err != nil {
		return nil, fmt.Errorf("failed to predict context: %w", err)
	}
	if in.alternate != nil {
		alt, err := classifier.Predict(features.ContextEmbedding(in.alternate))
		if err != nil {
			return nil, fmt.Errorf("failed to predict context: %w", err)
		}
		if len(alt) > 0 && len(preds) > 0 && alt[0].Confidence > preds[0].Confidence {
			merged := meanByLabel(fromML(alt), fromML(preds))
			preds = make([]ml.Prediction, len(merged))
			for i, c := range merged {
				preds[i] = ml.Prediction{Label: c.Label, Confidence: c.Confidence}
			}
		}
	}
	return &ctxPredicted{oosScored: in, ctxPredictions: preds}, nil
}

func (p *Predictor) intentsOf(classifier *ml.SVMModel, u *utterance.Utterance, index core.ExactMatchIndex, ctx string) ([]candidate, error) {
	preds, err := classifier.Predict(features.IntentFeatures(u))
	if err != nil {
		return nil, fmt.Errorf("failed to predict intents of context %s: %w", ctx, err)
	}
	out := fromML(preds)
	if label, ok := index.Find(u, ctx); ok {
		out = promoteExactMatch(out, label)
	}
	return out, nil
}

// predictIntent classifies the intents of every predicted context
// concurrently. Contexts without a classifier are left out.
func (p *Predictor) predictIntent(ctx context.Context, in *ctxPredicted) (*intentPredicted, error) {
	pr := in.predictors
	if len(pr.Intents) == 0 {
		return &intentPredicted{ctxPredicted: in, perCtx: map[string][]candidate{
			core.DefaultContext: {{Label: core.NoneIntent, Confidence: 1}},
		}}, nil
	}

	results := make([][]candidate, len(in.ctxPredictions))
	g, _ := errgroup.WithContext(ctx)
	for i, ctxPred := range in.ctxPredictions {
		classifier := pr.IntentClassifierPerCtx[ctxPred.Label]
		if classifier == nil {
			continue
		}
		g.Go(func() error {
			preds, err := p.intentsOf(classifier, in.utterance, pr.ExactMatchIndex, ctxPred.Label)
			if err != nil {
				return err
			}
			if in.alternate != nil {
				alt, err := p.intentsOf(classifier, in.alternate, pr.ExactMatchIndex, ctxPred.Label)
				if err != nil {
					return err
				}
				if len(alt) > 0 && alt[0].Confidence >= topConfidence(preds) {
					preds = meanByLabel(alt, preds)
				}
			}
			results[i] = preds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	perCtx := make(map[string][]candidate, len(results))
	for i, ctxPred := range in.ctxPredictions {
		if results[i] != nil {
			perCtx[ctxPred.Label] = results[i]
		}
	}
	return &intentPredicted{ctxPredicted: in, perCtx: perCtx}, nil
}

func (p *Predictor) electIntent(_ context.Context, in *intentPredicted) (*voted, error) {
	combined, best := electIntent(electionInput{
		includedContexts: in.includedContexts,
		ctxPredictions:   in.ctxPredictions,
		perCtx:           in.perCtx,
		oos:              in.oos,
		oosThreshold:     p.cfg.OOSThreshold,
		lowIntent:        p.cfg.LowIntentThreshold,
	})
	return &voted{intentPredicted: in, combined: combined, elected: best}, nil
}

func (p *Predictor) detectAmbiguity(_ context.Context, in *voted) (*disambiguated, error) {
	return &disambiguated{voted: in, ambiguous: detectAmbiguity(in.combined, p.cfg.AmbiguityWindow)}, nil
}

// extractSlots tags the slots of the elected intent on the utterance, then
// extracts the slots of every intent declaring some.
func (p *Predictor) extractSlots(_ context.Context, in *disambiguated) (*slotted, error) {
	pr := in.predictors
	out := &slotted{disambiguated: in, slotsPerIntent: make(map[string][]slots.ExtractedSlot)}
	if pr.SlotTagger == nil {
		return out, nil
	}

	if !in.ambiguous && in.elected != nil {
		if intent := pr.intent(in.elected.Name); intent != nil && intent.HasSlots() {
			for _, s := range pr.SlotTagger.Extract(in.utterance, intent) {
				if err := in.utterance.TagSlot(s.Slot, s.Start, s.End); err != nil {
					return nil, fmt.Errorf("failed to tag slot %s: %w", s.Slot.Name, err)
				}
			}
		}
	}

	for _, intent := range pr.Intents {
		if intent.HasSlots() {
			out.slotsPerIntent[intent.Name] = pr.SlotTagger.Extract(in.utterance, intent)
		}
	}
	return out, nil
}

func slotPrediction(s slots.ExtractedSlot) pkg.SlotPrediction {
	return pkg.SlotPrediction{
		Name:       s.Slot.Name,
		Source:     s.Slot.Source,
		Value:      s.Slot.Value,
		Confidence: s.Slot.Confidence,
		Start:      s.Start,
		End:        s.End,
	}
}

func (p *Predictor) mapStepToOutput(_ context.Context, in *slotted) (*pkg.PredictionResult, error) {
	u := in.utterance

	ents := make([]pkg.EntityPrediction, len(u.Entities))
	for i, e := range u.Entities {
		ents[i] = pkg.EntityPrediction{
			Name: e.Type,
			Type: e.Metadata.EntityID,
			Data: pkg.EntityData{Unit: e.Metadata.Unit, Value: e.Value},
			Meta: pkg.EntityMeta{Confidence: e.Confidence, Start: e.StartPos, End: e.EndPos, Source: e.Metadata.Source},
		}
	}

	slotsByName := make(map[string]pkg.SlotPrediction, len(u.Slots))
	for _, s := range u.Slots {
		slotsByName[s.Name] = pkg.SlotPrediction{
			Name:       s.Name,
			Source:     s.Source,
			Value:      s.Value,
			Confidence: s.Confidence,
			Start:      s.StartPos,
			End:        s.EndPos,
		}
	}

	oosConf := 0.0
	if in.oos != nil {
		oosConf = *in.oos
	}
	predictions := []pkg.ContextPrediction{{
		Context:    "oos",
		Confidence: oosConf,
		Intents:    []pkg.IntentPrediction{{Label: core.NoneIntent, Confidence: 1}},
	}}
	for _, ctxPred := range in.ctxPredictions {
		intents := make([]pkg.IntentPrediction, 0, len(in.perCtx[ctxPred.Label]))
		for _, c := range in.perCtx[ctxPred.Label] {
			// keep only the most confident slot of each name
			best := make(map[string]pkg.SlotPrediction)
			for _, s := range in.slotsPerIntent[c.Label] {
				if cur, ok := best[s.Slot.Name]; ok && cur.Confidence > s.Slot.Confidence {
					continue
				}
				best[s.Slot.Name] = slotPrediction(s)
			}
			intents = append(intents, pkg.IntentPrediction{
				Label:      c.Label,
				Confidence: c.Confidence,
				Extractor:  c.Extractor,
				Slots:      best,
			})
		}
		predictions = append(predictions, pkg.ContextPrediction{
			Context:    ctxPred.Label,
			Confidence: ctxPred.Confidence,
			Intents:    intents,
		})
	}
	sort.SliceStable(predictions, func(i, j int) bool { return predictions[i].Confidence > predictions[j].Confidence })

	return &pkg.PredictionResult{
		Ambiguous:        in.ambiguous,
		DetectedLanguage: in.detectedLanguage,
		Language:         in.language,
		IncludedContexts: in.includedContexts,
		Entities:         ents,
		Predictions:      predictions,
		Intent:           in.elected,
		Intents:          in.combined,
		Slots:            slotsByName,
		Ms:               time.Since(in.start).Milliseconds(),
	}, nil
}
