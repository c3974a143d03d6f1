package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"strings"

	"eino_nlu/internal/core"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
)

// ----------------------------------------------------
// ================ Stage outputs ================

// trainRequest starts a training run.
type trainRequest struct {
	input    core.TrainInput
	progress *progressTracker
	rng      *rand.Rand
}

type preprocessed struct {
	*trainRequest
	listEntities []*entities.ListEntityModel
	intents      []*core.Intent
}

type tfidfScored struct {
	*preprocessed
	tfidf map[string]float64
}

type clustered struct {
	*tfidfScored
	kmeans *ml.KMeansModel
}

type entityTagged struct {
	*clustered
}

// noneAppended holds the intents plus the synthesized none intent.
type noneAppended struct {
	*entityTagged
	allIntents []*core.Intent
}

type indexed struct {
	*noneAppended
	exactMatch core.ExactMatchIndex
}

type trained struct {
	*indexed
	artifacts *core.Artifacts
}

// MakeListEntityModel tokenizes every value of a list entity and attaches
// the bot cache of the entity.
func MakeListEntityModel(ctx context.Context, in core.ListEntityInput, botID, lang string, t *core.Tools) (*entities.ListEntityModel, error) {
	var allValues []string
	seen := make(map[string]bool)
	addValue := func(v string) {
		if !seen[v] {
			seen[v] = true
			allValues = append(allValues, v)
		}
	}
	for _, occ := range in.Synonyms {
		addValue(occ.Name)
	}
	for _, occ := range in.Synonyms {
		for _, syn := range occ.Synonyms {
			addValue(syn)
		}
	}

	tokenized, err := t.Language.Tokenize(ctx, allValues, lang, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize list entity %s: %w", in.Name, err)
	}
	tokensOf := make(map[string][]string, len(allValues))
	for i, v := range allValues {
		toks := make([]string, len(tokenized[i]))
		for j, tok := range tokenized[i] {
			toks[j] = tools.ConvertToRealSpaces(tok)
		}
		tokensOf[v] = toks
	}

	model := &entities.ListEntityModel{
		ID:             "custom.list." + in.Name,
		Type:           "custom.list",
		EntityName:     in.Name,
		FuzzyTolerance: in.FuzzyTolerance,
		Sensitive:      in.Sensitive,
		Mappings:       make(map[string][]string, len(in.Synonyms)),
	}
	for _, occ := range in.Synonyms {
		model.Mappings[occ.Name] = occ.Synonyms
		mapping := entities.CanonicalTokens{Canonical: occ.Name}
		for _, syn := range append(slices.Clone(occ.Synonyms), occ.Name) {
			mapping.Occurrences = append(mapping.Occurrences, tokensOf[syn])
		}
		model.MappingsTokens = append(model.MappingsTokens, mapping)
	}
	if t.ListCaches != nil {
		model.Cache = t.ListCaches.GetOrCreate(in.Name, botID)
	}
	return model, nil
}

// buildIntentVocab collects the lower-cased tokens that are not part of a
// slot, plus the tokens of the list entities the intent slots accept.
func buildIntentVocab(utts []*utterance.Utterance, intentEntities []*entities.ListEntityModel) map[string]bool {
	vocab := make(map[string]bool)
	for _, u := range utts {
		for _, tok := range u.Tokens() {
			if len(tok.Slots()) == 0 {
				vocab[tok.String(utterance.TokenStringOptions{LowerCase: true})] = true
			}
		}
	}
	for _, e := range intentEntities {
		for _, mapping := range e.MappingsTokens {
			for _, occ := range mapping.Occurrences {
				for _, tok := range occ {
					vocab[strings.Replace(strings.ToLower(tok), tools.SPACE, " ", 1)] = true
				}
			}
		}
	}
	return vocab
}

// ProcessIntents turns intent definitions into utterances and computes
// their vocabulary and slot entities.
func ProcessIntents(ctx context.Context, intents []core.IntentInput, lang string, listEntities []*entities.ListEntityModel, t *core.Tools) ([]*core.Intent, error) {
	out := make([]*core.Intent, 0, len(intents))
	for _, in := range intents {
		cleaned := make([]string, len(in.Utterances))
		for i, raw := range in.Utterances {
			cleaned[i] = tools.ReplaceConsecutiveSpaces(strings.TrimSpace(raw))
		}
		utts, err := utterance.BuildUtteranceBatch(ctx, cleaned, lang, t.Language, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build utterances of intent %s: %w", in.Name, err)
		}

		var allowed []string
		for _, slot := range in.SlotDefinitions {
			for _, e := range slot.Entities {
				if e != core.AnyEntity && !slices.Contains(allowed, e) {
					allowed = append(allowed, e)
				}
			}
		}
		var entityModels []*entities.ListEntityModel
		for _, e := range listEntities {
			if slices.Contains(allowed, e.EntityName) {
				entityModels = append(entityModels, e)
			}
		}

		out = append(out, &core.Intent{
			Name:            in.Name,
			Contexts:        in.Contexts,
			SlotDefinitions: in.SlotDefinitions,
			Utterances:      utts,
			Vocab:           buildIntentVocab(utts, entityModels),
			SlotEntities:    allowed,
		})
	}
	return out, nil
}

// ComputeKmeans clusters the distinct token vectors of the intents, none
// excluded. It returns nil when there are fewer than two tokens.
func ComputeKmeans(ctx context.Context, intents []*core.Intent, cfg core.TrainingConfig) (*ml.KMeansModel, error) {
	seen := make(map[string]bool)
	var data [][]float64
	for _, i := range intents {
		if i.Name == core.NoneIntent {
			continue
		}
		for _, u := range i.Utterances {
			for _, tok := range u.Tokens() {
				if !seen[tok.Value()] {
					seen[tok.Value()] = true
					data = append(data, tok.Vector())
				}
			}
		}
	}
	if len(data) < 2 {
		return nil, nil
	}

	k := 2
	if len(data) > cfg.NumClusters {
		k = cfg.NumClusters
	}
	return ml.KMeans(ctx, data, k, cfg.KMeans)
}

// BuildExactMatchIndex maps the canonical text of every training utterance
// to its intent.
func BuildExactMatchIndex(intents []*core.Intent) core.ExactMatchIndex {
	index := make(core.ExactMatchIndex)
	for _, i := range intents {
		if i.Name == core.NoneIntent {
			continue
		}
		for _, u := range i.Utterances {
			index[u.String(core.ExactMatchStringOptions)] = core.ExactMatch{Intent: i.Name, Contexts: i.Contexts}
		}
	}
	return index
}

func buildVectorsVocab(intents []*core.Intent) map[string][]float64 {
	vocab := make(map[string][]float64)
	for _, i := range intents {
		if i.Name == core.NoneIntent {
			continue
		}
		for _, u := range i.Utterances {
			for _, tok := range u.Tokens() {
				vocab[tok.String(utterance.TokenStringOptions{LowerCase: true})] = tok.Vector()
			}
		}
	}
	return vocab
}

// ----------------------------------------------------
// ================ Chain stages ================

func (t *Trainer) preprocess(ctx context.Context, req *trainRequest) (*preprocessed, error) {
	t.log(req.input).Debug().Msg("preprocessing intents")

	s := &preprocessed{trainRequest: req}
	for _, list := range req.input.ListEntities {
		model, err := MakeListEntityModel(ctx, list, req.input.BotID, req.input.Language, t.tools)
		if err != nil {
			return nil, err
		}
		s.listEntities = append(s.listEntities, model)
	}

	intents, err := ProcessIntents(ctx, req.input.Intents, req.input.Language, s.listEntities, t.tools)
	if err != nil {
		return nil, err
	}
	s.intents = intents
	return s, nil
}

func (t *Trainer) tfidfTokens(_ context.Context, in *preprocessed) (*tfidfScored, error) {
	s := &tfidfScored{preprocessed: in}
	docs := make(map[string][]string, len(s.intents))
	for _, i := range s.intents {
		var toks []string
		for _, u := range i.Utterances {
			for _, tok := range u.Tokens() {
				toks = append(toks, tok.String(utterance.TokenStringOptions{LowerCase: true}))
			}
		}
		docs[i.Name] = toks
	}

	s.tfidf = tools.TFIDF(docs)[tools.AvgKey]
	for _, i := range s.intents {
		for _, u := range i.Utterances {
			u.SetGlobalTFIDF(s.tfidf)
		}
	}
	return s, nil
}

func (t *Trainer) clusterTokens(ctx context.Context, in *tfidfScored) (*clustered, error) {
	kmeans, err := ComputeKmeans(ctx, in.intents, t.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to cluster tokens: %w", err)
	}
	s := &clustered{tfidfScored: in, kmeans: kmeans}
	if kmeans == nil {
		return s, nil
	}
	for _, i := range s.intents {
		for _, u := range i.Utterances {
			u.SetKmeans(kmeans)
		}
	}
	return s, nil
}

// extractEntities tags system entities on every utterance. List and
// pattern entities are only extracted for the entity types slots accept,
// on utterances that hold slots.
func (t *Trainer) extractEntities(ctx context.Context, in *clustered) (*entityTagged, error) {
	s := &entityTagged{clustered: in}
	var utts []*utterance.Utterance
	for _, i := range s.intents {
		utts = append(utts, i.Utterances...)
	}

	texts := make([]string, len(utts))
	for i, u := range utts {
		texts[i] = u.Text()
	}
	sysEntities, err := t.tools.System.ExtractMultiple(ctx, texts, s.input.Language, true)
	if err != nil {
		return nil, fmt.Errorf("failed to extract system entities: %w", err)
	}

	var referenced []string
	for _, i := range s.intents {
		for _, e := range i.SlotEntities {
			if !slices.Contains(referenced, e) {
				referenced = append(referenced, e)
			}
		}
	}
	var lists []*entities.ListEntityModel
	for _, e := range s.listEntities {
		if slices.Contains(referenced, e.EntityName) {
			lists = append(lists, e)
		}
	}
	var patterns []entities.PatternEntityModel
	for _, e := range s.input.PatternEntities {
		if slices.Contains(referenced, e.Name) {
			patterns = append(patterns, e)
		}
	}

	for i, u := range utts {
		found := slices.Clone(sysEntities[i])
		if len(u.Slots) > 0 {
			found = append(found, entities.ExtractListEntities(u, lists, false)...)
			found = append(found, entities.ExtractPatternEntities(u, patterns)...)
		}
		entities.TagAll(u, found)
	}
	return s, nil
}

// randomWordCount draws a rounded length uniformly in [1, upper].
func randomWordCount(rng *rand.Rand, upper float64) int {
	if upper <= 1 {
		return 1
	}
	return int(math.Round(1 + rng.Float64()*(upper-1)))
}

func sampleSize(rng *rand.Rand, words []string, n int) []string {
	pool := slices.Clone(words)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:min(n, len(pool))]
}

func uniq(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// appendNoneIntent synthesizes the none intent out of junk words, stop
// words and low tf-idf vocabulary.
func (t *Trainer) appendNoneIntent(ctx context.Context, in *entityTagged) (*noneAppended, error) {
	s := &noneAppended{entityTagged: in, allIntents: slices.Clone(in.intents)}
	if len(s.intents) == 0 {
		return s, nil
	}
	lang := s.input.Language

	var allUtts []*utterance.Utterance
	var vocabWithDupes []string
	for _, i := range s.intents {
		allUtts = append(allUtts, i.Utterances...)
		for _, u := range i.Utterances {
			for _, tok := range u.Tokens() {
				vocabWithDupes = append(vocabWithDupes, tok.Value())
			}
		}
	}
	if len(allUtts) == 0 {
		return s, nil
	}

	junkWords, err := t.tools.Language.GenerateSimilarJunkWords(ctx, uniq(vocabWithDupes), lang)
	if err != nil {
		return nil, fmt.Errorf("failed to generate junk words: %w", err)
	}

	lengths := make([]float64, len(allUtts))
	for i, u := range allUtts {
		lengths[i] = float64(u.Len())
	}
	maxWords := tools.Mean(lengths) * 2
	nb := int(math.Min(math.Max(float64(len(allUtts))*2/3, float64(t.cfg.NoneUtterancesMin)), float64(t.cfg.NoneUtterancesMax)))
	stopWords := t.tools.Language.StopWords(lang)

	var vocabWords []string
	for word, score := range s.tfidf {
		if score <= t.cfg.NoneVocabTFIDF {
			vocabWords = append(vocabWords, word)
		}
	}
	sort.Strings(vocabWords)

	spaces := 0
	for _, v := range vocabWithDupes {
		if tools.IsSpace(v) {
			spaces++
		}
	}
	joinChar := ""
	if float64(spaces) >= float64(len(vocabWithDupes))*0.3 {
		joinChar = tools.SPACE
	}

	generate := func(pool []string) []string {
		out := make([]string, 0, nb)
		for range nb {
			words := sampleSize(s.rng, pool, randomWordCount(s.rng, maxWords))
			if len(words) > 0 {
				out = append(out, strings.Join(words, joinChar))
			}
		}
		return out
	}
	vocabUtts := generate(uniq(append(slices.Clone(stopWords), vocabWords...)))
	junkUtts := generate(junkWords)
	mixedUtts := generate(append(slices.Clone(junkWords), stopWords...))

	var raw []string
	raw = append(raw, mixedUtts...)
	raw = append(raw, vocabUtts...)
	raw = append(raw, junkUtts...)
	raw = append(raw, stopWords...)

	noneUtts, err := utterance.BuildUtteranceBatch(ctx, raw, lang, t.tools.Language, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build none utterances: %w", err)
	}
	s.allIntents = append(s.allIntents, &core.Intent{
		Name:       core.NoneIntent,
		Contexts:   slices.Clone(s.input.Contexts),
		Utterances: noneUtts,
		Vocab:      map[string]bool{},
	})
	return s, nil
}

func (t *Trainer) buildExactMatchIndex(_ context.Context, in *noneAppended) (*indexed, error) {
	s := &indexed{noneAppended: in, exactMatch: BuildExactMatchIndex(in.allIntents)}
	s.progress.done()
	return s, nil
}
