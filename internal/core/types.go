package core

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/utterance"
	"eino_nlu/pkg"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

const (
	NoneIntent     = "none"
	DefaultContext = "global"
	AnyEntity      = "any"
	NALang         = "n/a"
)

// ExactMatchStringOptions canonicalizes utterances for the exact-match index.
var ExactMatchStringOptions = utterance.StringOptions{
	LowerCase: true,
	OnlyWords: true,
	Slots:     utterance.PolicyIgnore,
	Entities:  utterance.PolicyIgnore,
}

// ----------------------------------------------------
// ================ Training input ================

// IntentInput is an intent definition restricted to one language.
type IntentInput struct {
	Name            string               `json:"name"`
	Contexts        []string             `json:"contexts"`
	SlotDefinitions []pkg.SlotDefinition `json:"slotDefinitions"`
	Utterances      []string             `json:"utterances"`
}

// ListEntityInput is a list entity definition before tokenization.
type ListEntityInput struct {
	Name           string                 `json:"name"`
	FuzzyTolerance float64                `json:"fuzzyTolerance"`
	Sensitive      bool                   `json:"sensitive"`
	Synonyms       []pkg.EntityOccurrence `json:"synonyms"`
}

// TrainInput is everything the training pipeline consumes for one language.
type TrainInput struct {
	BotID           string                        `json:"botId"`
	Language        string                        `json:"languageCode"`
	ListEntities    []ListEntityInput             `json:"listEntities"`
	PatternEntities []entities.PatternEntityModel `json:"patternEntities"`
	Contexts        []string                      `json:"contexts"`
	Intents         []IntentInput                 `json:"intents"`
	Session         *TrainingSession              `json:"-"`
}

// HasUtterances reports whether any intent carries an example.
func (in TrainInput) HasUtterances() bool {
	for _, i := range in.Intents {
		if len(i.Utterances) > 0 {
			return true
		}
	}
	return false
}

// ----------------------------------------------------
// ================ Processed intents ================

// Intent is an intent whose examples were turned into utterances.
type Intent struct {
	Name            string                 `json:"name"`
	Contexts        []string               `json:"contexts"`
	SlotDefinitions []pkg.SlotDefinition   `json:"slotDefinitions"`
	Utterances      []*utterance.Utterance `json:"-"`
	Vocab           map[string]bool        `json:"vocab"`
	SlotEntities    []string               `json:"slotEntities"`
}

func (i *Intent) InContext(ctx string) bool {
	return slices.Contains(i.Contexts, ctx)
}

func (i *Intent) HasSlots() bool {
	return len(i.SlotDefinitions) > 0
}

// HasSlot reports whether a slot with that name is declared.
func (i *Intent) HasSlot(name string) bool {
	for _, s := range i.SlotDefinitions {
		if s.Name == name {
			return true
		}
	}
	return false
}

// ExactMatch is the intent a canonical training utterance belongs to.
type ExactMatch struct {
	Intent   string   `json:"intent"`
	Contexts []string `json:"contexts"`
}

type ExactMatchIndex map[string]ExactMatch

// Find returns the intent of an utterance repeated verbatim from training
// when that intent belongs to ctx.
func (idx ExactMatchIndex) Find(u *utterance.Utterance, ctx string) (string, bool) {
	match, ok := idx[u.String(ExactMatchStringOptions)]
	if !ok || !slices.Contains(match.Contexts, ctx) {
		return "", false
	}
	return match.Intent, true
}

// ----------------------------------------------------
// ================ Model ================

type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeCanceled Outcome = "canceled"
	OutcomeFailed   Outcome = "failed"
)

// ListCacheDump is a flattened list-entity cache.
type ListCacheDump = []cache.Entry[[]entities.ExtractedEntity]

// Artifacts are the trained weights and lookup tables of a model.
type Artifacts struct {
	ListEntities     []*entities.ListEntityModel `json:"listEntities"`
	ListEntityCaches map[string]ListCacheDump    `json:"listEntityCaches,omitempty"`
	OOSModel         *ml.SVMModel                `json:"oosModel,omitempty"`
	TFIDF            map[string]float64          `json:"tfidf"`
	CtxModel         *ml.SVMModel                `json:"ctxModel,omitempty"`
	IntentModelByCtx map[string]*ml.SVMModel     `json:"intentModelByCtx"`
	SlotsModel       []byte                      `json:"slotsModel"`
	VocabVectors     map[string][]float64        `json:"vocabVectors"`
	ExactMatchIndex  ExactMatchIndex             `json:"exactMatchIndex"`
}

// TrainOutput is the processed training data. It is never persisted and
// is rebuilt from the input when a model is loaded from storage.
type TrainOutput struct {
	Intents      []*Intent
	ListEntities []*entities.ListEntityModel
	TFIDF        map[string]float64
	Kmeans       *ml.KMeansModel
}

type ModelData struct {
	Input     TrainInput   `json:"input"`
	Artifacts *Artifacts   `json:"artifacts,omitempty"`
	Output    *TrainOutput `json:"-"`
}

// Model is the result of one training run for one language.
type Model struct {
	Hash       string    `json:"hash"`
	Language   string    `json:"languageCode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    bool      `json:"success"`
	Outcome    Outcome   `json:"-"`
	Data       ModelData `json:"data"`
}

// ComputeModelHash hashes the definitions a model is trained from.
func ComputeModelHash(intents []pkg.IntentDefinition, ents []pkg.EntityDefinition) (string, error) {
	payload, err := sonic.ConfigStd.Marshal(struct {
		Intents  []pkg.IntentDefinition `json:"intents"`
		Entities []pkg.EntityDefinition `json:"entities"`
	}{intents, ents})
	if err != nil {
		return "", fmt.Errorf("failed to marshal definitions: %w", err)
	}
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ----------------------------------------------------
// ================ Tools ================

// LanguageProvider tokenizes and vectorizes text and knows the per-language
// resources the pipelines need.
type LanguageProvider interface {
	utterance.Toolkit
	GenerateSimilarJunkWords(ctx context.Context, vocab []string, lang string) ([]string, error)
	IsPOSAvailable(lang string) bool
	StopWords(lang string) []string
}

// LanguageIdentifier returns language candidates sorted by descending confidence.
type LanguageIdentifier interface {
	Identify(text string) []ml.Prediction
}

// ProgressReporter receives training progress updates.
type ProgressReporter func(botID, message string, state SessionState)

// Tools is the injected tool-set shared by the training and prediction pipelines.
type Tools struct {
	Language       LanguageProvider
	System         entities.SystemExtractor
	Identifier     LanguageIdentifier
	ListCaches     *cache.Registry[[]entities.ExtractedEntity]
	ReportProgress ProgressReporter
	Log            zerolog.Logger
}

// Report forwards a progress update to the configured reporter, if any.
func (t *Tools) Report(botID, msg string, state SessionState) {
	if t.ReportProgress != nil {
		t.ReportProgress(botID, msg, state)
	}
}
