package pkg

// NLU definition and prediction types shared with callers of the engine

// Entity definition types
const (
	EntityTypeSystem  = "system"
	EntityTypeList    = "list"
	EntityTypePattern = "pattern"
)

// SlotDefinition declares a slot of an intent and the entity types it accepts.
type SlotDefinition struct {
	Name     string   `json:"name"`
	Entities []string `json:"entities"`
	Color    int      `json:"color,omitempty"`
}

// IntentDefinition is an authored intent. Utterances are keyed by language
// code and may carry slot markup, e.g. "fly to [paris](destination)".
type IntentDefinition struct {
	Name       string              `json:"name"`
	Contexts   []string            `json:"contexts"`
	Slots      []SlotDefinition    `json:"slots"`
	Utterances map[string][]string `json:"utterances"`
	Filename   string              `json:"filename,omitempty"`
}

// EntityOccurrence is one canonical value of a list entity with its synonyms.
type EntityOccurrence struct {
	Name     string   `json:"name"`
	Synonyms []string `json:"synonyms"`
}

// EntityDefinition is an authored custom entity, either a list or a pattern.
type EntityDefinition struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	Sensitive   bool               `json:"sensitive,omitempty"`
	Fuzzy       float64            `json:"fuzzy,omitempty"`
	MatchCase   bool               `json:"matchCase,omitempty"`
	Occurrences []EntityOccurrence `json:"occurrences,omitempty"`
	Pattern     string             `json:"pattern,omitempty"`
	Examples    []string           `json:"examples,omitempty"`
}

// ----------------------------------------------------
// ================ Prediction ================

type EntityData struct {
	Unit  string `json:"unit,omitempty"`
	Value string `json:"value"`
}

type EntityMeta struct {
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Source     string  `json:"source"`
}

// EntityPrediction is an entity found in the predicted text.
type EntityPrediction struct {
	Name string     `json:"name"`
	Type string     `json:"type"`
	Data EntityData `json:"data"`
	Meta EntityMeta `json:"meta"`
}

// SlotPrediction is a slot extracted for an intent.
type SlotPrediction struct {
	Name       string  `json:"name"`
	Source     string  `json:"source"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// IntentPrediction is one intent candidate of a context.
type IntentPrediction struct {
	Label      string                    `json:"label"`
	Confidence float64                   `json:"confidence"`
	Extractor  string                    `json:"extractor,omitempty"`
	Slots      map[string]SlotPrediction `json:"slots"`
}

// ContextPrediction groups the intent candidates of one context.
type ContextPrediction struct {
	Context    string             `json:"context"`
	Confidence float64            `json:"confidence"`
	Intents    []IntentPrediction `json:"intents"`
}

// ElectedIntent is an intent after election across contexts.
type ElectedIntent struct {
	Name       string  `json:"name"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
}

// PredictionResult is the output of one prediction. An errored result
// carries no predictions, entities or slots.
type PredictionResult struct {
	Errored          bool                      `json:"errored"`
	Ambiguous        bool                      `json:"ambiguous,omitempty"`
	DetectedLanguage string                    `json:"detectedLanguage,omitempty"`
	Language         string                    `json:"language,omitempty"`
	IncludedContexts []string                  `json:"includedContexts,omitempty"`
	Entities         []EntityPrediction        `json:"entities,omitempty"`
	Predictions      []ContextPrediction       `json:"predictions,omitempty"`
	Intent           *ElectedIntent            `json:"intent,omitempty"`
	Intents          []ElectedIntent           `json:"intents,omitempty"`
	Slots            map[string]SlotPrediction `json:"slots,omitempty"`
	Ms               int64                     `json:"ms,omitempty"`
}
