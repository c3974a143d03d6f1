package core

import (
	"time"

	"eino_nlu/internal/ml"
)

// Config holds all tuning of the engine
type Config struct {
	Training   TrainingConfig   `json:"training" yaml:"training"`
	Prediction PredictionConfig `json:"prediction" yaml:"prediction"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
}

// TrainingConfig holds the training pipeline constants
type TrainingConfig struct {
	MinUtterances     int              `json:"min_utterances" yaml:"min_utterances"`
	NumClusters       int              `json:"num_clusters" yaml:"num_clusters"`
	NoneUtterancesMin int              `json:"none_utterances_min" yaml:"none_utterances_min"`
	NoneUtterancesMax int              `json:"none_utterances_max" yaml:"none_utterances_max"`
	NoneVocabTFIDF    float64          `json:"none_vocab_tfidf" yaml:"none_vocab_tfidf"`
	OOSClusters       int              `json:"oos_clusters" yaml:"oos_clusters"`
	Seed              int64            `json:"seed" yaml:"seed"`
	KMeans            ml.KMeansOptions `json:"kmeans" yaml:"kmeans"`
	IntentSVM         ml.SVMOptions    `json:"intent_svm" yaml:"intent_svm"`
	ContextSVM        ml.SVMOptions    `json:"context_svm" yaml:"context_svm"`
	OOSSVM            ml.SVMOptions    `json:"oos_svm" yaml:"oos_svm"`
	CRF               ml.CRFOptions    `json:"crf" yaml:"crf"`
	ProgressDebounce  time.Duration    `json:"progress_debounce" yaml:"progress_debounce"`
	ProgressMaxWait   time.Duration    `json:"progress_max_wait" yaml:"progress_max_wait"`
}

// PredictionConfig holds the prediction pipeline thresholds
type PredictionConfig struct {
	OOSThreshold       float64 `json:"oos_threshold" yaml:"oos_threshold"`
	LowIntentThreshold float64 `json:"low_intent_threshold" yaml:"low_intent_threshold"`
	AmbiguityWindow    float64 `json:"ambiguity_window" yaml:"ambiguity_window"`
	MinSlotConfidence  float64 `json:"min_slot_confidence" yaml:"min_slot_confidence"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string        `json:"url" yaml:"url"`
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	ModelsDir       string `json:"models_dir" yaml:"models_dir"`
	DefinitionsDir  string `json:"definitions_dir" yaml:"definitions_dir"`
	CacheDir        string `json:"cache_dir" yaml:"cache_dir"`
	MaxModelsToKeep int    `json:"max_models_to_keep" yaml:"max_models_to_keep"`
}

// DefaultConfig returns the configuration the engine runs with when
// nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Training: TrainingConfig{
			MinUtterances:     3,
			NumClusters:       8,
			NoneUtterancesMin: 20,
			NoneUtterancesMax: 200,
			NoneVocabTFIDF:    0.3,
			OOSClusters:       3,
			Seed:              666,
			KMeans:            ml.KMeansOptions{Iterations: 250, Seed: 666},
			IntentSVM:         ml.SVMOptions{C: 1},
			ContextSVM:        ml.SVMOptions{C: 1},
			OOSSVM:            ml.SVMOptions{C: 10},
			CRF:               ml.CRFOptions{C1: 0.0001, C2: 0.01, MaxIterations: 500},
			ProgressDebounce:  75 * time.Millisecond,
			ProgressMaxWait:   750 * time.Millisecond,
		},
		Prediction: PredictionConfig{
			OOSThreshold:       0.3,
			LowIntentThreshold: 0.4,
			AmbiguityWindow:    0.1,
			MinSlotConfidence:  0.15,
		},
		Redis: RedisConfig{
			URL:     "localhost:6379",
			LockTTL: 5 * time.Minute,
		},
		Storage: StorageConfig{
			ModelsDir:       "data/models",
			DefinitionsDir:  "data/bots",
			CacheDir:        "data/cache",
			MaxModelsToKeep: 2,
		},
	}
}
