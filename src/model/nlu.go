package model

import "time"

// ----------------------------------------------------
// ================ Config ================

// LogConfig holds configuration for the global logger
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" default:"json"`
	Output     string `envconfig:"LOG_OUTPUT" default:"stdout"`
	TimeFormat string `envconfig:"LOG_TIME_FORMAT" default:"rfc3339"`
	FilePath   string `envconfig:"LOG_FILE_PATH" default:"logs/nlu.log"`
}

// NLUConfig holds the bot served by the process and where its data lives.
// Directory overrides take precedence over config.yaml.
type NLUConfig struct {
	BotID           string        `envconfig:"NLU_BOT_ID" default:"default"`
	Languages       []string      `envconfig:"NLU_LANGUAGES" default:"en"`
	DefaultLanguage string        `envconfig:"NLU_DEFAULT_LANGUAGE"`
	ConfigFile      string        `envconfig:"NLU_CONFIG_FILE" default:"config.yaml"`
	ModelsDir       string        `envconfig:"NLU_MODELS_DIR"`
	DefinitionsDir  string        `envconfig:"NLU_DEFINITIONS_DIR"`
	CacheDir        string        `envconfig:"NLU_CACHE_DIR"`
	DisableTraining bool          `envconfig:"NLU_DISABLE_TRAINING"`
	ForceTrain      bool          `envconfig:"NLU_FORCE_TRAIN_ON_MOUNT"`
	LockWait        time.Duration `envconfig:"NLU_LOCK_WAIT" default:"0s"`
	WatchDebounce   time.Duration `envconfig:"NLU_WATCH_DEBOUNCE" default:"10s"`
}

// LanguageConfig selects the language sources, part-of-speech models and
// the Duckling server.
type LanguageConfig struct {
	Sources          []string `envconfig:"NLU_LANG_SOURCES"`
	AuthToken        string   `envconfig:"NLU_LANGUAGE_AUTH_TOKEN"`
	OllamaHost       string   `envconfig:"NLU_OLLAMA_HOST"`
	OllamaModel      string   `envconfig:"NLU_OLLAMA_MODEL" default:"nomic-embed-text"`
	LocalDimensions  int      `envconfig:"NLU_LOCAL_DIMENSIONS" default:"100"`
	POSDir           string   `envconfig:"NLU_POS_DIR"`
	DucklingURL      string   `envconfig:"NLU_DUCKLING_URL"`
	DucklingTimezone string   `envconfig:"NLU_DUCKLING_TIMEZONE" default:"UTC"`
}

type RedisConfig struct {
	URL string `envconfig:"REDIS_URL"`
}

type ServerConfig struct {
	MetricsAddr string `envconfig:"NLU_METRICS_ADDR" default:":9090"`
}
