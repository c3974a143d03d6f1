package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eino_nlu/internal/core"
	"eino_nlu/src/model"
)

func TestLoadConfigMissingFile(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, core.DefaultConfig(), config)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
training:
  min_utterances: 5
  crf:
    max_iterations: 100
  progress_debounce: 20ms
prediction:
  oos_threshold: 0.5
redis:
  lock_ttl: 1m
storage:
  models_dir: /var/lib/nlu/models
`), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	def := core.DefaultConfig()
	assert.Equal(t, 5, config.Training.MinUtterances)
	assert.Equal(t, 100, config.Training.CRF.MaxIterations)
	assert.Equal(t, def.Training.CRF.C2, config.Training.CRF.C2)
	assert.Equal(t, 20*time.Millisecond, config.Training.ProgressDebounce)
	assert.Equal(t, 0.5, config.Prediction.OOSThreshold)
	assert.Equal(t, def.Prediction.AmbiguityWindow, config.Prediction.AmbiguityWindow)
	assert.Equal(t, time.Minute, config.Redis.LockTTL)
	assert.Equal(t, "/var/lib/nlu/models", config.Storage.ModelsDir)
	assert.Equal(t, def.Storage.DefinitionsDir, config.Storage.DefinitionsDir)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training: ["), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestBuildCoreConfig(t *testing.T) {
	config := BuildCoreConfig(core.DefaultConfig(),
		model.NLUConfig{ModelsDir: "m", CacheDir: "c"},
		model.RedisConfig{URL: "redis://cache:6379/1"},
	)
	assert.Equal(t, "m", config.Storage.ModelsDir)
	assert.Equal(t, "c", config.Storage.CacheDir)
	assert.Equal(t, core.DefaultConfig().Storage.DefinitionsDir, config.Storage.DefinitionsDir)
	assert.Equal(t, "redis://cache:6379/1", config.Redis.URL)
}
