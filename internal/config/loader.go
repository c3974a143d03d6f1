package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"eino_nlu/internal/core"
	"eino_nlu/src/model"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads config.yaml over the default engine configuration.
// A missing file yields the defaults.
func LoadConfig(filepath string) (core.Config, error) {
	config := core.DefaultConfig()

	data, err := os.ReadFile(filepath)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return config, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("error parsing YAML: %w", err)
	}
	return config, nil
}

// BuildCoreConfig applies the environment overrides to the file
// configuration.
func BuildCoreConfig(config core.Config, nlu model.NLUConfig, redis model.RedisConfig) core.Config {
	if nlu.ModelsDir != "" {
		config.Storage.ModelsDir = nlu.ModelsDir
	}
	if nlu.DefinitionsDir != "" {
		config.Storage.DefinitionsDir = nlu.DefinitionsDir
	}
	if nlu.CacheDir != "" {
		config.Storage.CacheDir = nlu.CacheDir
	}
	if redis.URL != "" {
		config.Redis.URL = redis.URL
	}
	return config
}
