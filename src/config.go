package src

import (
	"eino_nlu/src/model"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LogConfig      model.LogConfig      `envconfig:""`
	NLUConfig      model.NLUConfig      `envconfig:""`
	LanguageConfig model.LanguageConfig `envconfig:""`
	RedisConfig    model.RedisConfig    `envconfig:""`
	ServerConfig   model.ServerConfig   `envconfig:""`
}

func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}
	if config.NLUConfig.DefaultLanguage == "" && len(config.NLUConfig.Languages) > 0 {
		config.NLUConfig.DefaultLanguage = config.NLUConfig.Languages[0]
	}

	return &config, nil
}
