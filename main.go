package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/config"
	"eino_nlu/internal/core"
	"eino_nlu/internal/engine"
	"eino_nlu/internal/entities"
	"eino_nlu/internal/language"
	"eino_nlu/internal/storage"
	"eino_nlu/src"
	"eino_nlu/src/logger"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	ducklingCacheFile = "duckling_cache.json"
	listCacheEntries  = 10_000
)

// app is everything a command needs once the environment is loaded.
type app struct {
	config *src.Config
	core   core.Config

	engine   *engine.Engine
	provider *language.Provider
	duckling *entities.DucklingExtractor
	redis    *storage.RedisStorage
}

func (a *app) Close() {
	if a.provider != nil {
		a.provider.Close()
	}
	if a.duckling != nil {
		a.duckling.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close redis")
		}
	}
}

func loadApp() (*src.Config, core.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, core.Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg, err := src.LoadConfig()
	if err != nil {
		return nil, core.Config{}, err
	}
	if err := logger.InitLogger(cfg.LogConfig); err != nil {
		return nil, core.Config{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	fileConfig, err := config.LoadConfig(cfg.NLUConfig.ConfigFile)
	if err != nil {
		return nil, core.Config{}, fmt.Errorf("failed to load %s: %w", cfg.NLUConfig.ConfigFile, err)
	}
	return cfg, config.BuildCoreConfig(fileConfig, cfg.NLUConfig, cfg.RedisConfig), nil
}

func newProvider(ctx context.Context, cfg *src.Config, cacheDir string) (*language.Provider, error) {
	langCfg := cfg.LanguageConfig

	var sources []language.Source
	for _, endpoint := range langCfg.Sources {
		sources = append(sources, language.NewHTTPSource(endpoint, langCfg.AuthToken))
	}
	if langCfg.OllamaHost != "" {
		ollama, err := language.NewOllamaSource(langCfg.OllamaHost, langCfg.OllamaModel, cfg.NLUConfig.Languages)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama source: %w", err)
		}
		sources = append(sources, ollama)
	}
	if len(sources) == 0 {
		logger.Warn().Msg("no language source configured, falling back to hashed local vectors")
		sources = append(sources, language.NewLocalSource(langCfg.LocalDimensions, cfg.NLUConfig.Languages))
	}

	providerCfg := language.ProviderConfig{
		Sources:  sources,
		CacheDir: cacheDir,
	}
	if langCfg.POSDir != "" {
		pos, err := language.LoadPOSTagger(langCfg.POSDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load part-of-speech models: %w", err)
		}
		providerCfg.POS = pos
	}
	return language.NewProvider(ctx, providerCfg, logger.Component("language"))
}

// newApp builds the engine and its tools for the configured bot.
func newApp(ctx context.Context) (*app, error) {
	cfg, coreCfg, err := loadApp()
	if err != nil {
		return nil, err
	}
	a := &app{config: cfg, core: coreCfg}

	if coreCfg.Storage.CacheDir != "" {
		if err := os.MkdirAll(coreCfg.Storage.CacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	if a.provider, err = newProvider(ctx, cfg, coreCfg.Storage.CacheDir); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create language provider: %w", err)
	}

	var system entities.SystemExtractor = entities.NoopExtractor{}
	if cfg.LanguageConfig.DucklingURL != "" {
		ducklingCfg := entities.DucklingConfig{
			URL:      cfg.LanguageConfig.DucklingURL,
			Timezone: cfg.LanguageConfig.DucklingTimezone,
		}
		if coreCfg.Storage.CacheDir != "" {
			ducklingCfg.CachePath = filepath.Join(coreCfg.Storage.CacheDir, ducklingCacheFile)
		}
		a.duckling = entities.NewDucklingExtractor(ctx, ducklingCfg, logger.Component("entities"))
		system = a.duckling
	}

	if cfg.RedisConfig.URL != "" {
		if a.redis, err = storage.NewRedisStorage(ctx, coreCfg.Redis.URL); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		logger.Info().Msg("REDIS_URL not set, running single-node without training locks")
	}

	tools := &core.Tools{
		Language:   a.provider,
		System:     system,
		Identifier: language.NewIdentifier(),
		ListCaches: cache.NewRegistry[[]entities.ExtractedEntity](listCacheEntries, nil),
		Log:        logger.Component("nlu"),
	}

	a.engine, err = engine.New(ctx, engine.Options{
		BotID:           cfg.NLUConfig.BotID,
		Languages:       cfg.NLUConfig.Languages,
		DefaultLanguage: cfg.NLUConfig.DefaultLanguage,
		Config:          coreCfg,
		Tools:           tools,
		Definitions:     storage.NewDefinitionStore(coreCfg.Storage.DefinitionsDir),
		Models:          storage.NewModelService(coreCfg.Storage.ModelsDir, coreCfg.Storage.MaxModelsToKeep, logger.Component("models")),
		Redis:           a.redis,
		LockWait:        cfg.NLUConfig.LockWait,
		WatchDebounce:   cfg.NLUConfig.WatchDebounce,
		Log:             logger.Component("engine"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return a, nil
}

// ----------------------------------------------------
// ================ Commands ================

func trainCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train or load a model for every language of the bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.config.NLUConfig.DisableTraining {
				return errors.New("training is disabled on this node")
			}
			start := time.Now()
			if err := a.engine.TrainOrLoad(cmd.Context(), force || a.config.NLUConfig.ForceTrain); err != nil {
				return fmt.Errorf("failed to train: %w", err)
			}
			logger.Info().Dur("elapsed", time.Since(start)).Msg("models are ready")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "retrain even if a model with the same hash exists")
	return cmd
}

func predictCmd() *cobra.Command {
	var contexts []string
	cmd := &cobra.Command{
		Use:   "predict <text>",
		Short: "Predict intents, slots and entities of an utterance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Predict(cmd.Context(), args[0], contexts)
			if err != nil {
				return fmt.Errorf("failed to predict: %w", err)
			}
			out, err := sonic.ConfigStd.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal prediction: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&contexts, "contexts", nil, "contexts to restrict the intent election to")
	return cmd
}

// startup trains or loads the models before watching, unless training is
// disabled in which case the latest stored models are loaded on demand.
func startup(ctx context.Context, a *app) error {
	if a.config.NLUConfig.DisableTraining {
		logger.Info().Msg("training disabled, serving stored models only")
		return nil
	}
	return a.engine.TrainOrLoad(ctx, a.config.NLUConfig.ForceTrain)
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Retrain whenever the bot definitions change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := startup(cmd.Context(), a); err != nil {
				return fmt.Errorf("failed to train: %w", err)
			}
			return a.engine.Watch(cmd.Context())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose metrics and keep the models in sync with the definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{
				Addr:              a.config.ServerConfig.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info().Str("addr", server.Addr).Msg("serving metrics")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server failed: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				if err := startup(ctx, a); err != nil {
					return fmt.Errorf("failed to train: %w", err)
				}
				if a.config.NLUConfig.DisableTraining {
					return nil
				}
				return a.engine.Watch(ctx)
			})
			return g.Wait()
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "eino_nlu",
		Short:         "Train and serve intent, slot and entity models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(trainCmd(), predictCmd(), watchCmd(), serveCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		logger.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}
