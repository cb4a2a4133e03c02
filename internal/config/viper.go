package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SEKAI_LLM_MODEL.
const EnvPrefix = "SEKAI"

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (SEKAI_STORAGE_DB_PATH, ... plus OPENAI_API_KEY,
//     ANTHROPIC_API_KEY, OPENAI_MODEL and MAX_HISTORY_TURNS)
//  2. The config file at path, or sekai-memory.{yaml,toml} in . or ~/.sekai-memory
//  3. Defaults from NewDefaultConfig()
//
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v, err := InitViper(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if !v.IsSet("retrieval.min_relevance") {
		cfg.Retrieval.MinRelevance = DefaultMinRelevance(cfg.Embedding.Provider)
	}
	applyWellKnownEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitViper returns a viper instance with defaults, the config file and
// environment bindings registered.
func InitViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("sekai-memory")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sekai-memory"))
		}
		if err := v.ReadInConfig(); err != nil {
			// Config file not found errors are fine, defaults will apply.
			if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// No default: the floor follows the embedding provider unless set.
	_ = v.BindEnv("retrieval.min_relevance", EnvPrefix+"_RETRIEVAL_MIN_RELEVANCE")
	_ = v.BindEnv("orchestrator.history_turns", EnvPrefix+"_ORCHESTRATOR_HISTORY_TURNS", "MAX_HISTORY_TURNS")

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() using dotted keys.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("storage.index_path", d.Storage.IndexPath)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.judge", d.LLM.Judge)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.dims", d.Embedding.Dims)
	v.SetDefault("embedding.cache_size", d.Embedding.CacheSize)

	v.SetDefault("retrieval.weight_relevance", d.Retrieval.WeightRelevance)
	v.SetDefault("retrieval.weight_proximity", d.Retrieval.WeightProximity)
	v.SetDefault("retrieval.weight_confidence", d.Retrieval.WeightConfidence)
	v.SetDefault("retrieval.lambda", d.Retrieval.Lambda)
	v.SetDefault("retrieval.timeout", d.Retrieval.Timeout)
	v.SetDefault("retrieval.k", d.Retrieval.K)

	v.SetDefault("orchestrator.retrieval_timeout", d.Orchestrator.RetrievalTimeout)
	v.SetDefault("orchestrator.history_turns", d.Orchestrator.HistoryTurns)
	v.SetDefault("orchestrator.context_budget", d.Orchestrator.ContextBudget)

	v.SetDefault("consistency.workers", d.Consistency.Workers)
	v.SetDefault("consistency.queue_size", d.Consistency.QueueSize)
	v.SetDefault("consistency.job_timeout", d.Consistency.JobTimeout)
	v.SetDefault("consistency.scan_concurrency", d.Consistency.ScanConcurrency)
	v.SetDefault("consistency.detector", d.Consistency.Detector)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.json", d.Log.JSON)
}

// applyWellKnownEnv fills provider keys from the variables the providers
// document themselves.
func applyWellKnownEnv(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic", "claude":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if m := os.Getenv("OPENAI_MODEL"); m != "" && cfg.LLM.Provider == "openai" && os.Getenv(EnvPrefix+"_LLM_MODEL") == "" {
		cfg.LLM.Model = m
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
