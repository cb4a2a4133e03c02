// Package config loads sekai-memory settings from defaults, an optional
// config file, .env and the environment.
package config

import "time"

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding" yaml:"embedding"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval" yaml:"retrieval"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Consistency  ConsistencyConfig  `mapstructure:"consistency" yaml:"consistency"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// StorageConfig locates the database and the vector index.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// IndexPath is the chromem directory; empty keeps the index in memory.
	IndexPath string `mapstructure:"index_path" yaml:"index_path"`
}

// LLMConfig selects the model used for replies, extraction and judging.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	Model       string  `mapstructure:"model" yaml:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"-"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	// Judge selects the duplicate/contradiction judge: heuristic or llm.
	Judge string `mapstructure:"judge" yaml:"judge"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Model     string `mapstructure:"model" yaml:"model"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string `mapstructure:"api_key" yaml:"-"`
	Dims      int    `mapstructure:"dims" yaml:"dims"`
	CacheSize int    `mapstructure:"cache_size" yaml:"cache_size"`
}

type RetrievalConfig struct {
	WeightRelevance  float64       `mapstructure:"weight_relevance" yaml:"weight_relevance"`
	WeightProximity  float64       `mapstructure:"weight_proximity" yaml:"weight_proximity"`
	WeightConfidence float64       `mapstructure:"weight_confidence" yaml:"weight_confidence"`
	Lambda           float64       `mapstructure:"lambda" yaml:"lambda"`
	MinRelevance     float64       `mapstructure:"min_relevance" yaml:"min_relevance"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	K                int           `mapstructure:"k" yaml:"k"`
}

type OrchestratorConfig struct {
	RetrievalTimeout time.Duration `mapstructure:"retrieval_timeout" yaml:"retrieval_timeout"`
	HistoryTurns     int           `mapstructure:"history_turns" yaml:"history_turns"`
	ContextBudget    int           `mapstructure:"context_budget" yaml:"context_budget"`
}

type ConsistencyConfig struct {
	Workers         uint          `mapstructure:"workers" yaml:"workers"`
	QueueSize       uint          `mapstructure:"queue_size" yaml:"queue_size"`
	JobTimeout      time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	ScanConcurrency int           `mapstructure:"scan_concurrency" yaml:"scan_concurrency"`
	// Detector is keyword or llm.
	Detector string `mapstructure:"detector" yaml:"detector"`
}

type APIConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`
	JSON  bool `mapstructure:"json" yaml:"json"`
}
