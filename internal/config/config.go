package config

import (
	"errors"
	"fmt"
)

var (
	llmProviders       = map[string]bool{"openai": true, "anthropic": true, "claude": true}
	embeddingProviders = map[string]bool{"hash": true, "openai": true, "ollama": true}
	judges             = map[string]bool{"heuristic": true, "llm": true}
	detectors          = map[string]bool{"keyword": true, "llm": true}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if !llmProviders[c.LLM.Provider] {
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of openai, anthropic", c.LLM.Provider))
	}
	if !judges[c.LLM.Judge] {
		errs = append(errs, fmt.Errorf("llm.judge %q is not one of heuristic, llm", c.LLM.Judge))
	}
	if !embeddingProviders[c.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("embedding.provider %q is not one of hash, openai, ollama", c.Embedding.Provider))
	}

	r := c.Retrieval
	if r.WeightRelevance < 0 || r.WeightProximity < 0 || r.WeightConfidence < 0 {
		errs = append(errs, errors.New("retrieval weights must be non-negative"))
	}
	if r.WeightRelevance+r.WeightProximity+r.WeightConfidence == 0 {
		errs = append(errs, errors.New("at least one retrieval weight must be positive"))
	}
	if r.Lambda < 0 {
		errs = append(errs, errors.New("retrieval.lambda must be non-negative"))
	}
	if r.MinRelevance < -1 || r.MinRelevance > 1 {
		errs = append(errs, errors.New("retrieval.min_relevance must be within [-1, 1]"))
	}
	if r.K <= 0 {
		errs = append(errs, errors.New("retrieval.k must be positive"))
	}

	if c.Orchestrator.HistoryTurns < 0 {
		errs = append(errs, errors.New("orchestrator.history_turns must be non-negative"))
	}
	if c.Orchestrator.RetrievalTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.retrieval_timeout must be positive"))
	}
	if c.Consistency.Workers == 0 {
		errs = append(errs, errors.New("consistency.workers must be positive"))
	}
	if !detectors[c.Consistency.Detector] {
		errs = append(errs, fmt.Errorf("consistency.detector %q is not one of keyword, llm", c.Consistency.Detector))
	}
	return errors.Join(errs...)
}
