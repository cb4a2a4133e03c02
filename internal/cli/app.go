package cli

import (
	"fmt"
	"log/slog"

	"github.com/sekai-engine/sekai-memory/internal/config"
	"github.com/sekai-engine/sekai-memory/internal/consistency"
	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/extract"
	"github.com/sekai-engine/sekai-memory/internal/index"
	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/orchestrator"
	"github.com/sekai-engine/sekai-memory/internal/pipeline"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
	"github.com/sekai-engine/sekai-memory/internal/store"
	"github.com/sekai-engine/sekai-memory/internal/world"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.SQLiteStore
	embedder  embedding.Embedder
	index     *index.Index
	llm       llm.Client
	evaluator *consistency.Evaluator
	pool      *consistency.Pool
	pipeline  *pipeline.Pipeline
	retrieval *retrieval.Engine
	orch      *orchestrator.Orchestrator
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Storage.DBPath)
}

// newApp wires every component from the loaded config.
func newApp(c *config.Config, logger *slog.Logger) (*app, error) {
	s, err := store.NewSQLiteStore(c.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: c, logger: logger, store: s}

	a.embedder, err = newEmbedder(c)
	if err != nil {
		a.close()
		return nil, err
	}
	a.index, err = index.New(c.Storage.IndexPath, a.embedder, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.llm, err = newLLM(c)
	if err != nil {
		a.close()
		return nil, err
	}

	a.evaluator = consistency.NewEvaluator(s, detector(c, a.llm), logger)
	a.pool, err = consistency.NewPool(&consistency.PoolConfig{
		Evaluator:  a.evaluator,
		NumWorkers: c.Consistency.Workers,
		QueueSize:  c.Consistency.QueueSize,
		JobTimeout: c.Consistency.JobTimeout,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	var judge extract.Judge = extract.HeuristicJudge{}
	if c.LLM.Judge == "llm" {
		judge = extract.NewLLMJudge(a.llm, extract.HeuristicJudge{})
	}
	a.pipeline = pipeline.New(pipeline.Config{
		Store:     s,
		Extractor: extract.NewLLMExtractor(a.llm),
		Judge:     judge,
		Index:     a.index,
		Queue:     a.pool,
		Logger:    logger,
	})
	a.retrieval = retrieval.New(s, a.index, c.RetrievalSettings(), logger)
	a.orch = orchestrator.New(orchestrator.Config{
		Store:            s,
		Retriever:        a.retrieval,
		Writer:           a.pipeline,
		Generator:        a.llm,
		Parser:           world.NewParser(a.llm, 0, logger),
		RetrievalTimeout: c.Orchestrator.RetrievalTimeout,
		HistoryTurns:     c.Orchestrator.HistoryTurns,
		ContextBudget:    c.Orchestrator.ContextBudget,
		K:                c.Retrieval.K,
		Logger:           logger,
	})
	return a, nil
}

func newEmbedder(c *config.Config) (embedding.Embedder, error) {
	return embedding.New(embedding.Options{
		Provider:  c.Embedding.Provider,
		Model:     c.Embedding.Model,
		BaseURL:   c.Embedding.BaseURL,
		APIKey:    c.Embedding.APIKey,
		Dims:      c.Embedding.Dims,
		CacheSize: int64(c.Embedding.CacheSize),
	})
}

func newLLM(c *config.Config) (llm.Client, error) {
	return llm.New(llm.Options{
		Provider:    c.LLM.Provider,
		Model:       c.LLM.Model,
		APIKey:      c.LLM.APIKey,
		BaseURL:     c.LLM.BaseURL,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
	})
}

func detector(c *config.Config, client llm.Client) consistency.Detector {
	if c.Consistency.Detector == "llm" {
		return consistency.NewLLMDetector(client, consistency.KeywordDetector{})
	}
	return consistency.KeywordDetector{}
}

// close drains pending consistency checks before the store goes away.
func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if c, ok := a.embedder.(*embedding.Cached); ok {
		c.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func mustApp() *app {
	a, err := newApp(cfg, slogger)
	if err != nil {
		exitErr("init", err)
	}
	return a
}
