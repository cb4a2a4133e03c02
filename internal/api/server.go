// Package api exposes the memory system over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/sekai-engine/sekai-memory/internal/consistency"
	"github.com/sekai-engine/sekai-memory/internal/orchestrator"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

const defaultShutdownTimeout = 10 * time.Second

// StatsSource reports database statistics.
type StatsSource interface {
	Stats(ctx context.Context, dbPath string) (*store.Stats, error)
}

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Retrieval    *retrieval.Engine
	// Evaluator is optional; without it POST /api/consistency/scan returns 503.
	Evaluator       *consistency.Evaluator
	ScanConcurrency int
	DBPath          string
	Listen          string
	ShutdownTimeout time.Duration
	Debug           bool
	Logger          *slog.Logger
}

type Server struct {
	cfg    Config
	engine *gin.Engine
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, engine: gin.New(), logger: cfg.Logger}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	api.POST("/worlds", s.handleInitWorld)
	api.POST("/chapters", s.handleAdvanceChapter)
	api.POST("/turns", s.handleChat)

	api.GET("/characters", s.handleListCharacters)
	api.GET("/characters/:id/memories", s.handleMemories)
	api.GET("/records/:id/chain", s.handleChain)

	api.GET("/flags", s.handleListFlags)
	api.POST("/flags/:id/resolve", s.handleResolveFlag)
	api.POST("/consistency/scan", s.handleScan)

	api.GET("/sessions", s.handleSessions)
	api.DELETE("/sessions", s.handleClearSessions)
	api.DELETE("/sessions/:id", s.handleClearSession)

	api.GET("/stats", s.handleStats)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
