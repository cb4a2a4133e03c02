package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/orchestrator"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
)

var errBadRequest = errors.New("bad request")

// writeError maps domain errors onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), model.IsInvalidInput(err):
		status = http.StatusBadRequest
	case model.IsNotFound(err):
		status = http.StatusNotFound
	case model.IsConflict(err):
		status = http.StatusConflict
	case model.IsBackendUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(err error) error {
	return errors.Join(errBadRequest, err)
}

func (s *Server) handleInitWorld(c *gin.Context) {
	var req orchestrator.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest(err))
		return
	}
	if req.Text == "" && req.Definition == nil {
		s.writeError(c, badRequest(errors.New("text or definition is required")))
		return
	}
	res, err := s.cfg.Orchestrator.InitWorld(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleAdvanceChapter(c *gin.Context) {
	var req orchestrator.AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest(err))
		return
	}
	res, err := s.cfg.Orchestrator.AdvanceChapter(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleChat(c *gin.Context) {
	var req orchestrator.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest(err))
		return
	}
	res, err := s.cfg.Orchestrator.Chat(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListCharacters(c *gin.Context) {
	chars, err := s.cfg.Store.ListCharacters(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if chars == nil {
		chars = []model.Character{}
	}
	c.JSON(http.StatusOK, gin.H{"characters": chars})
}

// handleMemories ranks a character's memories for a context:
// GET /api/characters/:id/memories?context=...&chapter=3&k=5&history=true&budget=1000
func (s *Server) handleMemories(c *gin.Context) {
	q := retrieval.Query{
		CharacterID: c.Param("id"),
		Context:     c.Query("context"),
	}
	var err error
	if q.Chapter, err = intQuery(c, "chapter", 0); err != nil {
		s.writeError(c, err)
		return
	}
	if q.K, err = intQuery(c, "k", 0); err != nil {
		s.writeError(c, err)
		return
	}
	budget, err := intQuery(c, "budget", 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	q.IncludeHistory = c.Query("history") == "true"

	results, err := s.cfg.Retrieval.Retrieve(c.Request.Context(), q)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"context": retrieval.Assemble(results, budget),
	})
}

func (s *Server) handleChain(c *gin.Context) {
	chain, err := s.cfg.Store.Chain(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain})
}

func (s *Server) handleListFlags(c *gin.Context) {
	status := model.FlagStatus(c.DefaultQuery("status", string(model.FlagOpen)))
	if status == "all" {
		status = ""
	}
	flags, err := s.cfg.Store.ListFlags(c.Request.Context(), status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if flags == nil {
		flags = []model.Flag{}
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags})
}

func (s *Server) handleResolveFlag(c *gin.Context) {
	if err := s.cfg.Store.ResolveFlag(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": c.Param("id")})
}

func (s *Server) handleScan(c *gin.Context) {
	if s.cfg.Evaluator == nil {
		s.writeError(c, &model.BackendUnavailableError{Backend: "consistency evaluator", Err: errors.New("not configured")})
		return
	}
	res, err := s.cfg.Evaluator.Scan(c.Request.Context(), s.cfg.ScanConcurrency)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSessions(c *gin.Context) {
	ctx := c.Request.Context()
	info, err := s.cfg.Orchestrator.SessionInfo(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sessions, err := s.cfg.Orchestrator.Sessions(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"info": info, "sessions": sessions})
}

// handleClearSessions clears one user's session with a character when
// user_id and character_id are given, otherwise every session.
func (s *Server) handleClearSessions(c *gin.Context) {
	ctx := c.Request.Context()
	userID, charID := c.Query("user_id"), c.Query("character_id")
	if userID != "" || charID != "" {
		if userID == "" || charID == "" {
			s.writeError(c, badRequest(errors.New("user_id and character_id go together")))
			return
		}
		if err := s.cfg.Orchestrator.ClearUserSession(ctx, userID, charID); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": 1})
		return
	}
	n, err := s.cfg.Orchestrator.ClearAllSessions(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) handleClearSession(c *gin.Context) {
	if err := s.cfg.Orchestrator.ClearSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": 1})
}

func (s *Server) handleStats(c *gin.Context) {
	src, ok := s.cfg.Store.(StatsSource)
	if !ok {
		s.writeError(c, &model.BackendUnavailableError{Backend: "stats", Err: errors.New("store does not report statistics")})
		return
	}
	st, err := src.Stats(c.Request.Context(), s.cfg.DBPath)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest(errors.New(name + " must be an integer"))
	}
	return n, nil
}
