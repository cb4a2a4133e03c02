// Package orchestrator runs dialogue turns through retrieval, generation and
// memory writing, one turn at a time per session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/keylock"
	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/pipeline"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
	"github.com/sekai-engine/sekai-memory/internal/store"
	"github.com/sekai-engine/sekai-memory/internal/world"
)

const (
	DefaultHistoryTurns     = 8
	DefaultRetrievalTimeout = 3 * time.Second
	DefaultContextBudget    = 1000
)

// Retriever ranks memories for a character.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// Writer commits facts to memory.
type Writer interface {
	Ingest(ctx context.Context, t pipeline.Turn) (*pipeline.Result, error)
	Commit(ctx context.Context, t pipeline.Turn, cands []model.Candidate) (*pipeline.Result, error)
}

// Config wires the orchestrator. Store, Writer and Generator are required.
type Config struct {
	Store     store.Store
	Retriever Retriever
	Writer    Writer
	Generator llm.Client
	Parser    *world.Parser

	// RetrievalTimeout bounds the RETRIEVING phase; on expiry the turn proceeds without memories.
	RetrievalTimeout time.Duration
	// HistoryTurns is how many recent turns are replayed to the generator.
	HistoryTurns int
	// ContextBudget is the memory block budget in tokens.
	ContextBudget int
	// K is how many memories to retrieve per turn (0 uses the retriever default).
	K int

	Logger *slog.Logger
}

type Orchestrator struct {
	cfg      Config
	store    store.Store
	sessions *keylock.Locker
	logger   *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = DefaultContextBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parser == nil {
		cfg.Parser = world.NewParser(cfg.Generator, 0, cfg.Logger)
	}
	return &Orchestrator{cfg: cfg, store: cfg.Store, sessions: keylock.New(), logger: cfg.Logger}
}

// ChatRequest is one user message to a character.
type ChatRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	CharacterID string `json:"character_id" binding:"required"`
	Chapter     int    `json:"chapter" binding:"min=0"`
	Message     string `json:"message" binding:"required"`
}

// ChatResponse is the character's reply and what the turn did to memory.
type ChatResponse struct {
	SessionID string                    `json:"session_id"`
	Reply     string                    `json:"reply"`
	Turn      int                       `json:"turn"`
	Memories  []retrieval.ContextMemory `json:"memories"`
	Written   *pipeline.Result          `json:"written,omitempty"`
}

// Chat runs one turn. Turns of the same session are serialised; different
// sessions run concurrently.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.CharacterID) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, &model.InvalidInputError{Err: fmt.Errorf("user id, character id and message are required")}
	}
	if req.Chapter < 0 {
		return nil, &model.InvalidInputError{Err: fmt.Errorf("chapter %d must be >= 0", req.Chapter)}
	}
	char, err := o.store.GetCharacter(ctx, req.CharacterID)
	if err != nil {
		return nil, err
	}
	sess, err := o.store.OpenSession(ctx, req.UserID, char.ID)
	if err != nil {
		return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
	}

	o.sessions.Lock(sess.ID)
	defer o.sessions.Unlock(sess.ID)

	state := model.StateIdle
	transition := func(next model.State) {
		o.logger.Info("session transition", "session", sess.ID, "from", state, "to", next)
		if err := o.store.SetSessionState(context.WithoutCancel(ctx), sess.ID, next); err != nil {
			o.logger.Warn("persist session state failed", "session", sess.ID, "state", next, "error", err)
		}
		state = next
	}
	defer transition(model.StateIdle)

	transition(model.StateRetrieving)
	memories := o.retrieve(ctx, sess.ID, char.ID, req)

	transition(model.StateGenerating)
	reply, err := o.generate(ctx, sess, char, req, memories)
	if err != nil {
		return nil, err
	}

	transition(model.StateWriting)
	written, err := o.cfg.Writer.Ingest(ctx, pipeline.Turn{
		SessionID:   sess.ID,
		UserID:      req.UserID,
		CharacterID: char.ID,
		Chapter:     req.Chapter,
		UserMessage: req.Message,
		Reply:       reply,
	})
	switch {
	case model.IsBackendUnavailable(err), model.IsConflict(err), model.IsInvalidInput(err):
		// The turn is not recorded so the client can resend it.
		return nil, err
	case err != nil:
		o.logger.Warn("memory write failed, keeping turn", "session", sess.ID, "error", err)
	}

	cursor := sess.Cursor
	if written != nil {
		for _, rec := range written.Created {
			cursor = max(cursor, rec.Seq)
		}
	}
	turn, err := o.store.AppendTurn(ctx, model.Turn{
		SessionID:   sess.ID,
		UserID:      req.UserID,
		AgentID:     char.ID,
		Chapter:     req.Chapter,
		UserMessage: req.Message,
		Reply:       reply,
	}, cursor)
	if err != nil {
		return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
	}

	return &ChatResponse{
		SessionID: sess.ID,
		Reply:     reply,
		Turn:      turn.Index,
		Memories:  memories.Memories,
		Written:   written,
	}, nil
}

// retrieve never fails the turn: a character without memories, a slow index
// or a backend error all yield an empty context.
func (o *Orchestrator) retrieve(ctx context.Context, sessionID, characterID string, req ChatRequest) *retrieval.Context {
	empty := retrieval.Assemble(nil, o.cfg.ContextBudget)
	if o.cfg.Retriever == nil {
		return empty
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()
	results, err := o.cfg.Retriever.Retrieve(rctx, retrieval.Query{
		CharacterID: characterID,
		Context:     req.Message,
		Chapter:     req.Chapter,
		K:           o.cfg.K,
	})
	switch {
	case model.IsNotFound(err):
		o.logger.Debug("no memory space yet", "session", sessionID, "character", characterID)
		return empty
	case errors.Is(err, context.DeadlineExceeded):
		o.logger.Warn("retrieval timed out, continuing without memories", "session", sessionID, "timeout", o.cfg.RetrievalTimeout)
		return empty
	case err != nil:
		o.logger.Warn("retrieval failed, continuing without memories", "session", sessionID, "error", err)
		return empty
	}
	return retrieval.Assemble(results, o.cfg.ContextBudget)
}

func (o *Orchestrator) generate(ctx context.Context, sess *model.Session, char *model.Character, req ChatRequest, memories *retrieval.Context) (string, error) {
	history, err := o.store.Turns(ctx, sess.ID, o.cfg.HistoryTurns)
	if err != nil {
		o.logger.Warn("load history failed", "session", sess.ID, "error", err)
	}

	var worldSummary string
	if ws, err := o.store.WorldStateAt(ctx, req.Chapter); err == nil {
		worldSummary = ws.Summary
	}

	msgs := make([]llm.Message, 0, 2*len(history)+1)
	for _, t := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.UserMessage},
			llm.Message{Role: llm.RoleAssistant, Content: t.Reply})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	if o.cfg.Generator == nil {
		return "", fmt.Errorf("generate reply: no model configured")
	}
	resp, err := o.cfg.Generator.Complete(ctx, llm.Request{
		System:   SystemPrompt(char, worldSummary, memories.Text()),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// SystemPrompt builds the character's system message.
func SystemPrompt(char *model.Character, worldSummary, memories string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are engaging in a roleplay scenario where you will respond as %s, this is your background: %s",
		char.Name, char.Background)
	sb.WriteString("\n\nStay in character at all times and never mention that you are an AI language model.")
	if worldSummary != "" {
		sb.WriteString("\n\nWorld context: ")
		sb.WriteString(worldSummary)
	}
	if memories != "" {
		sb.WriteString("\n\nWhat you remember:\n")
		sb.WriteString(memories)
	}
	return sb.String()
}
