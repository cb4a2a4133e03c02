// Package store provides the memory storage interface and SQLite implementation.
package store

import (
	"context"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Write is one record to insert, optionally superseding current heads.
// ID, Seq, CreatedAt, ContentHash and WorldVersion are assigned by the store when empty.
type Write struct {
	Record     model.MemoryRecord
	Supersedes []string
}

// VisibleParams selects the records a character may recall.
type VisibleParams struct {
	CharacterID       string
	Chapter           int
	IncludeSuperseded bool
}

// ListParams holds parameters for listing records.
type ListParams struct {
	Type              model.RecordType
	CharacterID       string
	IncludeSuperseded bool
	Limit             int
}

// Reader is the read side of the store. It is also what Snapshot hands out,
// so evaluator scans see one consistent view while writers proceed.
type Reader interface {
	// Get returns a record by id, superseded or not.
	Get(ctx context.Context, id string) (*model.MemoryRecord, error)

	// Heads returns the non-superseded records occupying a key.
	Heads(ctx context.Context, k model.Key) ([]model.MemoryRecord, error)

	// History returns every version stored under a key, newest first.
	History(ctx context.Context, k model.Key) ([]model.MemoryRecord, error)

	// Chain follows superseded_by from id to the current head (id first, head last).
	Chain(ctx context.Context, id string) ([]model.MemoryRecord, error)

	// Visible returns a character's own C2U/IC records plus WM records at or before the chapter.
	Visible(ctx context.Context, p VisibleParams) ([]model.MemoryRecord, error)

	// Since returns records with seq greater than the given one, in write order.
	Since(ctx context.Context, seq int64, limit int) ([]model.MemoryRecord, error)

	List(ctx context.Context, p ListParams) ([]model.MemoryRecord, error)
	Search(ctx context.Context, p SearchParams) ([]model.MemoryRecord, error)

	GetCharacter(ctx context.Context, id string) (*model.Character, error)
	ListCharacters(ctx context.Context) ([]model.Character, error)

	// HasSpace reports whether the character is registered or appears in any record.
	HasSpace(ctx context.Context, characterID string) (bool, error)

	// WorldStateAt returns the latest world state whose chapter is <= chapter.
	WorldStateAt(ctx context.Context, chapter int) (*model.WorldState, error)
	ListWorldStates(ctx context.Context) ([]model.WorldState, error)

	ListFlags(ctx context.Context, status model.FlagStatus) ([]model.Flag, error)
}

// Store defines the memory storage interface.
type Store interface {
	Reader

	PutCharacter(ctx context.Context, c model.Character) (*model.Character, error)
	PutWorldState(ctx context.Context, chapter int, summary string) (*model.WorldState, error)

	// Apply commits a batch atomically. Superseding a record that already has a
	// successor fails the whole batch with *model.ConflictError.
	Apply(ctx context.Context, writes []Write) ([]model.MemoryRecord, error)

	// Snapshot runs fn inside a read-only transaction.
	Snapshot(ctx context.Context, fn func(Reader) error) error

	// PutFlags stores findings, ignoring ones already recorded. Returns the number added.
	PutFlags(ctx context.Context, flags []model.Flag) (int, error)
	ResolveFlag(ctx context.Context, id string) error

	// OpenSession returns the session for (user, agent), creating it if needed.
	OpenSession(ctx context.Context, userID, agentID string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	SetSessionState(ctx context.Context, id string, st model.State) error

	// AppendTurn records a finished turn and moves the session write cursor.
	AppendTurn(ctx context.Context, t model.Turn, cursor int64) (*model.Turn, error)

	// Turns returns the last limit turns of a session in chronological order (limit <= 0: all).
	Turns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error)

	// ClearSession drops a session and its turn history. Memory records are kept.
	ClearSession(ctx context.Context, id string) error

	Close() error
}
