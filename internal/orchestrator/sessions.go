package orchestrator

import (
	"context"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Info summarises sessions and characters.
type Info struct {
	ActiveSessions int      `json:"active_sessions"`
	SessionIDs     []string `json:"session_ids"`
	Characters     int      `json:"characters"`
}

func (o *Orchestrator) Sessions(ctx context.Context) ([]model.Session, error) {
	return o.store.ListSessions(ctx)
}

func (o *Orchestrator) SessionInfo(ctx context.Context) (*Info, error) {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	chars, err := o.store.ListCharacters(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{ActiveSessions: len(sessions), SessionIDs: []string{}, Characters: len(chars)}
	for _, s := range sessions {
		info.SessionIDs = append(info.SessionIDs, s.ID)
	}
	return info, nil
}

// ClearSession drops a session's history. It waits for an in-flight turn of
// that session to finish. Memories written by the session are kept.
func (o *Orchestrator) ClearSession(ctx context.Context, id string) error {
	o.sessions.Lock(id)
	defer o.sessions.Unlock(id)
	if err := o.store.ClearSession(ctx, id); err != nil {
		return err
	}
	o.logger.Info("session cleared", "session", id)
	return nil
}

// ClearUserSession clears the session between a user and a character.
func (o *Orchestrator) ClearUserSession(ctx context.Context, userID, characterID string) error {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.UserID == userID && s.AgentID == characterID {
			return o.ClearSession(ctx, s.ID)
		}
	}
	return &model.NotFoundError{Kind: "session", ID: userID + "/" + characterID}
}

// ClearAllSessions clears every session and returns how many were cleared.
func (o *Orchestrator) ClearAllSessions(ctx context.Context) (int, error) {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if err := o.ClearSession(ctx, s.ID); err != nil {
			if model.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
