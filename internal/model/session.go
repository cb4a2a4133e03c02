package model

import "time"

// State is the orchestrator phase of a session.
type State string

const (
	StateIdle       State = "IDLE"
	StateRetrieving State = "RETRIEVING"
	StateGenerating State = "GENERATING"
	StateWriting    State = "WRITING"
)

// Session scopes a conversation between a user and one character.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id"`
	State     State     `json:"state"`
	Cursor    int64     `json:"cursor"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one completed user/character exchange.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Index       int       `json:"index"`
	UserID      string    `json:"user_id"`
	AgentID     string    `json:"agent_id"`
	Chapter     int       `json:"chapter"`
	UserMessage string    `json:"user_message"`
	Reply       string    `json:"reply"`
	CreatedAt   time.Time `json:"created_at"`
}

// Candidate is a fact proposed by extraction, before it is committed.
type Candidate struct {
	Type       RecordType `json:"type"`
	SubjectID  string     `json:"subject_id"`
	ObjectID   string     `json:"object_id,omitempty"`
	Topic      string     `json:"topic"`
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"`
	// Exclusive marks single-valued topics where a different value replaces the old one.
	Exclusive bool `json:"exclusive,omitempty"`
}

// Key returns the slot the candidate would occupy.
func (c Candidate) Key() Key {
	return NewKey(c.Type, c.SubjectID, c.ObjectID, c.Topic)
}
