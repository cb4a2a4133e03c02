// Package model defines the core memory data types.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RecordType is the memory tier a record belongs to.
type RecordType string

const (
	// CharacterToUser is what a character remembers about a user.
	CharacterToUser RecordType = "C2U"
	// InterCharacter is what characters remember about each other.
	InterCharacter RecordType = "IC"
	// World is shared world memory, scoped to a chapter.
	World RecordType = "WM"
)

// WorldSubject is the subject of world memory records.
const WorldSubject = "world"

// ValidTypes are the allowed record types.
var ValidTypes = map[RecordType]bool{
	CharacterToUser: true,
	InterCharacter:  true,
	World:           true,
}

// ParseRecordType accepts the canonical names case-insensitively.
func ParseRecordType(s string) (RecordType, error) {
	t := RecordType(strings.ToUpper(strings.TrimSpace(s)))
	if !ValidTypes[t] {
		return "", fmt.Errorf("invalid record type %q (valid: C2U, IC, WM)", s)
	}
	return t, nil
}

// MemoryRecord is a single append-only memory entry.
type MemoryRecord struct {
	ID           string     `json:"id"`
	Type         RecordType `json:"type"`
	SubjectID    string     `json:"subject_id"`
	ObjectID     string     `json:"object_id,omitempty"`
	Topic        string     `json:"topic"`
	Chapter      int        `json:"chapter"`
	WorldVersion int        `json:"world_version,omitempty"`
	Content      string     `json:"content"`
	Confidence   float64    `json:"confidence"`
	ContentHash  string     `json:"content_hash"`
	SessionID    string     `json:"session_id,omitempty"`
	Seq          int64      `json:"seq"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededBy string     `json:"superseded_by,omitempty"`
}

// Superseded reports whether a newer record replaced this one.
func (r MemoryRecord) Superseded() bool { return r.SupersededBy != "" }

// Key returns the conflict-detection key of the record.
func (r MemoryRecord) Key() Key {
	return NewKey(r.Type, r.SubjectID, r.ObjectID, r.Topic)
}

// VisibleTo reports whether the record belongs to the memory space of characterID.
// WM records are shared; chapter filtering is the caller's concern.
func (r MemoryRecord) VisibleTo(characterID string) bool {
	if r.Type == World {
		return true
	}
	return r.SubjectID == characterID || r.ObjectID == characterID
}

// Validate checks the structural invariants of a record.
func (r MemoryRecord) Validate() error {
	if !ValidTypes[r.Type] {
		return fmt.Errorf("invalid record type %q", r.Type)
	}
	if r.SubjectID == "" {
		return fmt.Errorf("record subject is required")
	}
	if r.Type == World && r.ObjectID != "" {
		return fmt.Errorf("WM record must not have an object")
	}
	if r.Type != World && r.ObjectID == "" {
		return fmt.Errorf("%s record requires an object", r.Type)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("record content is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range [0,1]", r.Confidence)
	}
	if r.Chapter < 0 {
		return fmt.Errorf("chapter must be >= 0")
	}
	return nil
}

// Key identifies the slot a fact occupies: (type, subject, object, topic).
// IC keys are unordered in the character pair so both sides share one slot.
type Key struct {
	Type    RecordType
	Subject string
	Object  string
	Topic   string
}

// NewKey builds a normalised key.
func NewKey(t RecordType, subject, object, topic string) Key {
	if t == InterCharacter && object < subject {
		subject, object = object, subject
	}
	if t == World {
		object = ""
	}
	return Key{Type: t, Subject: subject, Object: object, Topic: NormalizeTopic(topic)}
}

// String is used for lock names and logs.
func (k Key) String() string {
	return string(k.Type) + "|" + k.Subject + "|" + k.Object + "|" + k.Topic
}

// NormalizeTopic lowercases and collapses whitespace so near-identical topics collide.
func NormalizeTopic(topic string) string {
	return strings.Join(strings.Fields(strings.ToLower(topic)), " ")
}

// NormalizeContent is the canonical form used for duplicate detection.
func NormalizeContent(content string) string {
	content = strings.ToLower(content)
	content = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"', '\'':
			return -1
		}
		return r
	}, content)
	return strings.Join(strings.Fields(content), " ")
}

// HashContent hashes the normalised content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// Character is a role-play agent with its own memory space.
type Character struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Background string    `json:"background"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorldState is a versioned snapshot of the world at a chapter.
type WorldState struct {
	Version   int       `json:"version"`
	Chapter   int       `json:"chapter"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagKind classifies a consistency finding.
type FlagKind string

const (
	FlagInvalidated   FlagKind = "invalidated"
	FlagContradiction FlagKind = "contradiction"
)

// FlagStatus tracks review state.
type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// Flag marks a record as possibly stale or contradicted by a later record.
type Flag struct {
	ID        string     `json:"id"`
	RecordID  string     `json:"record_id"`
	CauseID   string     `json:"cause_id"`
	Kind      FlagKind   `json:"kind"`
	Reason    string     `json:"reason"`
	Status    FlagStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}
