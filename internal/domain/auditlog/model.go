package auditlog

import (
	"time"

	"github.com/google/uuid"
)

// Action is the kind of access or change an Entry documents.
type Action string

const (
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionSign    Action = "sign"
	ActionAmend   Action = "amend"
	ActionRestore Action = "restore"
)

var validActions = map[Action]bool{
	ActionView:    true,
	ActionCreate:  true,
	ActionUpdate:  true,
	ActionSign:    true,
	ActionAmend:   true,
	ActionRestore: true,
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return validActions[a]
}

// Entry is one row of the append-only audit trail. Anchor and subject are
// denormalized so the trail can be queried without joining records.
type Entry struct {
	ID            uuid.UUID      `json:"id"`
	RecordID      uuid.UUID      `json:"record_id"`
	AnchorID      int64          `json:"anchor_id"`
	SubjectID     int64          `json:"subject_id"`
	Action        Action         `json:"action"`
	ActorID       string         `json:"actor_id"`
	ActorRole     string         `json:"actor_role"`
	SourceAddress *string        `json:"source_address,omitempty"`
	UserAgent     *string        `json:"user_agent,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Target identifies the record an entry is about.
type Target struct {
	RecordID  uuid.UUID
	AnchorID  int64
	SubjectID int64
}

// Actor is the attributable party behind an entry.
type Actor struct {
	ID            string
	Role          string
	SourceAddress string
	UserAgent     string
}

// NewEntry builds an entry for target/actor. Empty source address and user
// agent are stored as NULL.
func NewEntry(target Target, action Action, actor Actor, extra map[string]any) *Entry {
	return &Entry{
		RecordID:      target.RecordID,
		AnchorID:      target.AnchorID,
		SubjectID:     target.SubjectID,
		Action:        action,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		SourceAddress: optional(actor.SourceAddress),
		UserAgent:     optional(actor.UserAgent),
		Extra:         extra,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
