package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action classifies what an audit entry records.
type Action string

const (
	// ActionGrant records a permission being granted to a subject.
	ActionGrant Action = "GRANT"
	// ActionRevoke records a permission being revoked from a subject.
	ActionRevoke Action = "REVOKE"
	// ActionSync records a bulk reconciliation of a subject's grants.
	ActionSync Action = "SYNC"
	// ActionDecision records an access decision, when decision auditing is enabled.
	ActionDecision Action = "DECISION"
	// ActionAssign records a role being assigned to a user.
	ActionAssign Action = "ASSIGN"
	// ActionUnassign records a role assignment being removed.
	ActionUnassign Action = "UNASSIGN"
)

// Entry is one append-only audit record. Object holds the permission or role
// name the entry is about.
type Entry struct {
	ID        uuid.UUID
	Action    Action
	ActorID   string
	SubjectID string
	Object    string
	At        time.Time
	Details   map[string]any
}

// NewEntry builds an Entry with a fresh identifier.
func NewEntry(action Action, actorID, subjectID, object string, at time.Time, details map[string]any) Entry {
	return Entry{
		ID:        uuid.New(),
		Action:    action,
		ActorID:   actorID,
		SubjectID: subjectID,
		Object:    object,
		At:        at,
		Details:   details,
	}
}
