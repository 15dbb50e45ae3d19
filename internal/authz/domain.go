package authz

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission is an atomic capability in the catalog. Name is unique
// case-insensitively and immutable once created.
type Permission struct {
	ID          uuid.UUID
	Name        string
	DisplayName string
	Description string
	Category    string
	System      bool
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role groups permissions. Roles are flat: there is no role-to-role
// inheritance, only an integer Priority used as a tie-break scalar
// (higher wins).
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Category    string
	System      bool
	Priority    int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubjectKind distinguishes grant subjects.
type SubjectKind string

const (
	// SubjectUser marks a grant held directly by a user.
	SubjectUser SubjectKind = "user"
	// SubjectRole marks a grant held by a role.
	SubjectRole SubjectKind = "role"
)

// SubjectRef identifies the holder of a grant: a user by UUID or a role by
// canonical name.
type SubjectRef struct {
	Kind SubjectKind
	ID   string
}

// UserSubject builds the subject reference for a user.
func UserSubject(userID uuid.UUID) SubjectRef {
	return SubjectRef{Kind: SubjectUser, ID: userID.String()}
}

// RoleSubject builds the subject reference for a role.
func RoleSubject(name string) SubjectRef {
	return SubjectRef{Kind: SubjectRole, ID: NormalizeName(name)}
}

// Grant asserts that a subject holds a permission, optionally time-bound.
// Zero ExpiresAt means the grant never expires; zero RevokedAt means it has
// not been revoked.
type Grant struct {
	ID         uuid.UUID
	Subject    SubjectRef
	Permission string
	GrantedBy  string
	GrantedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time
	RevokedBy  string
	Reason     string
}

// ActiveAt reports whether the grant is effective at the given instant.
// Expiry is monotonic: once ExpiresAt has passed the grant stays inactive
// until a fresh grant is issued.
func (g Grant) ActiveAt(now time.Time) bool {
	if !g.RevokedAt.IsZero() {
		return false
	}
	return g.ExpiresAt.IsZero() || g.ExpiresAt.After(now)
}

// RoleAssignment links a user to a role. Zero RemovedAt means the assignment
// is still active.
type RoleAssignment struct {
	UserID     uuid.UUID
	Role       string
	AssignedBy string
	AssignedAt time.Time
	RemovedAt  time.Time
}

// Active reports whether the assignment is in effect.
func (a RoleAssignment) Active() bool {
	return a.RemovedAt.IsZero()
}

// Revocation carries the metadata applied when ending a grant.
type Revocation struct {
	By     string
	Reason string
	At     time.Time
}

// ReasonParentRemoved marks grants soft-cascaded away because their
// permission or role was deleted from the catalog.
const ReasonParentRemoved = "ParentRemoved"

// NormalizeName canonicalizes permission and role names for case-insensitive
// comparison and storage.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
