package authz

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/audit"
)

// Page bounds reverse-lookup listings.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps page parameters to sane bounds.
func (p Page) Normalize() Page {
	if p.Number <= 0 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

// Store is the persistence port of the authorization engine. Every mutating
// method is atomic: the row changes and the supplied audit entries commit
// together or not at all. Grant readers only return grants whose permission
// is currently active in the catalog.
type Store interface {
	PermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) error
	UpdatePermission(ctx context.Context, p Permission) error
	// DeletePermission removes the catalog entry and soft-cascades dependent
	// active grants using rev, writing one revoke audit entry per affected
	// grant. It returns the number of grants revoked.
	DeletePermission(ctx context.Context, name string, rev Revocation) (int, error)

	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, r Role) error
	UpdateRole(ctx context.Context, r Role) error
	// DeleteRole removes the role and soft-cascades the role's own permission
	// grants using rev, with the same audit behaviour as DeletePermission.
	DeleteRole(ctx context.Context, name string, rev Revocation) (int, error)

	ActiveGrants(ctx context.Context, subject SubjectRef, now time.Time) ([]Grant, error)
	ActiveGrant(ctx context.Context, subject SubjectRef, permission string, now time.Time) (Grant, error)
	InsertGrant(ctx context.Context, g Grant, entries []audit.Entry) error
	// RevokeGrant ends the active grant if one exists and reports whether a
	// revocation was applied. Entries are persisted only when it was.
	RevokeGrant(ctx context.Context, subject SubjectRef, permission string, rev Revocation, entries []audit.Entry) (bool, error)
	// SyncGrants applies a grant diff as a single atomic unit.
	SyncGrants(ctx context.Context, subject SubjectRef, inserts []Grant, revoke []string, rev Revocation, entries []audit.Entry) error

	// SubjectsWithPermission lists active grants of the permission held by
	// subjects of the given kind, ordered by ascending GrantedAt then subject
	// id. The boolean reports whether a further page exists.
	SubjectsWithPermission(ctx context.Context, permission string, kind SubjectKind, now time.Time, page Page) ([]Grant, bool, error)

	// ExpireGrants stamps naturally-expired, still-unrevoked grants as
	// expired for audit hygiene. It never touches revoked rows and is safe
	// to run concurrently with live mutation.
	ExpireGrants(ctx context.Context, before time.Time, limit int) (int, error)
}

// RolesProvider resolves a user's role assignments from the identity store.
// Implementations must return the authoritative current snapshot.
type RolesProvider interface {
	Assignments(ctx context.Context, userID uuid.UUID) ([]RoleAssignment, error)
}

// Locker serializes critical sections across engine instances. Acquire blocks
// until the key is held or ctx is done, and returns the release func.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}
