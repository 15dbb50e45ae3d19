package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/audit"
	"github.com/caravan-social/caravan/internal/shared"
)

// Engine computes effective permissions and owns grant/revoke/sync mutation
// semantics. It holds no internal state beyond its collaborators; expiry is
// evaluated lazily at read time.
type Engine struct {
	store  Store
	roles  RolesProvider
	locks  Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs the authorization engine.
func NewEngine(store Store, roles RolesProvider, locks Locker, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		roles:  roles,
		locks:  locks,
		logger: logger,
		now:    time.Now,
	}
}

// EffectivePermissions returns the de-duplicated union of the user's active
// direct grants and the permissions of all actively-assigned roles, sorted
// for a stable result. The normal "no permission" outcome is an empty slice,
// not an error.
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	now := e.now()
	set := make(map[string]struct{})

	direct, err := e.store.ActiveGrants(ctx, UserSubject(userID), now)
	if err != nil {
		return nil, err
	}
	for _, g := range direct {
		set[g.Permission] = struct{}{}
	}

	assignments, err := e.roles.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if !a.Active() {
			continue
		}
		role, err := e.store.RoleByName(ctx, a.Role)
		if errors.Is(err, ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !role.Active {
			continue
		}
		grants, err := e.store.ActiveGrants(ctx, RoleSubject(role.Name), now)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			set[g.Permission] = struct{}{}
		}
	}

	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

// HasPermission reports whether the permission is in the user's effective set.
func (e *Engine) HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error) {
	perms, err := e.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	name := NormalizeName(permission)
	for _, p := range perms {
		if p == name {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyPermission reports whether the user holds at least one of the
// permissions. It evaluates the effective set once and short-circuits.
func (e *Engine) HasAnyPermission(ctx context.Context, userID uuid.UUID, permissions ...string) (bool, error) {
	if len(permissions) == 0 {
		return false, nil
	}
	set, err := e.effectiveSet(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range permissions {
		if _, ok := set[NormalizeName(p)]; ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAllPermissions reports whether the user holds every listed permission.
func (e *Engine) HasAllPermissions(ctx context.Context, userID uuid.UUID, permissions ...string) (bool, error) {
	set, err := e.effectiveSet(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range permissions {
		if _, ok := set[NormalizeName(p)]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) effectiveSet(ctx context.Context, userID uuid.UUID) (map[string]struct{}, error) {
	perms, err := e.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set, nil
}

// GrantToUser grants a permission directly to a user. Granting an already
// active equivalent grant is a no-op success and produces no audit entry.
func (e *Engine) GrantToUser(ctx context.Context, userID uuid.UUID, permission, grantedBy, reason string, expiresAt time.Time) error {
	return e.grant(ctx, UserSubject(userID), permission, grantedBy, reason, expiresAt)
}

// GrantToRole grants a permission to a role, implicitly changing effective
// permissions for every currently-assigned user on the next read.
func (e *Engine) GrantToRole(ctx context.Context, roleName, permission, grantedBy, reason string, expiresAt time.Time) error {
	role, err := e.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	return e.grant(ctx, RoleSubject(role.Name), permission, grantedBy, reason, expiresAt)
}

func (e *Engine) grant(ctx context.Context, subject SubjectRef, permission, grantedBy, reason string, expiresAt time.Time) error {
	name := NormalizeName(permission)
	if name == "" {
		return fmt.Errorf("%w: blank permission name", ErrValidation)
	}
	perm, err := e.store.PermissionByName(ctx, name)
	if err != nil {
		return err
	}
	if !perm.Active {
		return fmt.Errorf("%w: %s is inactive", ErrPermissionNotFound, name)
	}
	now := e.now()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return fmt.Errorf("%w: expiry %s is in the past", ErrValidation, expiresAt.Format(time.RFC3339))
	}

	release, err := e.locks.Acquire(ctx, shared.GrantLockKey(string(subject.Kind), subject.ID, name))
	if err != nil {
		return err
	}
	defer release()

	if _, err := e.store.ActiveGrant(ctx, subject, name, now); err == nil {
		return nil
	} else if !errors.Is(err, ErrGrantNotFound) {
		return err
	}

	g := Grant{
		ID:         uuid.New(),
		Subject:    subject,
		Permission: name,
		GrantedBy:  grantedBy,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
		Reason:     reason,
	}
	details := map[string]any{"kind": string(subject.Kind)}
	if reason != "" {
		details["reason"] = reason
	}
	if !expiresAt.IsZero() {
		details["expires_at"] = expiresAt.Format(time.RFC3339)
	}
	entry := audit.NewEntry(audit.ActionGrant, grantedBy, subject.ID, name, now, details)
	if err := e.store.InsertGrant(ctx, g, []audit.Entry{entry}); err != nil {
		return err
	}
	e.logger.Info("permission granted",
		slog.String("permission", name),
		slog.String("subject", subject.ID),
		slog.String("granted_by", grantedBy))
	return nil
}

// RevokeFromUser revokes a direct grant and fails with ErrGrantNotFound when
// no active grant exists.
func (e *Engine) RevokeFromUser(ctx context.Context, userID uuid.UUID, permission, revokedBy, reason string) error {
	revoked, err := e.revoke(ctx, UserSubject(userID), permission, revokedBy, reason)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("%w: %s for user %s", ErrGrantNotFound, NormalizeName(permission), userID)
	}
	return nil
}

// EnsureRevokedFromUser is the ensure-absent variant: revoking a grant that
// does not exist succeeds as a no-op, which makes retries idempotent.
func (e *Engine) EnsureRevokedFromUser(ctx context.Context, userID uuid.UUID, permission, revokedBy, reason string) error {
	_, err := e.revoke(ctx, UserSubject(userID), permission, revokedBy, reason)
	return err
}

// RevokeFromRole revokes a role grant, failing when no active grant exists.
func (e *Engine) RevokeFromRole(ctx context.Context, roleName, permission, revokedBy, reason string) error {
	role, err := e.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	revoked, err := e.revoke(ctx, RoleSubject(role.Name), permission, revokedBy, reason)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("%w: %s for role %s", ErrGrantNotFound, NormalizeName(permission), role.Name)
	}
	return nil
}

// EnsureRevokedFromRole is the ensure-absent variant of RevokeFromRole.
func (e *Engine) EnsureRevokedFromRole(ctx context.Context, roleName, permission, revokedBy, reason string) error {
	role, err := e.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	_, err = e.revoke(ctx, RoleSubject(role.Name), permission, revokedBy, reason)
	return err
}

func (e *Engine) revoke(ctx context.Context, subject SubjectRef, permission, revokedBy, reason string) (bool, error) {
	name := NormalizeName(permission)
	if name == "" {
		return false, fmt.Errorf("%w: blank permission name", ErrValidation)
	}
	release, err := e.locks.Acquire(ctx, shared.GrantLockKey(string(subject.Kind), subject.ID, name))
	if err != nil {
		return false, err
	}
	defer release()

	now := e.now()
	rev := Revocation{By: revokedBy, Reason: reason, At: now}
	details := map[string]any{"kind": string(subject.Kind)}
	if reason != "" {
		details["reason"] = reason
	}
	entry := audit.NewEntry(audit.ActionRevoke, revokedBy, subject.ID, name, now, details)
	revoked, err := e.store.RevokeGrant(ctx, subject, name, rev, []audit.Entry{entry})
	if err != nil {
		return false, err
	}
	if revoked {
		e.logger.Info("permission revoked",
			slog.String("permission", name),
			slog.String("subject", subject.ID),
			slog.String("revoked_by", revokedBy))
	}
	return revoked, nil
}

// SyncUserPermissions reconciles the user's direct grants against the desired
// set. Role-derived permissions are untouched. The whole diff is applied as a
// single atomic unit with one audit entry per change; a sync with an empty
// diff writes nothing.
func (e *Engine) SyncUserPermissions(ctx context.Context, userID uuid.UUID, desired []string, updatedBy string) error {
	return e.sync(ctx, UserSubject(userID), desired, updatedBy)
}

// SyncRolePermissions reconciles a role's permission set with the same
// semantics as SyncUserPermissions.
func (e *Engine) SyncRolePermissions(ctx context.Context, roleName string, desired []string, updatedBy string) error {
	role, err := e.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	return e.sync(ctx, RoleSubject(role.Name), desired, updatedBy)
}

func (e *Engine) sync(ctx context.Context, subject SubjectRef, desired []string, updatedBy string) error {
	want := make(map[string]struct{}, len(desired))
	for _, p := range desired {
		name := NormalizeName(p)
		if name == "" {
			return fmt.Errorf("%w: blank permission name", ErrValidation)
		}
		perm, err := e.store.PermissionByName(ctx, name)
		if err != nil {
			return err
		}
		if !perm.Active {
			return fmt.Errorf("%w: %s is inactive", ErrPermissionNotFound, name)
		}
		want[name] = struct{}{}
	}

	// The sync lock covers all of the subject's direct grants for the whole
	// diff-and-apply, so concurrent grant/revoke calls cannot lose updates.
	release, err := e.locks.Acquire(ctx, shared.SyncLockKey(string(subject.Kind), subject.ID))
	if err != nil {
		return err
	}
	defer release()

	now := e.now()
	current, err := e.store.ActiveGrants(ctx, subject, now)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(current))
	for _, g := range current {
		have[g.Permission] = struct{}{}
	}

	var (
		inserts []Grant
		removal []string
		entries []audit.Entry
	)
	for name := range want {
		if _, ok := have[name]; ok {
			continue
		}
		inserts = append(inserts, Grant{
			ID:         uuid.New(),
			Subject:    subject,
			Permission: name,
			GrantedBy:  updatedBy,
			GrantedAt:  now,
			Reason:     "Sync",
		})
		entries = append(entries, audit.NewEntry(audit.ActionSync, updatedBy, subject.ID, name, now,
			map[string]any{"kind": string(subject.Kind), "change": "grant"}))
	}
	for name := range have {
		if _, ok := want[name]; ok {
			continue
		}
		removal = append(removal, name)
		entries = append(entries, audit.NewEntry(audit.ActionSync, updatedBy, subject.ID, name, now,
			map[string]any{"kind": string(subject.Kind), "change": "revoke"}))
	}
	if len(inserts) == 0 && len(removal) == 0 {
		return nil
	}
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].Permission < inserts[j].Permission })
	sort.Strings(removal)

	rev := Revocation{By: updatedBy, Reason: "Sync", At: now}
	if err := e.store.SyncGrants(ctx, subject, inserts, removal, rev, entries); err != nil {
		return err
	}
	e.logger.Info("permissions synced",
		slog.String("subject", subject.ID),
		slog.Int("granted", len(inserts)),
		slog.Int("revoked", len(removal)),
		slog.String("updated_by", updatedBy))
	return nil
}

// GetHighestPriorityRole returns the user's most authoritative active role.
// Higher Priority wins; equal priorities break by earliest AssignedAt, so the
// result is stable across repeated calls. ErrRoleNotFound is returned when
// the user has no active role.
func (e *Engine) GetHighestPriorityRole(ctx context.Context, userID uuid.UUID) (Role, error) {
	assignments, err := e.roles.Assignments(ctx, userID)
	if err != nil {
		return Role{}, err
	}
	var (
		best     Role
		bestAt   time.Time
		selected bool
	)
	for _, a := range assignments {
		if !a.Active() {
			continue
		}
		role, err := e.store.RoleByName(ctx, a.Role)
		if errors.Is(err, ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return Role{}, err
		}
		if !role.Active {
			continue
		}
		switch {
		case !selected,
			role.Priority > best.Priority,
			role.Priority == best.Priority && a.AssignedAt.Before(bestAt):
			best, bestAt, selected = role, a.AssignedAt, true
		}
	}
	if !selected {
		return Role{}, fmt.Errorf("%w: user %s has no active role", ErrRoleNotFound, userID)
	}
	return best, nil
}

// UsersWithPermission lists users holding an active direct grant of the
// permission, ordered by ascending GrantedAt then subject id.
func (e *Engine) UsersWithPermission(ctx context.Context, permission string, page Page) ([]Grant, bool, error) {
	name := NormalizeName(permission)
	if _, err := e.store.PermissionByName(ctx, name); err != nil {
		return nil, false, err
	}
	return e.store.SubjectsWithPermission(ctx, name, SubjectUser, e.now(), page.Normalize())
}

// RolesWithPermission lists roles holding an active grant of the permission.
func (e *Engine) RolesWithPermission(ctx context.Context, permission string, page Page) ([]Grant, bool, error) {
	name := NormalizeName(permission)
	if _, err := e.store.PermissionByName(ctx, name); err != nil {
		return nil, false, err
	}
	return e.store.SubjectsWithPermission(ctx, name, SubjectRole, e.now(), page.Normalize())
}
