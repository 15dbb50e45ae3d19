package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/audit"
	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/shared"
)

// ErrNotAssigned is returned when a removal targets a role the user does not
// hold.
var ErrNotAssigned = errors.New("identity: role not assigned")

// Store is the persistence port for role assignments. Mutations commit
// together with their audit entries.
type Store interface {
	// Assignments returns the user's active assignments.
	Assignments(ctx context.Context, userID uuid.UUID) ([]authz.RoleAssignment, error)
	Insert(ctx context.Context, a authz.RoleAssignment, entries []audit.Entry) error
	// End closes the active assignment if one exists and reports whether it
	// did. Entries are persisted only when an assignment was ended.
	End(ctx context.Context, userID uuid.UUID, role string, at time.Time, entries []audit.Entry) (bool, error)
	// SyncAssignments applies an assignment diff as a single atomic unit.
	SyncAssignments(ctx context.Context, userID uuid.UUID, inserts []authz.RoleAssignment, remove []string, at time.Time, entries []audit.Entry) error
}

// RoleCatalog resolves role definitions for assignment validation.
type RoleCatalog interface {
	GetRole(ctx context.Context, name string) (authz.Role, error)
}

// Service manages user-to-role assignments. It satisfies authz.RolesProvider
// for the engine and the policy packages.
type Service struct {
	store   Store
	catalog RoleCatalog
	locks   authz.Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the role assignment service.
func NewService(store Store, catalog RoleCatalog, locks authz.Locker, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		locks:   locks,
		logger:  logger,
		now:     time.Now,
	}
}

// Assignments returns the user's active role assignments.
func (s *Service) Assignments(ctx context.Context, userID uuid.UUID) ([]authz.RoleAssignment, error) {
	return s.store.Assignments(ctx, userID)
}

// ActiveRoleNames returns the canonical names of the user's active roles,
// skipping roles deactivated or deleted from the catalog.
func (s *Service) ActiveRoleNames(ctx context.Context, userID uuid.UUID) ([]string, error) {
	assignments, err := s.store.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if !a.Active() {
			continue
		}
		role, err := s.catalog.GetRole(ctx, a.Role)
		if errors.Is(err, authz.ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !role.Active {
			continue
		}
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names, nil
}

// AssignRole assigns a role to a user. Assigning an already-held role is a
// no-op success and writes no audit entry.
func (s *Service) AssignRole(ctx context.Context, userID uuid.UUID, roleName, assignedBy string) error {
	role, err := s.catalog.GetRole(ctx, roleName)
	if err != nil {
		return err
	}
	if !role.Active {
		return fmt.Errorf("%w: %s is inactive", authz.ErrRoleNotFound, role.Name)
	}

	release, err := s.locks.Acquire(ctx, shared.RoleAssignmentLockKey(userID.String()))
	if err != nil {
		return err
	}
	defer release()

	current, err := s.store.Assignments(ctx, userID)
	if err != nil {
		return err
	}
	for _, a := range current {
		if a.Active() && a.Role == role.Name {
			return nil
		}
	}

	now := s.now()
	a := authz.RoleAssignment{
		UserID:     userID,
		Role:       role.Name,
		AssignedBy: assignedBy,
		AssignedAt: now,
	}
	entry := audit.NewEntry(audit.ActionAssign, assignedBy, userID.String(), role.Name, now, nil)
	if err := s.store.Insert(ctx, a, []audit.Entry{entry}); err != nil {
		return err
	}
	s.logger.Info("role assigned",
		slog.String("role", role.Name),
		slog.String("user_id", userID.String()),
		slog.String("assigned_by", assignedBy))
	return nil
}

// RemoveRole removes a role assignment and fails with ErrNotAssigned when the
// user does not hold the role. The role may already be deleted from the
// catalog; removal still works on the stored name.
func (s *Service) RemoveRole(ctx context.Context, userID uuid.UUID, roleName, removedBy string) error {
	name := authz.NormalizeName(roleName)
	if name == "" {
		return fmt.Errorf("%w: blank role name", authz.ErrValidation)
	}

	release, err := s.locks.Acquire(ctx, shared.RoleAssignmentLockKey(userID.String()))
	if err != nil {
		return err
	}
	defer release()

	now := s.now()
	entry := audit.NewEntry(audit.ActionUnassign, removedBy, userID.String(), name, now, nil)
	removed, err := s.store.End(ctx, userID, name, now, []audit.Entry{entry})
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s for user %s", ErrNotAssigned, name, userID)
	}
	s.logger.Info("role removed",
		slog.String("role", name),
		slog.String("user_id", userID.String()),
		slog.String("removed_by", removedBy))
	return nil
}

// SyncUserRoles reconciles the user's active assignments against the desired
// role set as a single atomic unit, one audit entry per change. A sync with
// an empty diff writes nothing.
func (s *Service) SyncUserRoles(ctx context.Context, userID uuid.UUID, desired []string, updatedBy string) error {
	want := make(map[string]struct{}, len(desired))
	for _, r := range desired {
		name := authz.NormalizeName(r)
		if name == "" {
			return fmt.Errorf("%w: blank role name", authz.ErrValidation)
		}
		role, err := s.catalog.GetRole(ctx, name)
		if err != nil {
			return err
		}
		if !role.Active {
			return fmt.Errorf("%w: %s is inactive", authz.ErrRoleNotFound, role.Name)
		}
		want[role.Name] = struct{}{}
	}

	release, err := s.locks.Acquire(ctx, shared.RoleAssignmentLockKey(userID.String()))
	if err != nil {
		return err
	}
	defer release()

	current, err := s.store.Assignments(ctx, userID)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(current))
	for _, a := range current {
		if a.Active() {
			have[a.Role] = struct{}{}
		}
	}

	now := s.now()
	var (
		inserts []authz.RoleAssignment
		remove  []string
		entries []audit.Entry
	)
	for name := range want {
		if _, ok := have[name]; ok {
			continue
		}
		inserts = append(inserts, authz.RoleAssignment{
			UserID:     userID,
			Role:       name,
			AssignedBy: updatedBy,
			AssignedAt: now,
		})
		entries = append(entries, audit.NewEntry(audit.ActionSync, updatedBy, userID.String(), name, now,
			map[string]any{"change": "assign"}))
	}
	for name := range have {
		if _, ok := want[name]; ok {
			continue
		}
		remove = append(remove, name)
		entries = append(entries, audit.NewEntry(audit.ActionSync, updatedBy, userID.String(), name, now,
			map[string]any{"change": "unassign"}))
	}
	if len(inserts) == 0 && len(remove) == 0 {
		return nil
	}
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].Role < inserts[j].Role })
	sort.Strings(remove)

	if err := s.store.SyncAssignments(ctx, userID, inserts, remove, now, entries); err != nil {
		return err
	}
	s.logger.Info("roles synced",
		slog.String("user_id", userID.String()),
		slog.Int("assigned", len(inserts)),
		slog.Int("removed", len(remove)),
		slog.String("updated_by", updatedBy))
	return nil
}
