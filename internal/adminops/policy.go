package adminops

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/authz"
)

// Operation is a coarse admin-area capability gating a whole dashboard
// surface rather than a single permission.
type Operation string

const (
	OpUserManagement    Operation = "user_management"
	OpRoleManagement    Operation = "role_management"
	OpContentModeration Operation = "content_moderation"
	OpSystemSettings    Operation = "system_settings"
	OpSecurityReview    Operation = "security_review"
	OpAnalytics         Operation = "analytics"
)

// DefaultOperationPermissions maps each operation to the permissions that
// open it. Holding any one of them suffices.
func DefaultOperationPermissions() map[Operation][]string {
	return map[Operation][]string{
		OpUserManagement:    {authz.PermUsersView, authz.PermUsersEdit, "users.create", "users.delete"},
		OpRoleManagement:    {authz.PermRolesView, authz.PermRolesEdit, authz.PermRolesAssign},
		OpContentModeration: {authz.PermContentModerate, "community.handle_reports", "community.moderate_comments"},
		OpSystemSettings:    {"system.manage_settings", "system.manage_jobs"},
		OpSecurityReview:    {"security.view_logs", "security.view_audit"},
		OpAnalytics:         {"analytics.view_basic", "analytics.view_advanced"},
	}
}

// AdminRoleNames are the roles whose members count as administrators for the
// admin-area gate.
func AdminRoleNames() map[string]struct{} {
	return map[string]struct{}{
		authz.RoleSuperAdmin: {},
		authz.RoleAdmin:      {},
	}
}

// RoleNames resolves a user's active role names.
type RoleNames interface {
	ActiveRoleNames(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// PermissionChecker is the slice of the engine the policy needs.
type PermissionChecker interface {
	HasAnyPermission(ctx context.Context, userID uuid.UUID, permissions ...string) (bool, error)
}

// Policy gates admin-area operations. Access requires BOTH an admin role and
// at least one of the operation's permissions; the role gate runs first so a
// permission grant alone never opens the admin area. Every failure path,
// including lookup errors, resolves to no access.
type Policy struct {
	roles      RoleNames
	checker    PermissionChecker
	operations map[Operation][]string
	adminRoles map[string]struct{}
	logger     *slog.Logger
}

// NewPolicy builds the admin operation policy. Nil operations or adminRoles
// fall back to the platform defaults.
func NewPolicy(roles RoleNames, checker PermissionChecker, operations map[Operation][]string, adminRoles map[string]struct{}, logger *slog.Logger) *Policy {
	if operations == nil {
		operations = DefaultOperationPermissions()
	}
	if adminRoles == nil {
		adminRoles = AdminRoleNames()
	}
	return &Policy{
		roles:      roles,
		checker:    checker,
		operations: operations,
		adminRoles: adminRoles,
		logger:     logger,
	}
}

// IsAdmin reports whether the user holds an admin role.
func (p *Policy) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	names, err := p.roles.ActiveRoleNames(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if _, ok := p.adminRoles[authz.NormalizeName(name)]; ok {
			return true, nil
		}
	}
	return false, nil
}

// CanAccess reports whether the user may use the admin operation. Unknown
// operations are closed.
func (p *Policy) CanAccess(ctx context.Context, userID uuid.UUID, op Operation) (bool, error) {
	perms, ok := p.operations[op]
	if !ok {
		p.logger.Warn("unknown admin operation", slog.String("operation", string(op)))
		return false, nil
	}
	admin, err := p.IsAdmin(ctx, userID)
	if err != nil {
		return false, err
	}
	if !admin {
		return false, nil
	}
	return p.checker.HasAnyPermission(ctx, userID, perms...)
}

// AccessibleOperations lists the operations the user may use, for dashboard
// navigation.
func (p *Policy) AccessibleOperations(ctx context.Context, userID uuid.UUID) ([]Operation, error) {
	admin, err := p.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, nil
	}
	var out []Operation
	for op, perms := range p.operations {
		ok, err := p.checker.HasAnyPermission(ctx, userID, perms...)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
