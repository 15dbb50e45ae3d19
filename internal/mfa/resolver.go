package mfa

import (
	"context"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/authz"
)

// Sensitive operations with their own MFA floor, independent of who performs
// them.
const (
	ActionDeleteAccount    = "account.delete"
	ActionChangeEmail      = "account.change_email"
	ActionManageRoles      = "roles.manage"
	ActionGrantPermissions = "permissions.grant"
	ActionExportData       = "data.export"
	ActionModerate         = "content.moderate"
)

// RoleNames resolves a user's active role names. The resolver queries it on
// every call so role-membership changes take effect immediately; results must
// never be cached here.
type RoleNames interface {
	ActiveRoleNames(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// Resolver derives the MFA requirement for a user performing an action as
// max(strictest role requirement, action requirement). Roles and actions
// absent from the tables resolve to Optional.
type Resolver struct {
	roles   RoleNames
	byRole  map[string]Requirement
	byOp    map[string]Requirement
}

// NewResolver builds a resolver over the given requirement tables. Nil tables
// mean everything resolves to Optional from that source.
func NewResolver(roles RoleNames, byRole, byOp map[string]Requirement) *Resolver {
	return &Resolver{roles: roles, byRole: byRole, byOp: byOp}
}

// DefaultRoleRequirements is the platform's role strictness table.
func DefaultRoleRequirements() map[string]Requirement {
	return map[string]Requirement{
		authz.RoleSuperAdmin: Enforced,
		authz.RoleAdmin:      Required,
		authz.RoleModerator:  Recommended,
		authz.RoleSupport:    Recommended,
		authz.RoleUser:       Optional,
	}
}

// DefaultActionRequirements is the platform's sensitive-operation table.
func DefaultActionRequirements() map[string]Requirement {
	return map[string]Requirement{
		ActionDeleteAccount:    Enforced,
		ActionChangeEmail:      Required,
		ActionManageRoles:      Required,
		ActionGrantPermissions: Required,
		ActionExportData:       Recommended,
	}
}

// ForUser returns the requirement derived from the user's roles alone.
func (r *Resolver) ForUser(ctx context.Context, userID uuid.UUID) (Requirement, error) {
	names, err := r.roles.ActiveRoleNames(ctx, userID)
	if err != nil {
		return Optional, err
	}
	req := Optional
	for _, name := range names {
		req = Max(req, r.byRole[authz.NormalizeName(name)])
	}
	return req, nil
}

// ForAction returns the requirement of the action alone.
func (r *Resolver) ForAction(action string) Requirement {
	return r.byOp[action]
}

// Resolve composes the user and action requirements.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, action string) (Requirement, error) {
	req, err := r.ForUser(ctx, userID)
	if err != nil {
		return Optional, err
	}
	return Max(req, r.ForAction(action)), nil
}
