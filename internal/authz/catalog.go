package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Catalog manages the canonical registries of permission and role
// definitions.
type Catalog struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewCatalog constructs a catalog service.
func NewCatalog(store Store, logger *slog.Logger) *Catalog {
	return &Catalog{store: store, logger: logger, now: time.Now}
}

// CreatePermissionInput carries the fields for a new permission definition.
type CreatePermissionInput struct {
	Name        string
	DisplayName string
	Description string
	Category    string
	System      bool
}

// UpdatePermissionInput carries the mutable permission fields. Name is
// immutable once created.
type UpdatePermissionInput struct {
	DisplayName string
	Description string
	Category    string
}

// CreateRoleInput carries the fields for a new role definition.
type CreateRoleInput struct {
	Name        string
	Description string
	Category    string
	Priority    int
	System      bool
}

// UpdateRoleInput carries the mutable role fields.
type UpdateRoleInput struct {
	Description string
	Category    string
	Priority    int
}

// CreatePermission registers a new permission. Name collisions fail with
// ErrDuplicateName.
func (c *Catalog) CreatePermission(ctx context.Context, in CreatePermissionInput) (Permission, error) {
	name := NormalizeName(in.Name)
	if name == "" {
		return Permission{}, fmt.Errorf("%w: blank permission name", ErrValidation)
	}
	now := c.now()
	p := Permission{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Category:    in.Category,
		System:      in.System,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreatePermission(ctx, p); err != nil {
		return Permission{}, err
	}
	c.logger.Info("permission created", slog.String("permission", name))
	return p, nil
}

// UpdatePermission updates display fields of an existing permission.
func (c *Catalog) UpdatePermission(ctx context.Context, name string, in UpdatePermissionInput) (Permission, error) {
	p, err := c.store.PermissionByName(ctx, name)
	if err != nil {
		return Permission{}, err
	}
	p.DisplayName = in.DisplayName
	p.Description = in.Description
	p.Category = in.Category
	p.UpdatedAt = c.now()
	if err := c.store.UpdatePermission(ctx, p); err != nil {
		return Permission{}, err
	}
	c.logger.Info("permission updated", slog.String("permission", p.Name))
	return p, nil
}

// ActivatePermission makes the permission visible to effective-permission
// computation again.
func (c *Catalog) ActivatePermission(ctx context.Context, name string) error {
	return c.setPermissionActive(ctx, name, true)
}

// DeactivatePermission hides the permission from effective-permission
// computation while preserving historical grants.
func (c *Catalog) DeactivatePermission(ctx context.Context, name string) error {
	return c.setPermissionActive(ctx, name, false)
}

func (c *Catalog) setPermissionActive(ctx context.Context, name string, active bool) error {
	p, err := c.store.PermissionByName(ctx, name)
	if err != nil {
		return err
	}
	if p.Active == active {
		return nil
	}
	p.Active = active
	p.UpdatedAt = c.now()
	if err := c.store.UpdatePermission(ctx, p); err != nil {
		return err
	}
	c.logger.Info("permission activity changed",
		slog.String("permission", p.Name), slog.Bool("active", active))
	return nil
}

// DeletePermission removes a permission from the catalog. System permissions
// are protected. Dependent active grants are soft-cascaded: marked revoked
// with reason ParentRemoved rather than hard-deleted, preserving audit
// history. It returns the number of grants revoked.
func (c *Catalog) DeletePermission(ctx context.Context, name, deletedBy string) (int, error) {
	p, err := c.store.PermissionByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if p.System {
		return 0, fmt.Errorf("%w: permission %s", ErrProtected, p.Name)
	}
	rev := Revocation{By: deletedBy, Reason: ReasonParentRemoved, At: c.now()}
	revoked, err := c.store.DeletePermission(ctx, p.Name, rev)
	if err != nil {
		return 0, err
	}
	c.logger.Info("permission deleted",
		slog.String("permission", p.Name), slog.Int("grants_revoked", revoked))
	return revoked, nil
}

// ListPermissions returns the whole permission catalog.
func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	return c.store.ListPermissions(ctx)
}

// GetPermission resolves one permission by name.
func (c *Catalog) GetPermission(ctx context.Context, name string) (Permission, error) {
	return c.store.PermissionByName(ctx, name)
}

// CreateRole registers a new role.
func (c *Catalog) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	name := NormalizeName(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: blank role name", ErrValidation)
	}
	now := c.now()
	r := Role{
		ID:          uuid.New(),
		Name:        name,
		Description: in.Description,
		Category:    in.Category,
		System:      in.System,
		Priority:    in.Priority,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateRole(ctx, r); err != nil {
		return Role{}, err
	}
	c.logger.Info("role created", slog.String("role", name), slog.Int("priority", r.Priority))
	return r, nil
}

// UpdateRole updates mutable role fields. Name is immutable.
func (c *Catalog) UpdateRole(ctx context.Context, name string, in UpdateRoleInput) (Role, error) {
	r, err := c.store.RoleByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	r.Description = in.Description
	r.Category = in.Category
	r.Priority = in.Priority
	r.UpdatedAt = c.now()
	if err := c.store.UpdateRole(ctx, r); err != nil {
		return Role{}, err
	}
	c.logger.Info("role updated", slog.String("role", r.Name))
	return r, nil
}

// UpdateRolePriority changes only the role's priority scalar.
func (c *Catalog) UpdateRolePriority(ctx context.Context, name string, priority int) (Role, error) {
	r, err := c.store.RoleByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	r.Priority = priority
	r.UpdatedAt = c.now()
	if err := c.store.UpdateRole(ctx, r); err != nil {
		return Role{}, err
	}
	c.logger.Info("role priority updated", slog.String("role", r.Name), slog.Int("priority", priority))
	return r, nil
}

// ActivateRole re-enables a role for effective-permission computation.
func (c *Catalog) ActivateRole(ctx context.Context, name string) error {
	return c.setRoleActive(ctx, name, true)
}

// DeactivateRole hides a role from effective-permission computation while
// keeping its assignments and grants on record.
func (c *Catalog) DeactivateRole(ctx context.Context, name string) error {
	return c.setRoleActive(ctx, name, false)
}

func (c *Catalog) setRoleActive(ctx context.Context, name string, active bool) error {
	r, err := c.store.RoleByName(ctx, name)
	if err != nil {
		return err
	}
	if r.Active == active {
		return nil
	}
	r.Active = active
	r.UpdatedAt = c.now()
	if err := c.store.UpdateRole(ctx, r); err != nil {
		return err
	}
	c.logger.Info("role activity changed", slog.String("role", r.Name), slog.Bool("active", active))
	return nil
}

// DeleteRole removes a role. System roles are protected. The role's own
// permission grants are soft-cascaded with reason ParentRemoved.
func (c *Catalog) DeleteRole(ctx context.Context, name, deletedBy string) (int, error) {
	r, err := c.store.RoleByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if r.System {
		return 0, fmt.Errorf("%w: role %s", ErrProtected, r.Name)
	}
	rev := Revocation{By: deletedBy, Reason: ReasonParentRemoved, At: c.now()}
	revoked, err := c.store.DeleteRole(ctx, r.Name, rev)
	if err != nil {
		return 0, err
	}
	c.logger.Info("role deleted", slog.String("role", r.Name), slog.Int("grants_revoked", revoked))
	return revoked, nil
}

// ListRoles returns the whole role catalog.
func (c *Catalog) ListRoles(ctx context.Context) ([]Role, error) {
	return c.store.ListRoles(ctx)
}

// GetRole resolves one role by name.
func (c *Catalog) GetRole(ctx context.Context, name string) (Role, error) {
	return c.store.RoleByName(ctx, name)
}
