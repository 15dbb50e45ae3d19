package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/audit"
)

func newCatalogFixture(t *testing.T) (*Catalog, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t)
	c := NewCatalog(f.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = f.clock.Now
	return c, f
}

func TestCreatePermissionRejectsDuplicates(t *testing.T) {
	c, _ := newCatalogFixture(t)
	ctx := context.Background()

	p, err := c.CreatePermission(ctx, CreatePermissionInput{Name: "Users.View", Category: "Users"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Name != "users.view" {
		t.Fatalf("name not canonicalized: %s", p.Name)
	}
	if !p.Active {
		t.Fatal("new permission should be active")
	}

	// Duplicate detection is case-insensitive.
	_, err = c.CreatePermission(ctx, CreatePermissionInput{Name: "USERS.VIEW"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("got %v, want ErrDuplicateName", err)
	}
	_, err = c.CreatePermission(ctx, CreatePermissionInput{Name: "   "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestUpdatePermissionKeepsName(t *testing.T) {
	c, f := newCatalogFixture(t)
	ctx := context.Background()
	if _, err := c.CreatePermission(ctx, CreatePermissionInput{Name: "users.view", DisplayName: "View users"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	f.clock.Advance(time.Minute)
	p, err := c.UpdatePermission(ctx, "users.view", UpdatePermissionInput{
		DisplayName: "View members",
		Category:    "Community",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Name != "users.view" || p.DisplayName != "View members" || p.Category != "Community" {
		t.Fatalf("unexpected permission after update: %+v", p)
	}
	if !p.UpdatedAt.After(p.CreatedAt) {
		t.Fatal("UpdatedAt not advanced")
	}

	if _, err := c.UpdatePermission(ctx, "bogus", UpdatePermissionInput{}); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("got %v, want ErrPermissionNotFound", err)
	}
}

func TestDeletePermissionCascadesGrants(t *testing.T) {
	c, f := newCatalogFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	if _, err := c.CreatePermission(ctx, CreatePermissionInput{Name: "reviews.write"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.GrantToUser(ctx, userID, "reviews.write", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	revoked, err := c.DeletePermission(ctx, "reviews.write", "admin")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("got %d cascaded grants, want 1", revoked)
	}
	if _, err := c.GetPermission(ctx, "reviews.write"); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("permission still resolvable: %v", err)
	}

	var entry audit.Entry
	for _, e := range f.store.entriesFor(audit.ActionRevoke) {
		if e.Object == "reviews.write" {
			entry = e
		}
	}
	if entry.ID == uuid.Nil {
		t.Fatal("cascade wrote no revoke audit entry")
	}
	if entry.Details["reason"] != ReasonParentRemoved {
		t.Fatalf("cascade reason = %v, want %s", entry.Details["reason"], ReasonParentRemoved)
	}
	// The cascaded grant is soft-revoked, not erased.
	if rows := f.store.grantRows(UserSubject(userID), "reviews.write"); rows != 1 {
		t.Fatalf("cascade hard-deleted the grant row")
	}
}

func TestSystemEntriesAreProtected(t *testing.T) {
	c, _ := newCatalogFixture(t)
	ctx := context.Background()
	if _, err := c.CreatePermission(ctx, CreatePermissionInput{Name: "system.config", System: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.CreateRole(ctx, CreateRoleInput{Name: "superadmin", Priority: 100, System: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := c.DeletePermission(ctx, "system.config", "admin"); !errors.Is(err, ErrProtected) {
		t.Fatalf("got %v, want ErrProtected", err)
	}
	if _, err := c.DeleteRole(ctx, "superadmin", "admin"); !errors.Is(err, ErrProtected) {
		t.Fatalf("got %v, want ErrProtected", err)
	}
}

func TestDeactivateAndActivatePermission(t *testing.T) {
	c, f := newCatalogFixture(t)
	ctx := context.Background()
	if _, err := c.CreatePermission(ctx, CreatePermissionInput{Name: "users.view"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.DeactivatePermission(ctx, "users.view"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	p, err := c.GetPermission(ctx, "users.view")
	if err != nil || p.Active {
		t.Fatalf("permission still active after deactivate: %+v, %v", p, err)
	}
	// Deactivating twice stays a no-op.
	before := p.UpdatedAt
	f.clock.Advance(time.Minute)
	if err := c.DeactivatePermission(ctx, "users.view"); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
	p, _ = c.GetPermission(ctx, "users.view")
	if !p.UpdatedAt.Equal(before) {
		t.Fatal("no-op deactivate touched the row")
	}

	if err := c.ActivatePermission(ctx, "users.view"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	p, _ = c.GetPermission(ctx, "users.view")
	if !p.Active {
		t.Fatal("permission not active after activate")
	}
}

func TestRoleLifecycle(t *testing.T) {
	c, f := newCatalogFixture(t)
	ctx := context.Background()

	r, err := c.CreateRole(ctx, CreateRoleInput{Name: "Moderator", Priority: 50, Category: "Community"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Name != "moderator" || r.Priority != 50 {
		t.Fatalf("unexpected role: %+v", r)
	}
	if _, err := c.CreateRole(ctx, CreateRoleInput{Name: "moderator"}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("got %v, want ErrDuplicateName", err)
	}

	r, err = c.UpdateRolePriority(ctx, "moderator", 60)
	if err != nil || r.Priority != 60 {
		t.Fatalf("priority update: %+v, %v", r, err)
	}

	if err := f.engine.GrantToRole(ctx, "moderator", "content.moderate", "admin", "", time.Time{}); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("grant of unknown permission: got %v", err)
	}
	if _, err := c.CreatePermission(ctx, CreatePermissionInput{Name: "content.moderate"}); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := f.engine.GrantToRole(ctx, "moderator", "content.moderate", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant to role: %v", err)
	}

	revoked, err := c.DeleteRole(ctx, "moderator", "admin")
	if err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("got %d cascaded grants, want 1", revoked)
	}
	if _, err := c.GetRole(ctx, "moderator"); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("role still resolvable: %v", err)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	c, f := newCatalogFixture(t)
	ctx := context.Background()

	if err := Seed(ctx, c, f.engine, "system"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	perms, err := c.ListPermissions(ctx)
	if err != nil || len(perms) == 0 {
		t.Fatalf("seed produced no permissions: %v", err)
	}
	roles, err := c.ListRoles(ctx)
	if err != nil || len(roles) == 0 {
		t.Fatalf("seed produced no roles: %v", err)
	}
	grantEntries := len(f.store.entriesFor(audit.ActionGrant))

	if err := Seed(ctx, c, f.engine, "system"); err != nil {
		t.Fatalf("repeat seed: %v", err)
	}
	again, _ := c.ListPermissions(ctx)
	if len(again) != len(perms) {
		t.Fatalf("repeat seed changed catalog size: %d != %d", len(again), len(perms))
	}
	if got := len(f.store.entriesFor(audit.ActionGrant)); got != grantEntries {
		t.Fatalf("repeat seed wrote %d extra grant audit entries", got-grantEntries)
	}

	sa, err := c.GetRole(ctx, RoleSuperAdmin)
	if err != nil {
		t.Fatalf("superadmin role: %v", err)
	}
	mod, err := c.GetRole(ctx, RoleModerator)
	if err != nil {
		t.Fatalf("moderator role: %v", err)
	}
	if sa.Priority <= mod.Priority {
		t.Fatalf("superadmin priority %d not above moderator %d", sa.Priority, mod.Priority)
	}
}
