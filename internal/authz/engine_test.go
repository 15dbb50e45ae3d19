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

var testBase = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine *Engine
	store  *memStore
	roles  *memRoles
	clock  *fakeClock
}

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) Now() time.Time            { return c.at }
func (c *fakeClock) Advance(d time.Duration)   { c.at = c.at.Add(d) }
func (c *fakeClock) Set(t time.Time)           { c.at = t }

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newMemStore()
	roles := newMemRoles()
	clock := &fakeClock{at: testBase}
	engine := NewEngine(store, roles, noopLocks{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine.now = clock.Now
	return &engineFixture{engine: engine, store: store, roles: roles, clock: clock}
}

func (f *engineFixture) addPermission(name string) {
	f.store.perms[name] = Permission{ID: uuid.New(), Name: name, Active: true, CreatedAt: testBase}
}

func (f *engineFixture) addRole(name string, priority int) {
	f.store.roles[name] = Role{ID: uuid.New(), Name: name, Priority: priority, Active: true, CreatedAt: testBase}
}

func TestHasPermissionMatchesEffectiveSet(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	f.addPermission("content.moderate")
	f.addRole("moderator", 50)
	f.roles.assign(userID, "moderator", testBase)

	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant to user: %v", err)
	}
	if err := f.engine.GrantToRole(ctx, "moderator", "content.moderate", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant to role: %v", err)
	}

	perms, err := f.engine.EffectivePermissions(ctx, userID)
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	want := []string{"content.moderate", "users.view"}
	if len(perms) != len(want) {
		t.Fatalf("got %v, want %v", perms, want)
	}
	for i := range want {
		if perms[i] != want[i] {
			t.Fatalf("got %v, want %v", perms, want)
		}
	}

	for _, p := range perms {
		ok, err := f.engine.HasPermission(ctx, userID, p)
		if err != nil || !ok {
			t.Fatalf("HasPermission(%s) = %v, %v; want true", p, ok, err)
		}
	}
	ok, err := f.engine.HasPermission(ctx, userID, "system.config")
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if ok {
		t.Fatal("HasPermission reported a permission outside the effective set")
	}
}

func TestHasAnyAndAllPermissions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	f.addPermission("users.edit")
	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	any, err := f.engine.HasAnyPermission(ctx, userID, "users.edit", "users.view")
	if err != nil || !any {
		t.Fatalf("HasAnyPermission = %v, %v; want true", any, err)
	}
	any, err = f.engine.HasAnyPermission(ctx, userID)
	if err != nil || any {
		t.Fatalf("HasAnyPermission with no arguments = %v, %v; want false", any, err)
	}
	all, err := f.engine.HasAllPermissions(ctx, userID, "users.view", "users.edit")
	if err != nil || all {
		t.Fatalf("HasAllPermissions = %v, %v; want false", all, err)
	}
	all, err = f.engine.HasAllPermissions(ctx, userID, "USERS.VIEW")
	if err != nil || !all {
		t.Fatalf("HasAllPermissions case-insensitive = %v, %v; want true", all, err)
	}
}

func TestGrantIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")

	for i := 0; i < 3; i++ {
		if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
			t.Fatalf("grant attempt %d: %v", i, err)
		}
	}
	if rows := f.store.grantRows(UserSubject(userID), "users.view"); rows != 1 {
		t.Fatalf("got %d grant rows, want 1", rows)
	}
	if got := len(f.store.entriesFor(audit.ActionGrant)); got != 1 {
		t.Fatalf("got %d grant audit entries, want 1", got)
	}
}

func TestGrantValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	inactive := Permission{ID: uuid.New(), Name: "users.delete", Active: false}
	f.store.perms[inactive.Name] = inactive

	err := f.engine.GrantToUser(ctx, userID, "no.such.permission", "admin", "", time.Time{})
	if !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("unknown permission: got %v, want ErrPermissionNotFound", err)
	}
	err = f.engine.GrantToUser(ctx, userID, "users.delete", "admin", "", time.Time{})
	if !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("inactive permission: got %v, want ErrPermissionNotFound", err)
	}
	err = f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", f.clock.Now().Add(-time.Hour))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("past expiry: got %v, want ErrValidation", err)
	}
	err = f.engine.GrantToUser(ctx, userID, "  ", "admin", "", time.Time{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("blank name: got %v, want ErrValidation", err)
	}
}

func TestRevokeVariants(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")

	err := f.engine.RevokeFromUser(ctx, userID, "users.view", "admin", "")
	if !errors.Is(err, ErrGrantNotFound) {
		t.Fatalf("revoke absent: got %v, want ErrGrantNotFound", err)
	}
	if err := f.engine.EnsureRevokedFromUser(ctx, userID, "users.view", "admin", ""); err != nil {
		t.Fatalf("ensure-revoked absent: %v", err)
	}
	if got := len(f.store.entriesFor(audit.ActionRevoke)); got != 0 {
		t.Fatalf("no-op revokes wrote %d audit entries", got)
	}

	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.engine.RevokeFromUser(ctx, userID, "users.view", "admin", "policy change"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err := f.engine.HasPermission(ctx, userID, "users.view")
	if err != nil || ok {
		t.Fatalf("after revoke HasPermission = %v, %v; want false", ok, err)
	}
	if got := len(f.store.entriesFor(audit.ActionRevoke)); got != 1 {
		t.Fatalf("got %d revoke audit entries, want 1", got)
	}
}

func TestExpiryIsMonotonic(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("reviews.write")

	expiry := f.clock.Now().Add(time.Hour)
	if err := f.engine.GrantToUser(ctx, userID, "reviews.write", "admin", "trial", expiry); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, err := f.engine.HasPermission(ctx, userID, "reviews.write")
	if err != nil || !ok {
		t.Fatalf("before expiry HasPermission = %v, %v; want true", ok, err)
	}

	f.clock.Advance(2 * time.Hour)
	ok, err = f.engine.HasPermission(ctx, userID, "reviews.write")
	if err != nil || ok {
		t.Fatalf("after expiry HasPermission = %v, %v; want false", ok, err)
	}

	// A lapsed grant never comes back on its own; only a fresh grant does.
	f.clock.Advance(24 * time.Hour)
	ok, _ = f.engine.HasPermission(ctx, userID, "reviews.write")
	if ok {
		t.Fatal("expired grant became active again")
	}
	if err := f.engine.GrantToUser(ctx, userID, "reviews.write", "admin", "renewal", time.Time{}); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	ok, err = f.engine.HasPermission(ctx, userID, "reviews.write")
	if err != nil || !ok {
		t.Fatalf("after re-grant HasPermission = %v, %v; want true", ok, err)
	}
}

func TestDeactivatedPermissionLeavesEffectiveSet(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	p := f.store.perms["users.view"]
	p.Active = false
	f.store.perms["users.view"] = p

	ok, err := f.engine.HasPermission(ctx, userID, "users.view")
	if err != nil || ok {
		t.Fatalf("deactivated permission HasPermission = %v, %v; want false", ok, err)
	}

	p.Active = true
	f.store.perms["users.view"] = p
	ok, err = f.engine.HasPermission(ctx, userID, "users.view")
	if err != nil || !ok {
		t.Fatalf("reactivated permission HasPermission = %v, %v; want true", ok, err)
	}
}

func TestSyncUserPermissions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	for _, p := range []string{"users.view", "users.edit", "reviews.write"} {
		f.addPermission(p)
	}
	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.engine.GrantToUser(ctx, userID, "reviews.write", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	desired := []string{"users.view", "users.edit"}
	if err := f.engine.SyncUserPermissions(ctx, userID, desired, "admin"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) != 2 || perms[0] != "users.edit" || perms[1] != "users.view" {
		t.Fatalf("after sync got %v", perms)
	}
	// One entry per change: users.edit granted, reviews.write revoked.
	if got := len(f.store.entriesFor(audit.ActionSync)); got != 2 {
		t.Fatalf("got %d sync audit entries, want 2", got)
	}

	// Syncing the same set again is a no-op and writes no further entries.
	if err := f.engine.SyncUserPermissions(ctx, userID, desired, "admin"); err != nil {
		t.Fatalf("repeat sync: %v", err)
	}
	if got := len(f.store.entriesFor(audit.ActionSync)); got != 2 {
		t.Fatalf("repeat sync wrote audit entries, total %d", got)
	}
}

func TestSyncRejectsUnknownPermission(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	err := f.engine.SyncUserPermissions(ctx, userID, []string{"users.view", "bogus"}, "admin")
	if !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("got %v, want ErrPermissionNotFound", err)
	}
	// The failed sync must not have partially applied.
	perms, _ := f.engine.EffectivePermissions(ctx, userID)
	if len(perms) != 1 || perms[0] != "users.view" {
		t.Fatalf("failed sync mutated grants: %v", perms)
	}
}

func TestSyncLeavesRoleGrantsUntouched(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	f.addPermission("content.moderate")
	f.addRole("moderator", 50)
	f.roles.assign(userID, "moderator", testBase)
	if err := f.engine.GrantToRole(ctx, "moderator", "content.moderate", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant to role: %v", err)
	}

	if err := f.engine.SyncUserPermissions(ctx, userID, []string{"users.view"}, "admin"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) != 2 || perms[0] != "content.moderate" || perms[1] != "users.view" {
		t.Fatalf("role-derived permission lost across user sync: %v", perms)
	}
}

func TestSyncRolePropagates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	f.addPermission("content.moderate")
	f.addRole("moderator", 50)
	f.roles.assign(userID, "moderator", testBase)
	if err := f.engine.SyncRolePermissions(ctx, "moderator", []string{"users.view", "content.moderate"}, "admin"); err != nil {
		t.Fatalf("sync role: %v", err)
	}

	ok, err := f.engine.HasPermission(ctx, userID, "users.view")
	if err != nil || !ok {
		t.Fatalf("before role sync HasPermission = %v, %v; want true", ok, err)
	}

	if err := f.engine.SyncRolePermissions(ctx, "moderator", []string{"content.moderate"}, "admin"); err != nil {
		t.Fatalf("sync role: %v", err)
	}
	ok, err = f.engine.HasPermission(ctx, userID, "users.view")
	if err != nil || ok {
		t.Fatalf("after role sync HasPermission = %v, %v; want false", ok, err)
	}
	ok, err = f.engine.HasPermission(ctx, userID, "content.moderate")
	if err != nil || !ok {
		t.Fatalf("retained role permission HasPermission = %v, %v; want true", ok, err)
	}
}

func TestGetHighestPriorityRole(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addRole("admin", 90)
	f.addRole("moderator", 50)
	f.addRole("support", 50)

	if _, err := f.engine.GetHighestPriorityRole(ctx, userID); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("no roles: got %v, want ErrRoleNotFound", err)
	}

	f.roles.assign(userID, "moderator", testBase)
	f.roles.assign(userID, "admin", testBase.Add(time.Hour))
	role, err := f.engine.GetHighestPriorityRole(ctx, userID)
	if err != nil {
		t.Fatalf("highest role: %v", err)
	}
	if role.Name != "admin" {
		t.Fatalf("got %s, want admin", role.Name)
	}

	// Equal priorities break by earliest assignment and stay stable.
	other := uuid.New()
	f.roles.assign(other, "support", testBase.Add(time.Minute))
	f.roles.assign(other, "moderator", testBase)
	for i := 0; i < 5; i++ {
		role, err := f.engine.GetHighestPriorityRole(ctx, other)
		if err != nil {
			t.Fatalf("highest role: %v", err)
		}
		if role.Name != "moderator" {
			t.Fatalf("tie-break pass %d: got %s, want moderator", i, role.Name)
		}
	}
}

func TestHighestPriorityRoleSkipsInactive(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addRole("admin", 90)
	f.addRole("user", 1)
	f.roles.assign(userID, "admin", testBase)
	f.roles.assign(userID, "user", testBase)

	r := f.store.roles["admin"]
	r.Active = false
	f.store.roles["admin"] = r

	role, err := f.engine.GetHighestPriorityRole(ctx, userID)
	if err != nil {
		t.Fatalf("highest role: %v", err)
	}
	if role.Name != "user" {
		t.Fatalf("got %s, want user", role.Name)
	}
}

func TestEffectivePermissionsSkipsDanglingRole(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.addPermission("users.view")
	f.roles.assign(userID, "ghost", testBase)
	if err := f.engine.GrantToUser(ctx, userID, "users.view", "admin", "", time.Time{}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	perms, err := f.engine.EffectivePermissions(ctx, userID)
	if err != nil {
		t.Fatalf("dangling role assignment should be skipped: %v", err)
	}
	if len(perms) != 1 || perms[0] != "users.view" {
		t.Fatalf("got %v", perms)
	}
}

func TestUsersWithPermissionOrdering(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.addPermission("users.view")

	first, second, third := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{first, second, third} {
		if err := f.engine.GrantToUser(ctx, id, "users.view", "admin", "", time.Time{}); err != nil {
			t.Fatalf("grant: %v", err)
		}
		f.clock.Advance(time.Minute)
	}

	grants, hasNext, err := f.engine.UsersWithPermission(ctx, "users.view", Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("users with permission: %v", err)
	}
	if !hasNext {
		t.Fatal("expected a further page")
	}
	if len(grants) != 2 || grants[0].Subject.ID != first.String() || grants[1].Subject.ID != second.String() {
		t.Fatalf("wrong order on page 1: %+v", grants)
	}

	grants, hasNext, err = f.engine.UsersWithPermission(ctx, "users.view", Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatalf("users with permission: %v", err)
	}
	if hasNext || len(grants) != 1 || grants[0].Subject.ID != third.String() {
		t.Fatalf("wrong page 2: hasNext=%v grants=%+v", hasNext, grants)
	}

	if _, _, err := f.engine.UsersWithPermission(ctx, "bogus", Page{}); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("got %v, want ErrPermissionNotFound", err)
	}
}
