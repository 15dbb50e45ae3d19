package adminops

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravan-social/caravan/internal/authz"
)

type stubRoles struct {
	byUser map[uuid.UUID][]string
	err    error
}

func (s *stubRoles) ActiveRoleNames(_ context.Context, userID uuid.UUID) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byUser[userID], nil
}

type stubChecker struct {
	held  map[string]bool
	calls int
}

func (s *stubChecker) HasAnyPermission(_ context.Context, _ uuid.UUID, permissions ...string) (bool, error) {
	s.calls++
	for _, p := range permissions {
		if s.held[p] {
			return true, nil
		}
	}
	return false, nil
}

func newPolicyFixture(roles *stubRoles, checker *stubChecker) *Policy {
	return NewPolicy(roles, checker, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCanAccessRequiresBothGates(t *testing.T) {
	ctx := context.Background()
	admin, holder := uuid.New(), uuid.New()
	roles := &stubRoles{byUser: map[uuid.UUID][]string{
		admin:  {authz.RoleAdmin},
		holder: {authz.RoleUser},
	}}
	checker := &stubChecker{held: map[string]bool{authz.PermUsersView: true}}
	p := newPolicyFixture(roles, checker)

	ok, err := p.CanAccess(ctx, admin, OpUserManagement)
	require.NoError(t, err)
	assert.True(t, ok)

	// Holding the permission without an admin role is not enough.
	ok, err = p.CanAccess(ctx, holder, OpUserManagement)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessAdminGateRunsFirst(t *testing.T) {
	ctx := context.Background()
	member := uuid.New()
	roles := &stubRoles{byUser: map[uuid.UUID][]string{
		member: {authz.RoleUser},
	}}
	checker := &stubChecker{held: map[string]bool{authz.PermUsersView: true}}
	p := newPolicyFixture(roles, checker)

	ok, err := p.CanAccess(ctx, member, OpUserManagement)
	require.NoError(t, err)
	assert.False(t, ok)
	// The permission check must not even run for non-admins.
	assert.Zero(t, checker.calls)
}

func TestCanAccessAdminWithoutPermission(t *testing.T) {
	ctx := context.Background()
	admin := uuid.New()
	roles := &stubRoles{byUser: map[uuid.UUID][]string{
		admin: {authz.RoleSuperAdmin},
	}}
	p := newPolicyFixture(roles, &stubChecker{held: map[string]bool{}})

	ok, err := p.CanAccess(ctx, admin, OpSystemSettings)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessUnknownOperationIsClosed(t *testing.T) {
	ctx := context.Background()
	admin := uuid.New()
	roles := &stubRoles{byUser: map[uuid.UUID][]string{
		admin: {authz.RoleAdmin},
	}}
	p := newPolicyFixture(roles, &stubChecker{held: map[string]bool{authz.PermUsersView: true}})

	ok, err := p.CanAccess(ctx, admin, Operation("billing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessFailsClosedOnLookupError(t *testing.T) {
	ctx := context.Background()
	roles := &stubRoles{err: errors.New("identity store down")}
	p := newPolicyFixture(roles, &stubChecker{held: map[string]bool{authz.PermUsersView: true}})

	ok, err := p.CanAccess(ctx, uuid.New(), OpUserManagement)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestAccessibleOperations(t *testing.T) {
	ctx := context.Background()
	admin, member := uuid.New(), uuid.New()
	roles := &stubRoles{byUser: map[uuid.UUID][]string{
		admin:  {authz.RoleAdmin},
		member: {authz.RoleUser},
	}}
	checker := &stubChecker{held: map[string]bool{
		authz.PermUsersView: true,
		"security.view_audit": true,
	}}
	p := newPolicyFixture(roles, checker)

	ops, err := p.AccessibleOperations(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []Operation{OpSecurityReview, OpUserManagement}, ops)

	ops, err = p.AccessibleOperations(ctx, member)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
