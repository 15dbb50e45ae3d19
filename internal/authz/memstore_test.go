package authz

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/audit"
)

// memStore is an in-memory Store used by the engine and catalog tests. It
// honours the Store contract: mutations apply together with their audit
// entries, and grant readers skip inactive permissions.
type memStore struct {
	perms   map[string]Permission
	roles   map[string]Role
	grants  []*Grant
	entries []audit.Entry
}

func newMemStore() *memStore {
	return &memStore{
		perms: make(map[string]Permission),
		roles: make(map[string]Role),
	}
}

func (m *memStore) PermissionByName(_ context.Context, name string) (Permission, error) {
	p, ok := m.perms[NormalizeName(name)]
	if !ok {
		return Permission{}, fmt.Errorf("%w: %s", ErrPermissionNotFound, NormalizeName(name))
	}
	return p, nil
}

func (m *memStore) ListPermissions(context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) CreatePermission(_ context.Context, p Permission) error {
	if _, ok := m.perms[p.Name]; ok {
		return fmt.Errorf("%w: permission %s", ErrDuplicateName, p.Name)
	}
	m.perms[p.Name] = p
	return nil
}

func (m *memStore) UpdatePermission(_ context.Context, p Permission) error {
	if _, ok := m.perms[p.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, p.Name)
	}
	m.perms[p.Name] = p
	return nil
}

func (m *memStore) DeletePermission(_ context.Context, name string, rev Revocation) (int, error) {
	name = NormalizeName(name)
	if _, ok := m.perms[name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
	}
	revoked := 0
	for _, g := range m.grants {
		if g.Permission == name && g.ActiveAt(rev.At) {
			g.RevokedAt, g.RevokedBy, g.Reason = rev.At, rev.By, rev.Reason
			m.entries = append(m.entries, audit.NewEntry(audit.ActionRevoke, rev.By, g.Subject.ID, g.Permission, rev.At,
				map[string]any{"reason": rev.Reason}))
			revoked++
		}
	}
	delete(m.perms, name)
	return revoked, nil
}

func (m *memStore) RoleByName(_ context.Context, name string) (Role, error) {
	r, ok := m.roles[NormalizeName(name)]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, NormalizeName(name))
	}
	return r, nil
}

func (m *memStore) ListRoles(context.Context) ([]Role, error) {
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (m *memStore) CreateRole(_ context.Context, r Role) error {
	if _, ok := m.roles[r.Name]; ok {
		return fmt.Errorf("%w: role %s", ErrDuplicateName, r.Name)
	}
	m.roles[r.Name] = r
	return nil
}

func (m *memStore) UpdateRole(_ context.Context, r Role) error {
	if _, ok := m.roles[r.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, r.Name)
	}
	m.roles[r.Name] = r
	return nil
}

func (m *memStore) DeleteRole(_ context.Context, name string, rev Revocation) (int, error) {
	name = NormalizeName(name)
	if _, ok := m.roles[name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	revoked := 0
	for _, g := range m.grants {
		if g.Subject.Kind == SubjectRole && g.Subject.ID == name && g.ActiveAt(rev.At) {
			g.RevokedAt, g.RevokedBy, g.Reason = rev.At, rev.By, rev.Reason
			m.entries = append(m.entries, audit.NewEntry(audit.ActionRevoke, rev.By, g.Subject.ID, g.Permission, rev.At,
				map[string]any{"reason": rev.Reason}))
			revoked++
		}
	}
	delete(m.roles, name)
	return revoked, nil
}

func (m *memStore) ActiveGrants(_ context.Context, subject SubjectRef, now time.Time) ([]Grant, error) {
	var out []Grant
	for _, g := range m.grants {
		if g.Subject != subject || !g.ActiveAt(now) {
			continue
		}
		if p, ok := m.perms[g.Permission]; !ok || !p.Active {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}

func (m *memStore) ActiveGrant(_ context.Context, subject SubjectRef, permission string, now time.Time) (Grant, error) {
	name := NormalizeName(permission)
	for _, g := range m.grants {
		if g.Subject == subject && g.Permission == name && g.ActiveAt(now) {
			return *g, nil
		}
	}
	return Grant{}, fmt.Errorf("%w: %s", ErrGrantNotFound, name)
}

func (m *memStore) InsertGrant(_ context.Context, g Grant, entries []audit.Entry) error {
	copied := g
	m.grants = append(m.grants, &copied)
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) RevokeGrant(_ context.Context, subject SubjectRef, permission string, rev Revocation, entries []audit.Entry) (bool, error) {
	name := NormalizeName(permission)
	for _, g := range m.grants {
		if g.Subject == subject && g.Permission == name && g.ActiveAt(rev.At) {
			g.RevokedAt, g.RevokedBy = rev.At, rev.By
			if rev.Reason != "" {
				g.Reason = rev.Reason
			}
			m.entries = append(m.entries, entries...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) SyncGrants(ctx context.Context, subject SubjectRef, inserts []Grant, revoke []string, rev Revocation, entries []audit.Entry) error {
	for _, g := range inserts {
		copied := g
		m.grants = append(m.grants, &copied)
	}
	for _, name := range revoke {
		if _, err := m.RevokeGrant(ctx, subject, name, rev, nil); err != nil {
			return err
		}
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) SubjectsWithPermission(_ context.Context, permission string, kind SubjectKind, now time.Time, page Page) ([]Grant, bool, error) {
	name := NormalizeName(permission)
	var out []Grant
	for _, g := range m.grants {
		if g.Permission != name || g.Subject.Kind != kind || !g.ActiveAt(now) {
			continue
		}
		if p, ok := m.perms[name]; !ok || !p.Active {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].Subject.ID < out[j].Subject.ID
	})
	page = page.Normalize()
	start := (page.Number - 1) * page.Size
	if start >= len(out) {
		return nil, false, nil
	}
	end := start + page.Size
	hasNext := end < len(out)
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], hasNext, nil
}

func (m *memStore) ExpireGrants(_ context.Context, before time.Time, limit int) (int, error) {
	count := 0
	for _, g := range m.grants {
		if count >= limit {
			break
		}
		if g.RevokedAt.IsZero() && !g.ExpiresAt.IsZero() && !g.ExpiresAt.After(before) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) entriesFor(action audit.Action) []audit.Entry {
	var out []audit.Entry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) grantRows(subject SubjectRef, permission string) int {
	count := 0
	for _, g := range m.grants {
		if g.Subject == subject && g.Permission == NormalizeName(permission) {
			count++
		}
	}
	return count
}

// memRoles is an in-memory RolesProvider.
type memRoles struct {
	assignments map[uuid.UUID][]RoleAssignment
}

func newMemRoles() *memRoles {
	return &memRoles{assignments: make(map[uuid.UUID][]RoleAssignment)}
}

func (m *memRoles) assign(userID uuid.UUID, role string, at time.Time) {
	m.assignments[userID] = append(m.assignments[userID], RoleAssignment{
		UserID:     userID,
		Role:       NormalizeName(role),
		AssignedAt: at,
	})
}

func (m *memRoles) Assignments(_ context.Context, userID uuid.UUID) ([]RoleAssignment, error) {
	return m.assignments[userID], nil
}

// noopLocks satisfies Locker without coordination; engine tests are
// single-goroutine.
type noopLocks struct{}

func (noopLocks) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
