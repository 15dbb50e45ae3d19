package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravan-social/caravan/internal/audit"
	"github.com/caravan-social/caravan/internal/platform/db"
)

// PGStore implements Store on PostgreSQL. Grant mutations run inside a
// transaction together with their audit entries, so a crash can never leave
// a mixed old/new state.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store backed by the pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// PermissionByName resolves a permission case-insensitively.
func (s *PGStore) PermissionByName(ctx context.Context, name string) (Permission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, display_name, description, category, is_system, is_active, created_at, updated_at
		FROM permissions WHERE name = $1`, NormalizeName(name))
	p, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("%w: %s", ErrPermissionNotFound, NormalizeName(name))
	}
	if err != nil {
		return Permission{}, fmt.Errorf("authz: load permission: %w", err)
	}
	return p, nil
}

// ListPermissions returns the catalog ordered by category then name.
func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, display_name, description, category, is_system, is_active, created_at, updated_at
		FROM permissions ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("authz: list permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("authz: scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreatePermission inserts a catalog entry, mapping unique violations to
// ErrDuplicateName.
func (s *PGStore) CreatePermission(ctx context.Context, p Permission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO permissions (id, name, display_name, description, category, is_system, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Name, p.DisplayName, p.Description, p.Category, p.System, p.Active, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: permission %s", ErrDuplicateName, p.Name)
	}
	if err != nil {
		return fmt.Errorf("authz: create permission: %w", err)
	}
	return nil
}

// UpdatePermission rewrites the mutable columns. Name is never updated.
func (s *PGStore) UpdatePermission(ctx context.Context, p Permission) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE permissions SET display_name = $2, description = $3, category = $4, is_active = $5, updated_at = $6
		WHERE name = $1`,
		p.Name, p.DisplayName, p.Description, p.Category, p.Active, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("authz: update permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, p.Name)
	}
	return nil
}

// DeletePermission soft-cascades dependent active grants, audits each
// revocation, and removes the catalog row, all in one transaction.
func (s *PGStore) DeletePermission(ctx context.Context, name string, rev Revocation) (int, error) {
	name = NormalizeName(name)
	var revoked int
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			WITH ended AS (
				UPDATE grants
				SET revoked_at = $2, revoked_by = $3, reason = $4
				WHERE permission = $1
				  AND revoked_at IS NULL
				  AND (expires_at IS NULL OR expires_at > $2)
				RETURNING subject_id, permission
			)
			INSERT INTO audit_entries (id, action, actor_id, subject_id, object, occurred_at, details)
			SELECT gen_random_uuid(), 'REVOKE', $3, subject_id, permission, $2,
			       jsonb_build_object('reason', $4)
			FROM ended`,
			name, rev.At, rev.By, rev.Reason)
		if err != nil {
			return fmt.Errorf("authz: cascade permission grants: %w", err)
		}
		revoked = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `DELETE FROM permissions WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("authz: delete permission: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// RoleByName resolves a role case-insensitively.
func (s *PGStore) RoleByName(ctx context.Context, name string) (Role, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, category, is_system, priority, is_active, created_at, updated_at
		FROM roles WHERE name = $1`, NormalizeName(name))
	r, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, NormalizeName(name))
	}
	if err != nil {
		return Role{}, fmt.Errorf("authz: load role: %w", err)
	}
	return r, nil
}

// ListRoles returns roles ordered by descending priority then name.
func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, category, is_system, priority, is_active, created_at, updated_at
		FROM roles ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("authz: list roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("authz: scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// CreateRole inserts a role, mapping unique violations to ErrDuplicateName.
func (s *PGStore) CreateRole(ctx context.Context, r Role) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, category, is_system, priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Name, r.Description, r.Category, r.System, r.Priority, r.Active, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: role %s", ErrDuplicateName, r.Name)
	}
	if err != nil {
		return fmt.Errorf("authz: create role: %w", err)
	}
	return nil
}

// UpdateRole rewrites the mutable columns.
func (s *PGStore) UpdateRole(ctx context.Context, r Role) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE roles SET description = $2, category = $3, priority = $4, is_active = $5, updated_at = $6
		WHERE name = $1`,
		r.Name, r.Description, r.Category, r.Priority, r.Active, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("authz: update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, r.Name)
	}
	return nil
}

// DeleteRole soft-cascades the role's permission grants and removes the role.
func (s *PGStore) DeleteRole(ctx context.Context, name string, rev Revocation) (int, error) {
	name = NormalizeName(name)
	var revoked int
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			WITH ended AS (
				UPDATE grants
				SET revoked_at = $2, revoked_by = $3, reason = $4
				WHERE subject_kind = 'role' AND subject_id = $1
				  AND revoked_at IS NULL
				  AND (expires_at IS NULL OR expires_at > $2)
				RETURNING subject_id, permission
			)
			INSERT INTO audit_entries (id, action, actor_id, subject_id, object, occurred_at, details)
			SELECT gen_random_uuid(), 'REVOKE', $3, subject_id, permission, $2,
			       jsonb_build_object('reason', $4)
			FROM ended`,
			name, rev.At, rev.By, rev.Reason)
		if err != nil {
			return fmt.Errorf("authz: cascade role grants: %w", err)
		}
		revoked = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `DELETE FROM roles WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("authz: delete role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

const activeGrantColumns = `
	g.id, g.subject_kind, g.subject_id, g.permission, g.granted_by, g.granted_at,
	g.expires_at, g.revoked_at, g.revoked_by, g.reason`

// ActiveGrants returns the subject's grants that are unrevoked, unexpired at
// now, and whose permission is still active in the catalog.
func (s *PGStore) ActiveGrants(ctx context.Context, subject SubjectRef, now time.Time) ([]Grant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+activeGrantColumns+`
		FROM grants g
		JOIN permissions p ON p.name = g.permission AND p.is_active
		WHERE g.subject_kind = $1 AND g.subject_id = $2
		  AND g.revoked_at IS NULL
		  AND (g.expires_at IS NULL OR g.expires_at > $3)
		ORDER BY g.permission`,
		string(subject.Kind), subject.ID, now)
	if err != nil {
		return nil, fmt.Errorf("authz: active grants: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

// ActiveGrant returns the subject's active grant of the permission, or
// ErrGrantNotFound.
func (s *PGStore) ActiveGrant(ctx context.Context, subject SubjectRef, permission string, now time.Time) (Grant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+activeGrantColumns+`
		FROM grants g
		WHERE g.subject_kind = $1 AND g.subject_id = $2 AND g.permission = $3
		  AND g.revoked_at IS NULL
		  AND (g.expires_at IS NULL OR g.expires_at > $4)`,
		string(subject.Kind), subject.ID, NormalizeName(permission), now)
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, fmt.Errorf("%w: %s", ErrGrantNotFound, NormalizeName(permission))
	}
	if err != nil {
		return Grant{}, fmt.Errorf("authz: active grant: %w", err)
	}
	return g, nil
}

// InsertGrant writes a grant and its audit entries in one transaction.
func (s *PGStore) InsertGrant(ctx context.Context, g Grant, entries []audit.Entry) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertGrantTx(ctx, tx, g); err != nil {
			return err
		}
		for _, e := range entries {
			if err := audit.Insert(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// RevokeGrant ends the active grant if present. Audit entries are only
// written when a row was actually revoked.
func (s *PGStore) RevokeGrant(ctx context.Context, subject SubjectRef, permission string, rev Revocation, entries []audit.Entry) (bool, error) {
	var revoked bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		applied, err := revokeGrantTx(ctx, tx, subject, permission, rev)
		if err != nil {
			return err
		}
		revoked = applied
		if !applied {
			return nil
		}
		for _, e := range entries {
			if err := audit.Insert(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// SyncGrants applies the full diff atomically. A failure rolls back every
// insert, revocation, and audit entry.
func (s *PGStore) SyncGrants(ctx context.Context, subject SubjectRef, inserts []Grant, revoke []string, rev Revocation, entries []audit.Entry) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, g := range inserts {
			if err := insertGrantTx(ctx, tx, g); err != nil {
				return err
			}
		}
		for _, name := range revoke {
			if _, err := revokeGrantTx(ctx, tx, subject, name, rev); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if err := audit.Insert(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// SubjectsWithPermission pages through active grants of a permission in
// ascending GrantedAt order, ties broken by subject id.
func (s *PGStore) SubjectsWithPermission(ctx context.Context, permission string, kind SubjectKind, now time.Time, page Page) ([]Grant, bool, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+activeGrantColumns+`
		FROM grants g
		JOIN permissions p ON p.name = g.permission AND p.is_active
		WHERE g.permission = $1 AND g.subject_kind = $2
		  AND g.revoked_at IS NULL
		  AND (g.expires_at IS NULL OR g.expires_at > $3)
		ORDER BY g.granted_at, g.subject_id
		LIMIT $4 OFFSET $5`,
		NormalizeName(permission), string(kind), now, page.Size+1, (page.Number-1)*page.Size)
	if err != nil {
		return nil, false, fmt.Errorf("authz: subjects with permission: %w", err)
	}
	defer rows.Close()
	grants, err := collectGrants(rows)
	if err != nil {
		return nil, false, err
	}
	hasNext := len(grants) > page.Size
	if hasNext {
		grants = grants[:page.Size]
	}
	return grants, hasNext, nil
}

// ExpireGrants stamps naturally-expired grants for audit hygiene. Revoked
// rows are never touched; the predicate makes the sweep safe to run
// concurrently with live mutation.
func (s *PGStore) ExpireGrants(ctx context.Context, before time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE grants SET expired_at = expires_at
		WHERE id IN (
			SELECT id FROM grants
			WHERE revoked_at IS NULL
			  AND expired_at IS NULL
			  AND expires_at IS NOT NULL
			  AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)`,
		before, limit)
	if err != nil {
		return 0, fmt.Errorf("authz: expire grants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func insertGrantTx(ctx context.Context, tx pgx.Tx, g Grant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO grants (id, subject_kind, subject_id, permission, granted_by, granted_at, expires_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, string(g.Subject.Kind), g.Subject.ID, g.Permission, g.GrantedBy, g.GrantedAt,
		toPgTime(g.ExpiresAt), g.Reason)
	if err != nil {
		return fmt.Errorf("authz: insert grant: %w", err)
	}
	return nil
}

func revokeGrantTx(ctx context.Context, tx pgx.Tx, subject SubjectRef, permission string, rev Revocation) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE grants SET revoked_at = $4, revoked_by = $5, reason = COALESCE(NULLIF($6, ''), reason)
		WHERE subject_kind = $1 AND subject_id = $2 AND permission = $3
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $4)`,
		string(subject.Kind), subject.ID, NormalizeName(permission), rev.At, rev.By, rev.Reason)
	if err != nil {
		return false, fmt.Errorf("authz: revoke grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Category,
		&p.System, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanRole(row rowScanner) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Category,
		&r.System, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanGrant(row rowScanner) (Grant, error) {
	var (
		g         Grant
		kind      string
		expiresAt pgtype.Timestamptz
		revokedAt pgtype.Timestamptz
		revokedBy pgtype.Text
		reason    pgtype.Text
	)
	err := row.Scan(&g.ID, &kind, &g.Subject.ID, &g.Permission, &g.GrantedBy, &g.GrantedAt,
		&expiresAt, &revokedAt, &revokedBy, &reason)
	if err != nil {
		return Grant{}, err
	}
	g.Subject.Kind = SubjectKind(kind)
	if expiresAt.Valid {
		g.ExpiresAt = expiresAt.Time
	}
	if revokedAt.Valid {
		g.RevokedAt = revokedAt.Time
	}
	if revokedBy.Valid {
		g.RevokedBy = revokedBy.String
	}
	if reason.Valid {
		g.Reason = reason.String
	}
	return g, nil
}

func collectGrants(rows pgx.Rows) ([]Grant, error) {
	var grants []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("authz: scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
