package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravan-social/caravan/internal/audit"
	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/platform/db"
)

// PGStore implements Store on PostgreSQL. Assignment mutations run inside a
// transaction together with their audit entries.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store backed by the pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Assignments returns the user's active assignments ordered by assignment
// time.
func (s *PGStore) Assignments(ctx context.Context, userID uuid.UUID) ([]authz.RoleAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, role_name, assigned_by, assigned_at
		FROM user_roles
		WHERE user_id = $1 AND removed_at IS NULL
		ORDER BY assigned_at, role_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("identity: list assignments: %w", err)
	}
	defer rows.Close()

	var out []authz.RoleAssignment
	for rows.Next() {
		var a authz.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.Role, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("identity: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Insert records a new assignment with its audit entries.
func (s *PGStore) Insert(ctx context.Context, a authz.RoleAssignment, entries []audit.Entry) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertAssignment(ctx, tx, a); err != nil {
			return err
		}
		for _, e := range entries {
			if err := audit.Insert(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("identity: insert assignment: %w", err)
	}
	return nil
}

// End closes the active assignment and reports whether one existed.
func (s *PGStore) End(ctx context.Context, userID uuid.UUID, role string, at time.Time, entries []audit.Entry) (bool, error) {
	var ended bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		ended, err = endAssignment(ctx, tx, userID, role, at)
		if err != nil || !ended {
			return err
		}
		for _, e := range entries {
			if err := audit.Insert(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("identity: end assignment: %w", err)
	}
	return ended, nil
}

// SyncAssignments applies the diff and its per-change audit entries as one
// transaction.
func (s *PGStore) SyncAssignments(ctx context.Context, userID uuid.UUID, inserts []authz.RoleAssignment, remove []string, at time.Time, entries []audit.Entry) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, a := range inserts {
			if err := insertAssignment(ctx, tx, a); err != nil {
				return err
			}
		}
		for _, role := range remove {
			if _, err := endAssignment(ctx, tx, userID, role, at); err != nil {
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
	if err != nil {
		return fmt.Errorf("identity: sync assignments: %w", err)
	}
	return nil
}

func insertAssignment(ctx context.Context, tx pgx.Tx, a authz.RoleAssignment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_name, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)`,
		a.UserID, a.Role, a.AssignedBy, a.AssignedAt)
	return err
}

func endAssignment(ctx context.Context, tx pgx.Tx, userID uuid.UUID, role string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE user_roles SET removed_at = $3
		WHERE user_id = $1 AND role_name = $2 AND removed_at IS NULL`,
		userID, role, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
