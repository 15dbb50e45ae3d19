package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx executors Insert can run against, so callers may
// append audit rows inside their own transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert appends one audit entry. The write is append-only; entries are never
// updated or deleted.
func Insert(ctx context.Context, db DBTX, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO audit_entries (id, action, actor_id, subject_id, object, occurred_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Action), e.ActorID, e.SubjectID, e.Object, e.At, details)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// PGRepository reads audit entries from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository backed by the pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Record appends one entry outside of any caller transaction.
func (r *PGRepository) Record(ctx context.Context, e Entry) error {
	return Insert(ctx, r.pool, e)
}

// TimelineWindow returns entries ordered by occurred_at desc, id desc.
func (r *PGRepository) TimelineWindow(ctx context.Context, q TimelineQuery) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.SubjectID != "" {
		add("subject_id = $%d", q.SubjectID)
	}
	if q.Object != "" {
		add("object = $%d", strings.ToLower(strings.TrimSpace(q.Object)))
	}
	if q.Action != "" {
		add("action = $%d", string(q.Action))
	}
	if !q.From.IsZero() {
		add("occurred_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at < $%d", q.To)
	}
	query := `SELECT id, action, actor_id, subject_id, object, occurred_at, details FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))
	args = append(args, q.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			id      uuid.UUID
			action  string
			at      time.Time
			details []byte
		)
		if err := rows.Scan(&id, &action, &e.ActorID, &e.SubjectID, &e.Object, &at, &details); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.ID = id
		e.Action = Action(action)
		e.At = at
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: timeline rows: %w", err)
	}
	return entries, nil
}
