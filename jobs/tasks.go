package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/caravan-social/caravan/internal/observability"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpireSweep is the task type for the grant expiry sweep.
	TaskExpireSweep = "grants:expire_sweep"
)

// ExpireSweepPayload bounds one sweep run.
type ExpireSweepPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewExpireSweepTask constructs an expiry sweep task.
func NewExpireSweepTask(payload ExpireSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpireSweep, data), nil
}

// GrantExpirer stamps naturally-expired grants. The sweep is bookkeeping
// only: reads already treat lapsed grants as inactive, so the job may lag or
// rerun without affecting authorization results.
type GrantExpirer interface {
	ExpireGrants(ctx context.Context, before time.Time, limit int) (int, error)
}

// ExpirySweeper handles TaskExpireSweep tasks.
type ExpirySweeper struct {
	store   GrantExpirer
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewExpirySweeper constructs the sweep handler. metrics may be nil.
func NewExpirySweeper(store GrantExpirer, metrics *observability.Metrics, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle processes one sweep task.
func (s *ExpirySweeper) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ExpireSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = 500
	}
	expired, err := s.store.ExpireGrants(ctx, s.now(), payload.BatchSize)
	if err != nil {
		s.logger.Error("expiry sweep", slog.Any("error", err))
		return err
	}
	s.metrics.ObserveExpiredGrants(expired)
	if expired > 0 {
		s.logger.Info("expiry sweep", slog.Int("expired", expired))
	}
	return nil
}
