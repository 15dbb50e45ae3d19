package mfa

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/audit"
)

// Verdict is the outcome of an access decision.
type Verdict string

const (
	// Allow lets the operation proceed without a step-up.
	Allow Verdict = "allow"
	// AllowWithStepUp lets the operation proceed once MFA is completed.
	AllowWithStepUp Verdict = "allow_with_step_up"
	// Deny blocks the operation outright.
	Deny Verdict = "deny"
)

// Decision bundles the verdict with the requirement that produced it.
type Decision struct {
	Verdict     Verdict
	Requirement Requirement
}

// PermissionChecker is the slice of the authorization engine the authorizer
// needs.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error)
}

// DecisionRecorder persists decision audit entries. A nil recorder disables
// decision auditing.
type DecisionRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Authorizer composes permission checks with resolved MFA requirements.
// Permission failure denies regardless of requirement; an allowed operation
// escalates to a step-up when the requirement reaches Required.
type Authorizer struct {
	checker  PermissionChecker
	resolver *Resolver
	recorder DecisionRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthorizer constructs the decision composer. recorder may be nil.
func NewAuthorizer(checker PermissionChecker, resolver *Resolver, recorder DecisionRecorder, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		checker:  checker,
		resolver: resolver,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Decide evaluates whether the user may perform the action guarded by the
// permission. The permission gate is evaluated first and is authoritative.
func (a *Authorizer) Decide(ctx context.Context, userID uuid.UUID, permission, action string) (Decision, error) {
	allowed, err := a.checker.HasPermission(ctx, userID, permission)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Verdict: Deny}
	if allowed {
		req, err := a.resolver.Resolve(ctx, userID, action)
		if err != nil {
			return Decision{}, err
		}
		d.Requirement = req
		if req >= Required {
			d.Verdict = AllowWithStepUp
		} else {
			d.Verdict = Allow
		}
	}

	a.record(ctx, userID, permission, action, d)
	return d, nil
}

func (a *Authorizer) record(ctx context.Context, userID uuid.UUID, permission, action string, d Decision) {
	if a.recorder == nil {
		return
	}
	entry := audit.NewEntry(audit.ActionDecision, userID.String(), userID.String(), permission, a.now(), map[string]any{
		"action":      action,
		"verdict":     string(d.Verdict),
		"requirement": d.Requirement.String(),
	})
	// Audit failure must not turn an allow into an error path.
	if err := a.recorder.Record(ctx, entry); err != nil {
		a.logger.Error("record decision", slog.Any("error", err))
	}
}
