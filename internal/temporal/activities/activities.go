package activities

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
)

// ReconcileCheckoutName is the registered name of ReconcileCheckout.
const ReconcileCheckoutName = "ReconcileCheckout"

type Activities struct {
	engine *reconcile.Engine
}

func NewActivities(engine *reconcile.Engine) *Activities {
	return &Activities{engine: engine}
}

// ReconcileCheckout runs the engine for one job. Failures a retry cannot
// fix are returned as non-retryable so the workflow fails fast and stays
// visible in Temporal.
func (a *Activities) ReconcileCheckout(ctx context.Context, job reconcile.Job) (*reconcile.Outcome, error) {
	logger := activity.GetLogger(ctx)

	out, err := a.engine.ProcessSession(ctx, job.Session, job.EventID)
	if err == nil {
		return out, nil
	}

	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation, apperr.KindBalanceMismatch, apperr.KindNotFound:
		logger.Error("Reconciliation rejected", "eventID", job.EventID, "sessionID", job.Session.ID, "error", err)
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), string(kind), err)
	}
	logger.Warn("Reconciliation attempt failed", "eventID", job.EventID, "sessionID", job.Session.ID, "error", err)
	return nil, err
}
