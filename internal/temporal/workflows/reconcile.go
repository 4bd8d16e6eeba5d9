package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/kanbanfeed/crowbar-master-backend/internal/temporal/activities"
)

// ReconcileCheckoutWorkflow reconciles one checkout session with retries.
// A workflow that ends failed is the dead-letter record for that event.
func ReconcileCheckoutWorkflow(ctx workflow.Context, job reconcile.Job) (*reconcile.Outcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting reconciliation workflow",
		"eventID", job.EventID,
		"sessionID", job.Session.ID)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    10,
		},
	}
	activityCtx := workflow.WithActivityOptions(ctx, activityOptions)

	var out reconcile.Outcome
	err := workflow.ExecuteActivity(activityCtx, activities.ReconcileCheckoutName, job).Get(activityCtx, &out)
	if err != nil {
		logger.Error("Reconciliation failed", "sessionID", job.Session.ID, "error", err)
		return nil, fmt.Errorf("reconcile session %s: %w", job.Session.ID, err)
	}

	logger.Info("Reconciliation finished",
		"sessionID", job.Session.ID,
		"status", out.Status,
		"delta", out.Delta)
	return &out, nil
}
