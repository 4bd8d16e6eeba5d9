package client

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/kanbanfeed/crowbar-master-backend/internal/temporal/workflows"
)

func NewClient(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    logger.NewTemporalLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// Dispatcher starts one reconciliation workflow per webhook event.
type Dispatcher struct {
	temporalClient client.Client
	taskQueue      string
}

func NewDispatcher(temporalClient client.Client, taskQueue string) *Dispatcher {
	return &Dispatcher{temporalClient: temporalClient, taskQueue: taskQueue}
}

func (d *Dispatcher) Dispatch(ctx context.Context, job reconcile.Job) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:        WorkflowID(job),
		TaskQueue: d.taskQueue,
	}

	run, err := d.temporalClient.ExecuteWorkflow(ctx, workflowOptions, workflows.ReconcileCheckoutWorkflow, job)
	if err != nil {
		return fmt.Errorf("failed to start workflow: %w", err)
	}
	logger.Log.Info("reconciliation workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"session_id", job.Session.ID)
	return nil
}

// WorkflowID keys the workflow on the event so a redelivered webhook joins
// the run already in flight.
func WorkflowID(job reconcile.Job) string {
	if job.EventID != "" {
		return "reconcile-" + job.EventID
	}
	return "reconcile-session-" + job.Session.ID
}
