package worker

import (
	activity "go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/temporal/activities"
	"github.com/kanbanfeed/crowbar-master-backend/internal/temporal/workflows"
)

// Worker wraps a Temporal worker
type Worker struct {
	temporalWorker worker.Worker
	taskQueue      string
}

// NewWorker creates and configures a new Temporal worker
func NewWorker(temporalClient client.Client, taskQueue string, acts *activities.Activities) *Worker {
	w := worker.New(temporalClient, taskQueue, worker.Options{})

	w.RegisterWorkflow(workflows.ReconcileCheckoutWorkflow)
	w.RegisterActivityWithOptions(acts.ReconcileCheckout, activity.RegisterOptions{
		Name: activities.ReconcileCheckoutName,
	})

	logger.Log.Info("temporal worker created", "task_queue", taskQueue)

	return &Worker{
		temporalWorker: w,
		taskQueue:      taskQueue,
	}
}

// Start starts the worker
func (w *Worker) Start() error {
	logger.Log.Info("starting temporal worker", "task_queue", w.taskQueue)
	return w.temporalWorker.Start()
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	logger.Log.Info("stopping temporal worker", "task_queue", w.taskQueue)
	w.temporalWorker.Stop()
}
