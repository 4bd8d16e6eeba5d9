package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/rs/zerolog/log"
)

// Job is one verified checkout session waiting to be reconciled.
type Job struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Session   billing.Session `json:"session"`
}

// Dispatcher hands a job to background processing. Dispatch returns once
// the job is accepted, not once it is reconciled.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// InlineDispatcher reconciles in a goroutine of the current process with a
// context detached from the request.
type InlineDispatcher struct {
	engine  *Engine
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewInlineDispatcher(engine *Engine, timeout time.Duration) *InlineDispatcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &InlineDispatcher{engine: engine, timeout: timeout}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		out, err := d.engine.ProcessSession(ctx, job.Session, job.EventID)
		if err != nil {
			log.Error().
				Err(err).
				Str("eventID", job.EventID).
				Str("sessionID", job.Session.ID).
				Msg("Checkout reconciliation failed")
			return
		}
		log.Debug().
			Str("eventID", job.EventID).
			Str("sessionID", job.Session.ID).
			Str("status", string(out.Status)).
			Msg("Checkout reconciliation finished")
	}()
	return nil
}

// Wait blocks until every dispatched job finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
