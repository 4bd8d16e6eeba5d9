package notify

import (
	"context"
	"sync"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/rs/zerolog/log"
)

// BalanceChanged tells the user their balance moved after a purchase.
type BalanceChanged struct {
	Email        string    `json:"email"`
	SessionID    string    `json:"session_id,omitempty"`
	Reason       string    `json:"reason"`
	Delta        int64     `json:"delta"`
	TotalCredits int64     `json:"total_credits"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, event BalanceChanged) error
}

// LogNotifier writes notifications to the log. It is used when no broker
// is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event BalanceChanged) error {
	log.Info().
		Str("email", event.Email).
		Str("sessionID", event.SessionID).
		Str("reason", event.Reason).
		Int64("delta", event.Delta).
		Int64("totalCredits", event.TotalCredits).
		Msg("Balance notification")
	return nil
}

// Async sends notifications in the background with a bounded timeout.
// Failures are logged and counted, never returned.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

func (a *Async) Send(event BalanceChanged) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.next.Notify(ctx, event); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			log.Warn().
				Err(err).
				Str("email", event.Email).
				Str("sessionID", event.SessionID).
				Msg("Balance notification failed")
			return
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}()
}

// Wait blocks until every in-flight notification finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
