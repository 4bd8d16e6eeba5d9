package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/notify"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.BalanceChanged
	err    error
	block  bool
}

func (r *recordingNotifier) Notify(ctx context.Context, event notify.BalanceChanged) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestAsyncDeliversInBackground(t *testing.T) {
	rec := &recordingNotifier{}
	async := notify.NewAsync(rec, time.Second)

	async.Send(notify.BalanceChanged{Email: "a@x.com", Delta: 49, TotalCredits: 49})
	async.Wait()

	require.Len(t, rec.events, 1)
	require.Equal(t, int64(49), rec.events[0].TotalCredits)
}

func TestAsyncSwallowsFailures(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("smtp down")}
	async := notify.NewAsync(rec, time.Second)

	async.Send(notify.BalanceChanged{Email: "a@x.com"})
	async.Wait()
	require.Len(t, rec.events, 1)
}

func TestAsyncBoundsSlowNotifier(t *testing.T) {
	rec := &recordingNotifier{block: true}
	async := notify.NewAsync(rec, 20*time.Millisecond)

	start := time.Now()
	async.Send(notify.BalanceChanged{Email: "a@x.com"})
	async.Wait()
	require.Less(t, time.Since(start), time.Second)
}
