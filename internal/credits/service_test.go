package credits_test

import (
	"context"
	"testing"

	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*credits.Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return credits.NewService(s), s
}

func TestBumpCreditsSequential(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	total, err := svc.BumpCredits(ctx, "A@X.com ", 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), total)

	total, err = svc.BumpCredits(ctx, "a@x.com", 15)
	require.NoError(t, err)
	require.Equal(t, int64(25), total)

	balance, err := svc.Balance(ctx, "a@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(25), balance)
}

func TestBumpSpendUnlocksFullAccess(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)

	_, err := svc.BumpSpend(ctx, "a@x.com", decimal.NewFromInt(49))
	require.NoError(t, err)
	total, err := svc.BumpSpend(ctx, "a@x.com", decimal.NewFromInt(50))
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(99)))

	u, err := s.GetUser(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, u.FullAccess)
}

func TestEnsureUserRejectsInvalidEmail(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.EnsureUser(context.Background(), "  ")
	require.ErrorIs(t, err, credits.ErrInvalidEmail)
}

func TestBalanceUnknownUser(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Balance(context.Background(), "nobody@x.com")
	require.ErrorIs(t, err, credits.ErrUserNotFound)
}

func TestEarnIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	m := credits.Movement{Email: "a@x.com", Amount: 12, Origin: "careduel", IdempotencyKey: "quiz-1"}
	res, err := svc.Earn(ctx, m)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, int64(12), res.TotalCredits)

	res, err = svc.Earn(ctx, m)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, int64(12), res.TotalCredits)
}

func TestEarnValidation(t *testing.T) {
	svc, _ := newService(t)
	tests := []struct {
		name string
		m    credits.Movement
		want error
	}{
		{name: "zero amount", m: credits.Movement{Email: "a@x.com", Origin: "x"}, want: credits.ErrInvalidAmount},
		{name: "missing origin", m: credits.Movement{Email: "a@x.com", Amount: 3}, want: credits.ErrOriginRequired},
		{name: "missing email", m: credits.Movement{Amount: 3, Origin: "x"}, want: credits.ErrInvalidEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Earn(context.Background(), tt.m)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSpendRecordsNegativeOfAbsoluteAmount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Earn(ctx, credits.Movement{Email: "a@x.com", Amount: 30, Origin: "crowbar"})
	require.NoError(t, err)

	for _, amount := range []int64{5, -5} {
		res, err := svc.Spend(ctx, credits.Movement{Email: "a@x.com", Amount: amount, Origin: "crowbar"})
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Equal(t, int64(-5), res.Entry.Delta)
	}

	balance, err := svc.Balance(ctx, "a@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(20), balance)
}

func TestSpendRejectsOverdraftWithoutWrites(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	_, err := svc.Earn(ctx, credits.Movement{Email: "a@x.com", Amount: 3, Origin: "crowbar"})
	require.NoError(t, err)

	_, err = svc.Spend(ctx, credits.Movement{Email: "a@x.com", Amount: 4, Origin: "crowbar"})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	u, err := s.GetUser(ctx, "a@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(3), u.TotalCredits)

	entries, err := svc.History(ctx, "a@x.com", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecomputeRepairsDrift(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	_, err := svc.Earn(ctx, credits.Movement{Email: "a@x.com", Amount: 40, Origin: "crowbar"})
	require.NoError(t, err)

	// A ledger row whose balance bump never happened.
	_, err = s.EnsureUser(ctx, "b@x.com")
	require.NoError(t, err)
	require.NoError(t, s.InsertLedgerEntry(ctx, &models.LedgerEntry{Email: "b@x.com", Delta: 49, Reason: "legacy_access_pass"}))

	drifted, err := svc.RecomputeAll(ctx)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	require.Equal(t, "b@x.com", drifted[0].Email)
	require.Equal(t, int64(0), drifted[0].Before)
	require.Equal(t, int64(49), drifted[0].After)

	balance, err := svc.Balance(ctx, "b@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(49), balance)
}
