package rules_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*credits.Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	return credits.NewService(s).WithClock(func() time.Time { return now }), s
}

func seedSpend(t *testing.T, s *store.MemoryStore, email string, at time.Time, usd string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, email)
	require.NoError(t, err)
	amount := decimal.RequireFromString(usd)
	require.NoError(t, s.InsertLedgerEntry(ctx, &models.LedgerEntry{
		Email:     email,
		Reason:    "limited_pass_careduel",
		AmountUSD: &amount,
		CreatedAt: at,
	}))
}

func TestAutoUpgradeGrantsOnceAtThreshold(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)
	seedSpend(t, s, "a@x.com", now.AddDate(0, 0, -10), "49.00")
	seedSpend(t, s, "a@x.com", now.AddDate(0, 0, -1), "50.00")

	rule := rules.NewAutoUpgrade(svc)
	res, err := rule.Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, res.Granted)
	require.True(t, res.EffectiveSpend.Equal(decimal.NewFromInt(99)))

	u, err := s.GetUser(ctx, "a@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(49), u.TotalCredits)
	require.True(t, u.FullAccess)
	require.NotNil(t, u.AutoUpgradedAt)

	res, err = rule.Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, res.Granted)
	require.False(t, res.Backfilled)

	u, _ = s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(49), u.TotalCredits)
}

func TestAutoUpgradeIgnoresSpendOutsideWindow(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)
	seedSpend(t, s, "a@x.com", now.AddDate(0, 0, -60), "99.00")

	res, err := rules.NewAutoUpgrade(svc).Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, res.Granted)
}

func TestAutoUpgradeUsesAllTimeSpend(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)
	_, err := svc.BumpSpend(ctx, "a@x.com", decimal.NewFromInt(120))
	require.NoError(t, err)

	res, err := rules.NewAutoUpgrade(svc).Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, res.Granted)

	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(49), u.TotalCredits)
}

func TestAutoUpgradeBackfillsTimestamp(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)
	_, err := s.EnsureUser(ctx, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, s.UpdateUser(ctx, "a@x.com", models.UserPatch{FullAccess: models.BoolPtr(true)}))

	res, err := rules.NewAutoUpgrade(svc).Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, res.Granted)
	require.True(t, res.Backfilled)

	u, _ := s.GetUser(ctx, "a@x.com")
	require.NotNil(t, u.AutoUpgradedAt)
	require.Equal(t, int64(0), u.TotalCredits)
}

func TestReferralAppliesOnce(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)
	refs := rules.NewReferrals(svc)

	code, err := refs.EnsureCode(ctx, "owner@x.com")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(code, "CB-"))
	require.Len(t, code, 11)

	again, err := refs.EnsureCode(ctx, "owner@x.com")
	require.NoError(t, err)
	require.Equal(t, code, again)

	res, err := refs.Apply(ctx, "new@x.com", code)
	require.NoError(t, err)
	require.Equal(t, "owner@x.com", res.ReferrerEmail)
	require.Equal(t, int64(25), res.ReferrerCredits)

	otherCode, err := refs.EnsureCode(ctx, "other@x.com")
	require.NoError(t, err)
	_, err = refs.Apply(ctx, "new@x.com", otherCode)
	require.ErrorIs(t, err, rules.ErrAlreadyReferred)

	owner, _ := s.GetUser(ctx, "owner@x.com")
	require.Equal(t, int64(25), owner.TotalCredits)
	other, _ := s.GetUser(ctx, "other@x.com")
	require.Equal(t, int64(0), other.TotalCredits)

	referred, _ := s.GetUser(ctx, "new@x.com")
	require.NotNil(t, referred.ReferredBy)
	require.Equal(t, "owner@x.com", *referred.ReferredBy)
}

func TestReferralRejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)
	refs := rules.NewReferrals(svc)
	code, err := refs.EnsureCode(ctx, "owner@x.com")
	require.NoError(t, err)

	_, err = refs.Apply(ctx, "OWNER@x.com", code)
	require.ErrorIs(t, err, rules.ErrSelfReferral)

	_, err = refs.Apply(ctx, "new@x.com", strings.ToLower(code))
	require.ErrorIs(t, err, rules.ErrUnknownReferralCode)

	_, err = refs.Apply(ctx, "new@x.com", " ")
	require.ErrorIs(t, err, rules.ErrCodeRequired)

	_, err = refs.Apply(ctx, "b@x.com", code)
	require.NoError(t, err)
	own, err := refs.EnsureCode(ctx, "b@x.com")
	require.NoError(t, err)
	for _, c := range []string{code, "CB-NOPE1234", own} {
		_, err = refs.Apply(ctx, "B@x.com", c)
		require.ErrorIs(t, err, rules.ErrAlreadyReferred)
	}
}

func TestEnsureCodeRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)

	// Zero bytes always pick the first alphabet character.
	zeros := rules.NewReferrals(svc).WithRandom(bytes.NewReader(make([]byte, 64)))
	code, err := zeros.EnsureCode(ctx, "a@x.com")
	require.NoError(t, err)
	require.Equal(t, "CB-AAAAAAAA", code)

	random := append(make([]byte, 8), bytes.Repeat([]byte{1}, 8)...)
	collide := rules.NewReferrals(svc).WithRandom(bytes.NewReader(random))
	code, err = collide.EnsureCode(ctx, "b@x.com")
	require.NoError(t, err)
	require.Equal(t, "CB-BBBBBBBB", code)

	u, _ := s.GetUser(ctx, "b@x.com")
	require.Equal(t, code, *u.ReferralCode)
}

func TestProfileBonusGrantsOnceWhenComplete(t *testing.T) {
	ctx := context.Background()
	svc, s := setup(t)
	bonus := rules.NewProfileBonus(svc)
	_, err := s.EnsureUser(ctx, "a@x.com")
	require.NoError(t, err)

	profile := models.UserPatch{
		Name:       models.StringPtr("Ada"),
		Phone:      models.StringPtr("+100"),
		DOB:        models.StringPtr("1990-01-01"),
		Address:    models.StringPtr("1 Main St"),
		SocialLink: models.StringPtr("https://social.example/ada"),
	}
	require.NoError(t, s.UpdateUser(ctx, "a@x.com", profile))

	granted, err := bonus.Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, granted)

	kyc := models.UserPatch{
		IDFrontURL:     models.StringPtr("kyc/a/front"),
		IDBackURL:      models.StringPtr("kyc/a/back"),
		SelfieURL:      models.StringPtr("kyc/a/selfie"),
		DOBDocumentURL: models.StringPtr("kyc/a/dob"),
	}
	require.NoError(t, s.UpdateUser(ctx, "a@x.com", kyc))

	granted, err = bonus.Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = bonus.Evaluate(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, granted)

	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(20), u.TotalCredits)
	require.True(t, u.ProfileCompleted)
}
