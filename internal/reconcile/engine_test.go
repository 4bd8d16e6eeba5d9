package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/notify"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu     sync.Mutex
	events []notify.BalanceChanged
}

func (c *captureSender) Send(event notify.BalanceChanged) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func testCatalog() *billing.Catalog {
	return billing.NewCatalog([]billing.Partner{
		{Key: "careduel", DisplayName: "CareDuel", DailyReward: 2, LegacyGrant: 5, RedirectURL: "https://careduel.example"},
		{Key: "talentkonnect", DisplayName: "TalentKonnect", DailyReward: 2, LegacyGrant: 5, RedirectURL: "https://talentkonnect.example"},
	})
}

func setup(t *testing.T) (*reconcile.Engine, *store.MemoryStore, *captureSender) {
	t.Helper()
	s := store.NewMemoryStore()
	sender := &captureSender{}
	return reconcile.NewEngine(credits.NewService(s), testCatalog(), sender), s, sender
}

func paidSession(id string, cents int64, metadata map[string]string) billing.Session {
	return billing.Session{
		ID:            id,
		AmountTotal:   cents,
		Currency:      "usd",
		Metadata:      metadata,
		PaymentStatus: billing.PaymentStatusPaid,
	}
}

func lifetime(email, tier string) map[string]string {
	return map[string]string{
		billing.MetaUserEmail:   email,
		billing.MetaPaymentType: string(billing.PaymentLifetime),
		billing.MetaTier:        tier,
	}
}

func limited(email, partner string) map[string]string {
	return map[string]string{
		billing.MetaUserEmail:   email,
		billing.MetaPaymentType: string(billing.PaymentLimitedPass),
		billing.MetaPartner:     partner,
	}
}

func balanceUpgrade(email string) map[string]string {
	return map[string]string{
		billing.MetaUserEmail:   email,
		billing.MetaPaymentType: string(billing.PaymentBalanceUpgrade),
	}
}

func ledger(t *testing.T, s *store.MemoryStore, email string) []*models.LedgerEntry {
	t.Helper()
	entries, err := s.ListLedgerEntries(context.Background(), email, 0)
	require.NoError(t, err)
	return entries
}

func TestBasicLifetimePurchase(t *testing.T) {
	ctx := context.Background()
	engine, s, sender := setup(t)

	out, err := engine.ProcessSession(ctx, paidSession("cs_1", 4900, lifetime("a@x.com", "basic")), "evt_1")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusProcessed, out.Status)
	require.Equal(t, int64(49), out.Delta)

	entries := ledger(t, s, "a@x.com")
	require.Len(t, entries, 1)
	require.Equal(t, int64(49), entries[0].Delta)
	require.Equal(t, "membership_purchase_basic", entries[0].Reason)

	u, err := s.GetUser(ctx, "a@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(49), u.TotalCredits)
	require.Equal(t, models.TierBasic, u.MembershipTier)
	require.True(t, u.CrowbarAccess)
	require.Equal(t, models.AccessModeLifetime, u.AccessMode)
	require.True(t, u.HasPartnerAccess("careduel"))
	require.True(t, u.TotalSpent.Equal(decimal.NewFromInt(49)))
	require.NotNil(t, u.ReferralCode)

	require.Len(t, sender.events, 1)
	require.Equal(t, int64(49), sender.events[0].TotalCredits)

	history := s.History("a@x.com")
	require.Len(t, history, 1)
	require.Equal(t, "membership", history[0].Origin)
	require.True(t, history[0].EligibleGlobalRace)
}

func TestRedeliverySameEventIsNoop(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	session := paidSession("cs_1", 4900, lifetime("a@x.com", "basic"))

	_, err := engine.ProcessSession(ctx, session, "evt_1")
	require.NoError(t, err)
	out, err := engine.ProcessSession(ctx, session, "evt_1")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusAlreadyProcessed, out.Status)

	require.Len(t, ledger(t, s, "a@x.com"), 1)
	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(49), u.TotalCredits)
}

func TestRedeliverySameSessionDifferentEventIsNoop(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	session := paidSession("cs_1", 4900, lifetime("a@x.com", "basic"))

	_, err := engine.ProcessSession(ctx, session, "evt_1")
	require.NoError(t, err)
	out, err := engine.ProcessSession(ctx, session, "evt_2")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusAlreadyProcessed, out.Status)

	out, err = engine.ProcessSession(ctx, session, "")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusAlreadyProcessed, out.Status)

	require.Len(t, ledger(t, s, "a@x.com"), 1)
	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(49), u.TotalCredits)
	require.True(t, u.TotalSpent.Equal(decimal.NewFromInt(49)))
}

func TestConcurrentDeliveriesGrantOnce(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	session := paidSession("cs_race", 4900, lifetime("a@x.com", "basic"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.ProcessSession(ctx, session, fmt.Sprintf("evt_%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, ledger(t, s, "a@x.com"), 1)
	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(49), u.TotalCredits)
}

func TestTierGrants(t *testing.T) {
	tests := []struct {
		tier       string
		cents      int64
		wantDelta  int64
		wantTier   models.MembershipTier
		multiplier string
	}{
		{tier: "discount19", cents: 1900, wantDelta: 49, wantTier: models.TierDiscount19, multiplier: "1"},
		{tier: "pro", cents: 9900, wantDelta: 49, wantTier: models.TierPro, multiplier: "1.5"},
		{tier: "elite", cents: 49900, wantDelta: 500, wantTier: models.TierElite, multiplier: "1"},
		{tier: "platinum", cents: 4900, wantDelta: 49, wantTier: models.TierBasic, multiplier: "1"},
		{tier: "", cents: 4900, wantDelta: 49, wantTier: models.TierBasic, multiplier: "1"},
	}
	for _, tt := range tests {
		t.Run("tier "+tt.tier, func(t *testing.T) {
			ctx := context.Background()
			engine, s, _ := setup(t)
			out, err := engine.ProcessSession(ctx, paidSession("cs_1", tt.cents, lifetime("a@x.com", tt.tier)), "evt_1")
			require.NoError(t, err)
			require.Equal(t, tt.wantDelta, out.Delta)

			u, _ := s.GetUser(ctx, "a@x.com")
			require.Equal(t, tt.wantTier, u.MembershipTier)
			require.True(t, u.ActivityMultiplier.Equal(decimal.RequireFromString(tt.multiplier)))
		})
	}
}

func TestProPurchaseTriggersAutoUpgrade(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)

	out, err := engine.ProcessSession(ctx, paidSession("cs_1", 9900, lifetime("a@x.com", "pro")), "evt_1")
	require.NoError(t, err)
	require.True(t, out.AutoUpgraded)
	require.Equal(t, int64(98), out.TotalCredits)

	u, _ := s.GetUser(ctx, "a@x.com")
	require.True(t, u.FullAccess)
	require.NotNil(t, u.AutoUpgradedAt)
}

func TestLimitedPassRecordsProgress(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)

	out, err := engine.ProcessSession(ctx, paidSession("cs_1", 700, limited("a@x.com", "careduel")), "evt_1")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusProcessed, out.Status)
	require.Equal(t, int64(0), out.Delta)
	require.True(t, out.UpgradeBalanceAmount.Equal(decimal.NewFromInt(42)))

	out, err = engine.ProcessSession(ctx, paidSession("cs_2", 1200, limited("a@x.com", "talentkonnect")), "evt_2")
	require.NoError(t, err)
	require.True(t, out.UpgradeBalanceAmount.Equal(decimal.NewFromInt(30)))

	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(0), u.TotalCredits)
	require.Equal(t, models.AccessModeLimited, u.AccessMode)
	require.True(t, u.LimitedPaidAmount.Equal(decimal.NewFromInt(19)))
	require.ElementsMatch(t, []string{"careduel", "talentkonnect"}, u.LimitedPartners)
	require.True(t, u.HasPartnerAccess("careduel"))
	require.True(t, u.HasPartnerAccess("talentkonnect"))

	entries := ledger(t, s, "a@x.com")
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, int64(0), e.Delta)
	}

	out, err = engine.ProcessSession(ctx, paidSession("cs_1", 700, limited("a@x.com", "careduel")), "evt_1")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusAlreadyProcessed, out.Status)
	u, _ = s.GetUser(ctx, "a@x.com")
	require.True(t, u.LimitedPaidAmount.Equal(decimal.NewFromInt(19)))
}

func TestLimitedPassUnknownPartnerRejected(t *testing.T) {
	engine, s, _ := setup(t)
	_, err := engine.ProcessSession(context.Background(), paidSession("cs_1", 700, limited("a@x.com", "nowhere")), "evt_1")
	require.ErrorIs(t, err, billing.ErrMalformedMetadata)

	_, err = s.GetUser(context.Background(), "a@x.com")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBalanceUpgrade(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)

	for i, id := range []string{"cs_l1", "cs_l2"} {
		_, err := engine.ProcessSession(ctx, paidSession(id, 700, limited("a@x.com", "careduel")), fmt.Sprintf("evt_l%d", i))
		require.NoError(t, err)
	}
	u, _ := s.GetUser(ctx, "a@x.com")
	require.True(t, u.LimitedPaidAmount.Equal(decimal.NewFromInt(14)))

	for _, cents := range []int64{3499, 3501} {
		_, err := engine.ProcessSession(ctx, paidSession(fmt.Sprintf("cs_bad_%d", cents), cents, balanceUpgrade("a@x.com")), "")
		require.ErrorIs(t, err, reconcile.ErrBalanceMismatch)
		require.Equal(t, apperr.KindBalanceMismatch, apperr.KindOf(err))
	}

	after, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(0), after.TotalCredits)
	require.Equal(t, models.AccessModeLimited, after.AccessMode)
	require.True(t, after.LimitedPaidAmount.Equal(decimal.NewFromInt(14)))
	require.True(t, after.TotalSpent.Equal(decimal.NewFromInt(14)))
	require.Len(t, ledger(t, s, "a@x.com"), 2)

	out, err := engine.ProcessSession(ctx, paidSession("cs_up", 3500, balanceUpgrade("a@x.com")), "evt_up")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusProcessed, out.Status)
	require.Equal(t, int64(49), out.Delta)

	u, _ = s.GetUser(ctx, "a@x.com")
	require.GreaterOrEqual(t, u.TotalCredits, int64(49))
	require.Equal(t, models.AccessModeLifetime, u.AccessMode)
	require.Equal(t, models.TierBasic, u.MembershipTier)
	require.True(t, u.HasPartnerAccess("careduel"))
	require.True(t, u.HasPartnerAccess("talentkonnect"))
	require.True(t, u.LimitedPaidAmount.Equal(decimal.NewFromInt(49)))
}

func TestBalanceUpgradeDoesNotInflatePastEntitlement(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	_, err := engine.ProcessSession(ctx, paidSession("cs_l1", 900, limited("a@x.com", "careduel")), "evt_l1")
	require.NoError(t, err)
	_, err = credits.NewService(s).BumpCredits(ctx, "a@x.com", 30)
	require.NoError(t, err)

	out, err := engine.ProcessSession(ctx, paidSession("cs_up", 4000, balanceUpgrade("a@x.com")), "evt_up")
	require.NoError(t, err)
	require.Equal(t, int64(19), out.Delta)

	u, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, int64(49), u.TotalCredits)
}

func TestZeroDeltaBalanceUpgradeRedeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	_, err := engine.ProcessSession(ctx, paidSession("cs_l1", 900, limited("a@x.com", "careduel")), "evt_l1")
	require.NoError(t, err)
	_, err = credits.NewService(s).BumpCredits(ctx, "a@x.com", 60)
	require.NoError(t, err)

	out, err := engine.ProcessSession(ctx, paidSession("cs_up", 4000, balanceUpgrade("a@x.com")), "evt_up")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusProcessed, out.Status)
	require.Equal(t, int64(0), out.Delta)

	before, _ := s.GetUser(ctx, "a@x.com")
	entries := len(ledger(t, s, "a@x.com"))

	out, err = engine.ProcessSession(ctx, paidSession("cs_up", 4000, balanceUpgrade("a@x.com")), "evt_up_async")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusAlreadyProcessed, out.Status)

	after, _ := s.GetUser(ctx, "a@x.com")
	require.Equal(t, before.TotalCredits, after.TotalCredits)
	require.True(t, after.TotalSpent.Equal(before.TotalSpent))
	require.Len(t, ledger(t, s, "a@x.com"), entries)
}

func TestNonUSDSessionRejected(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	session := paidSession("cs_eur", 4900, lifetime("a@x.com", "basic"))
	session.Currency = "eur"

	_, err := engine.ProcessSession(ctx, session, "evt_eur")
	require.ErrorIs(t, err, reconcile.ErrUnsupportedCurrency)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = s.GetUser(ctx, "a@x.com")
	require.ErrorIs(t, err, store.ErrNotFound)

	session.Currency = "USD"
	out, err := engine.ProcessSession(ctx, session, "evt_eur")
	require.NoError(t, err)
	require.Equal(t, int64(49), out.Delta)
}

func TestBalanceUpgradeRequiresLimitedMember(t *testing.T) {
	engine, _, _ := setup(t)
	_, err := engine.ProcessSession(context.Background(), paidSession("cs_up", 3500, balanceUpgrade("a@x.com")), "evt_up")
	require.ErrorIs(t, err, reconcile.ErrNotLimitedMember)
}

func TestMissingIdentity(t *testing.T) {
	engine, _, _ := setup(t)
	session := paidSession("cs_1", 4900, map[string]string{billing.MetaPaymentType: string(billing.PaymentLifetime)})
	_, err := engine.ProcessSession(context.Background(), session, "evt_1")
	require.ErrorIs(t, err, reconcile.ErrMissingIdentity)
}

func TestCustomerEmailFallback(t *testing.T) {
	engine, s, _ := setup(t)
	session := paidSession("cs_1", 4900, map[string]string{billing.MetaProductType: billing.ProductAccessPass})
	session.CustomerEmail = " Buyer@X.com "

	out, err := engine.ProcessSession(context.Background(), session, "evt_1")
	require.NoError(t, err)
	require.Equal(t, "buyer@x.com", out.Email)

	u, err := s.GetUser(context.Background(), "buyer@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(49), u.TotalCredits)
}

func TestLegacyProducts(t *testing.T) {
	tests := []struct {
		product    string
		wantStatus reconcile.Status
		wantDelta  int64
		check      func(t *testing.T, u *models.User)
	}{
		{
			product:    billing.ProductAccessPass,
			wantStatus: reconcile.StatusProcessed,
			wantDelta:  49,
			check: func(t *testing.T, u *models.User) {
				require.True(t, u.HasPartnerAccess("careduel"))
				require.True(t, u.HasPartnerAccess("talentkonnect"))
			},
		},
		{
			product:    billing.ProductCrowbarMaster,
			wantStatus: reconcile.StatusProcessed,
			wantDelta:  49,
			check: func(t *testing.T, u *models.User) {
				require.True(t, u.CrowbarAccess)
			},
		},
		{
			product:    "careduel",
			wantStatus: reconcile.StatusProcessed,
			wantDelta:  5,
			check: func(t *testing.T, u *models.User) {
				require.True(t, u.HasPartnerAccess("careduel"))
				require.False(t, u.HasPartnerAccess("talentkonnect"))
			},
		},
		{
			product:    "mystery_box",
			wantStatus: reconcile.StatusSkipped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.product, func(t *testing.T) {
			ctx := context.Background()
			engine, s, _ := setup(t)
			session := paidSession("cs_1", 4900, map[string]string{
				billing.MetaUserEmail:   "a@x.com",
				billing.MetaProductType: tt.product,
			})
			out, err := engine.ProcessSession(ctx, session, "evt_1")
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, out.Status)

			if tt.wantStatus == reconcile.StatusSkipped {
				require.Empty(t, ledger(t, s, "a@x.com"))
				_, err := s.GetUser(ctx, "a@x.com")
				require.ErrorIs(t, err, store.ErrNotFound)
				return
			}
			require.Equal(t, tt.wantDelta, out.Delta)
			u, err := s.GetUser(ctx, "a@x.com")
			require.NoError(t, err)
			tt.check(t, u)
		})
	}
}

func TestAccessPassHistoryRecordsLegalAcceptance(t *testing.T) {
	ctx := context.Background()
	engine, s, _ := setup(t)
	session := paidSession("cs_1", 4900, map[string]string{
		billing.MetaUserEmail:   "a@x.com",
		billing.MetaProductType: billing.ProductAccessPass,
		billing.MetaLegalAccept: "true",
		billing.MetaOrigin:      "careduel",
	})
	_, err := engine.ProcessSession(ctx, session, "evt_1")
	require.NoError(t, err)

	owns, err := s.HasAccessPass(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, owns)

	entries := ledger(t, s, "a@x.com")
	require.Equal(t, "careduel", entries[0].OriginSite)
}

func TestUnpaidSessionSkipped(t *testing.T) {
	engine, s, _ := setup(t)
	session := paidSession("cs_1", 4900, lifetime("a@x.com", "basic"))
	session.PaymentStatus = billing.PaymentStatusUnpaid

	out, err := engine.ProcessSession(context.Background(), session, "evt_1")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusSkipped, out.Status)
	require.Empty(t, ledger(t, s, "a@x.com"))
}

func TestInlineDispatcher(t *testing.T) {
	engine, s, _ := setup(t)
	d := reconcile.NewInlineDispatcher(engine, 0)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, reconcile.Job{
		EventID: "evt_1",
		Session: paidSession("cs_1", 4900, lifetime("a@x.com", "basic")),
	}))
	cancel()
	d.Wait()

	u, err := s.GetUser(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.Equal(t, int64(49), u.TotalCredits)
}
