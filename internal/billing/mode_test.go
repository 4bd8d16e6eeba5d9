package billing_test

import (
	"testing"

	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testCatalog() *billing.Catalog {
	return billing.NewCatalog([]billing.Partner{
		{Key: "careduel", DisplayName: "CareDuel", DailyReward: 2, LegacyGrant: 5},
		{Key: "kanbanfeed", DisplayName: "KanbanFeed", DailyReward: 3, LegacyGrant: 10},
	})
}

func TestParseMode(t *testing.T) {
	catalog := testCatalog()
	paid := decimal.NewFromInt(49)

	tests := []struct {
		name       string
		metadata   map[string]string
		wantType   billing.PaymentType
		wantReason string
		wantErr    error
	}{
		{
			name:       "lifetime tier",
			metadata:   map[string]string{"payment_type": "lifetime_purchase", "tier": "elite"},
			wantType:   billing.PaymentLifetime,
			wantReason: "membership_purchase_elite",
		},
		{
			name:       "lifetime unknown tier falls back to basic",
			metadata:   map[string]string{"payment_type": "lifetime_purchase", "tier": "gold"},
			wantType:   billing.PaymentLifetime,
			wantReason: "membership_purchase_basic",
		},
		{
			name:       "limited pass",
			metadata:   map[string]string{"payment_type": "limited_pass", "partner": "careduel"},
			wantType:   billing.PaymentLimitedPass,
			wantReason: "limited_pass_careduel",
		},
		{
			name:     "limited pass unknown partner",
			metadata: map[string]string{"payment_type": "limited_pass", "partner": "nope"},
			wantErr:  billing.ErrMalformedMetadata,
		},
		{
			name:       "balance upgrade",
			metadata:   map[string]string{"payment_type": "balance_upgrade"},
			wantType:   billing.PaymentBalanceUpgrade,
			wantReason: "balance_upgrade",
		},
		{
			name:       "legacy product without payment type",
			metadata:   map[string]string{"product_type": "access_pass"},
			wantType:   billing.PaymentLegacy,
			wantReason: "legacy_access_pass",
		},
		{
			name:     "nothing to go on",
			metadata: map[string]string{},
			wantErr:  billing.ErrMalformedMetadata,
		},
		{
			name:     "unknown payment type",
			metadata: map[string]string{"payment_type": "subscription"},
			wantErr:  billing.ErrMalformedMetadata,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := catalog.ParseMode(tt.metadata, paid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantType, mode.Type())
			require.Equal(t, tt.wantReason, mode.Reason())
		})
	}
}

func TestZeroDeltaModes(t *testing.T) {
	require.True(t, billing.LimitedPass{}.AllowsZeroDelta())
	require.True(t, billing.BalanceUpgrade{}.AllowsZeroDelta())
	require.False(t, billing.LifetimePurchase{Tier: billing.GetTier(models.TierBasic)}.AllowsZeroDelta())
	require.False(t, billing.LegacyProduct{}.AllowsZeroDelta())
}

func TestLegacyGrant(t *testing.T) {
	catalog := testCatalog()
	require.Equal(t, int64(49), catalog.LegacyGrant(billing.ProductAccessPass))
	require.Equal(t, int64(49), catalog.LegacyGrant(billing.ProductCrowbarMaster))
	require.Equal(t, int64(10), catalog.LegacyGrant("kanbanfeed"))
	require.Equal(t, int64(0), catalog.LegacyGrant("unknown"))
}

func TestValidLimitedPassAmount(t *testing.T) {
	for _, cents := range []int64{700, 900, 1200} {
		require.True(t, billing.ValidLimitedPassAmount(cents))
	}
	require.False(t, billing.ValidLimitedPassAmount(1000))
}

func TestSessionAmountUSD(t *testing.T) {
	s := &billing.Session{AmountTotal: 3499}
	require.True(t, s.AmountUSD().Equal(decimal.RequireFromString("34.99")))
}
