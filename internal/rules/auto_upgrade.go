package rules

import (
	"context"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
)

const (
	AutoUpgradeBonus  int64 = 49
	AutoUpgradeWindow       = 30 * 24 * time.Hour

	originCrowbar = "crowbar"
)

type AutoUpgrade struct {
	credits *credits.Service
}

func NewAutoUpgrade(c *credits.Service) *AutoUpgrade {
	return &AutoUpgrade{credits: c}
}

type AutoUpgradeResult struct {
	EffectiveSpend decimal.Decimal `json:"effective_spend"`
	Granted        bool            `json:"granted"`
	Backfilled     bool            `json:"backfilled"`
}

// Evaluate grants the one-time auto-upgrade bonus once the user's
// effective spend reaches the full access threshold. Effective spend is
// the larger of the rolling window sum and the all-time total.
func (a *AutoUpgrade) Evaluate(ctx context.Context, email string) (*AutoUpgradeResult, error) {
	u, err := a.credits.EnsureUser(ctx, email)
	if err != nil {
		return nil, err
	}
	s := a.credits.Store()
	now := a.credits.Now()

	rolling, err := s.SumAmountUSDSince(ctx, u.Email, now.Add(-AutoUpgradeWindow))
	if err != nil {
		return nil, apperr.Upstream("failed to sum rolling spend", err)
	}
	result := &AutoUpgradeResult{EffectiveSpend: decimal.Max(rolling, u.TotalSpent)}

	granted, err := s.HasReason(ctx, u.Email, models.ReasonAutoUpgradeBonus)
	if err != nil {
		return nil, apperr.Upstream("failed to check auto upgrade bonus", err)
	}
	if granted {
		if u.AutoUpgradedAt == nil {
			result.Backfilled = true
			return result, a.backfill(ctx, u.Email, now)
		}
		return result, nil
	}

	if result.EffectiveSpend.LessThan(billing.FullAccessThreshold) {
		if u.FullAccess && u.AutoUpgradedAt == nil {
			result.Backfilled = true
			return result, a.backfill(ctx, u.Email, now)
		}
		return result, nil
	}

	res, err := a.credits.GrantWith(ctx, credits.Grant{
		Email:          u.Email,
		Delta:          AutoUpgradeBonus,
		Reason:         models.ReasonAutoUpgradeBonus,
		Origin:         originCrowbar,
		IdempotencyKey: models.ReasonAutoUpgradeBonus + ":" + u.Email,
	}, func(ctx context.Context, tx *credits.Service) error {
		return tx.Store().UpdateUser(ctx, u.Email, models.UserPatch{
			FullAccess:     models.BoolPtr(true),
			AutoUpgradedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}
	result.Granted = res.Applied
	if res.Applied {
		metrics.BonusGrantsTotal.WithLabelValues("auto_upgrade").Inc()
		logger.Log.Info("auto upgrade bonus granted", "email", u.Email, "effective_spend", result.EffectiveSpend.String())
	}
	return result, nil
}

func (a *AutoUpgrade) backfill(ctx context.Context, email string, now time.Time) error {
	err := a.credits.Store().UpdateUser(ctx, email, models.UserPatch{
		FullAccess:     models.BoolPtr(true),
		AutoUpgradedAt: &now,
	})
	if err != nil {
		return apperr.Upstream("failed to backfill auto upgrade timestamp", err)
	}
	logger.Log.Info("auto upgrade timestamp backfilled", "email", email)
	return nil
}
