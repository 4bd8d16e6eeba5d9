package reconcile

import (
	"fmt"
	"slices"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrBalanceMismatch   = apperr.New(apperr.KindBalanceMismatch, "balance_mismatch", "balance upgrade amount does not match the outstanding balance")
	ErrNotLimitedMember  = apperr.New(apperr.KindValidation, "not_limited_member", "balance upgrade requires an active limited pass")
	ErrNoLimitedProgress = apperr.New(apperr.KindValidation, "no_limited_progress", "no partial payment to upgrade from")
)

// plan is what a mode does to one user: the credit delta and the access
// fields to write.
type plan struct {
	delta                int64
	patch                models.UserPatch
	upgradeBalanceAmount *decimal.Decimal
}

func (e *Engine) planFor(mode billing.Mode, u *models.User, paid decimal.Decimal) (*plan, error) {
	switch m := mode.(type) {
	case billing.LifetimePurchase:
		return e.planLifetime(m, u), nil
	case billing.LimitedPass:
		return e.planLimited(m, u, paid), nil
	case billing.BalanceUpgrade:
		return e.planBalanceUpgrade(u, paid)
	case billing.LegacyProduct:
		return e.planLegacy(m, u), nil
	}
	return nil, fmt.Errorf("%w: unsupported mode %T", billing.ErrMalformedMetadata, mode)
}

func (e *Engine) planLifetime(m billing.LifetimePurchase, u *models.User) *plan {
	tier := m.Tier.Tier
	if tierRank(u.MembershipTier) > tierRank(tier) {
		tier = u.MembershipTier
	}
	mode := models.AccessModeLifetime
	return &plan{
		delta: m.Tier.Credits,
		patch: models.UserPatch{
			MembershipTier:     &tier,
			AccessMode:         &mode,
			CrowbarAccess:      models.BoolPtr(true),
			PartnerAccess:      mergeAccess(u.PartnerAccess, e.catalog.AllPartnerAccess()),
			ActivityMultiplier: models.DecimalPtr(decimal.Max(u.ActivityMultiplier, m.Tier.ActivityMultiplier)),
		},
	}
}

func (e *Engine) planLimited(m billing.LimitedPass, u *models.User, paid decimal.Decimal) *plan {
	totalPaid := u.LimitedPaidAmount.Add(paid)
	remaining := decimal.Max(billing.LifetimeThreshold.Sub(totalPaid), decimal.Zero)

	partners := append([]string{}, u.LimitedPartners...)
	if !slices.Contains(partners, m.Partner) {
		partners = append(partners, m.Partner)
	}
	p := &plan{
		patch: models.UserPatch{
			LimitedPaidAmount: &totalPaid,
			LimitedPartners:   partners,
			PartnerAccess:     mergeAccess(u.PartnerAccess, map[string]bool{m.Partner: true}),
		},
		upgradeBalanceAmount: &remaining,
	}
	if u.AccessMode != models.AccessModeLifetime {
		mode := models.AccessModeLimited
		p.patch.AccessMode = &mode
	}
	return p
}

// planBalanceUpgrade tops a limited member up to lifetime. The payment has
// to equal the outstanding balance to the cent.
func (e *Engine) planBalanceUpgrade(u *models.User, paid decimal.Decimal) (*plan, error) {
	if u.AccessMode != models.AccessModeLimited {
		return nil, ErrNotLimitedMember
	}
	prior := u.LimitedPaidAmount
	if !prior.IsPositive() || prior.GreaterThanOrEqual(billing.LifetimeThreshold) {
		return nil, ErrNoLimitedProgress
	}
	expected := billing.LifetimeThreshold.Sub(prior).Round(2)
	if !paid.Round(2).Equal(expected) {
		return nil, apperr.Wrap(ErrBalanceMismatch.Kind, ErrBalanceMismatch.Code,
			fmt.Sprintf("expected %s, received %s", expected.StringFixed(2), paid.StringFixed(2)), ErrBalanceMismatch)
	}

	delta := billing.LifetimeCredits - u.TotalCredits
	if delta < 0 {
		delta = 0
	}
	mode := models.AccessModeLifetime
	totalPaid := prior.Add(paid)
	p := &plan{
		delta: delta,
		patch: models.UserPatch{
			AccessMode:        &mode,
			CrowbarAccess:     models.BoolPtr(true),
			PartnerAccess:     mergeAccess(u.PartnerAccess, e.catalog.AllPartnerAccess()),
			LimitedPaidAmount: &totalPaid,
		},
	}
	if u.MembershipTier == "" || u.MembershipTier == models.TierNone {
		tier := models.TierBasic
		p.patch.MembershipTier = &tier
	}
	return p, nil
}

func (e *Engine) planLegacy(m billing.LegacyProduct, u *models.User) *plan {
	p := &plan{delta: m.Grant}
	switch m.Product {
	case billing.ProductAccessPass:
		p.patch.PartnerAccess = mergeAccess(u.PartnerAccess, e.catalog.AllPartnerAccess())
	case billing.ProductCrowbarMaster:
		p.patch.CrowbarAccess = models.BoolPtr(true)
	default:
		if _, ok := e.catalog.Partner(m.Product); ok {
			p.patch.PartnerAccess = mergeAccess(u.PartnerAccess, map[string]bool{m.Product: true})
		}
	}
	return p
}

func mergeAccess(current, add map[string]bool) map[string]bool {
	out := make(map[string]bool, len(current)+len(add))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range add {
		if v {
			out[k] = true
		}
	}
	return out
}

func tierRank(tier models.MembershipTier) int {
	return slices.Index(billing.TierOrder, tier)
}
