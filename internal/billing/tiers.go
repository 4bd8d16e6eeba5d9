package billing

import (
	"sort"

	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
)

// TierSpec defines a lifetime membership tier.
type TierSpec struct {
	Tier               models.MembershipTier
	DisplayName        string
	PriceCents         int64
	Credits            int64
	ActivityMultiplier decimal.Decimal
	RequiresAgeCheck   bool
	ProductID          string // set by SyncCatalog
}

// Tiers holds all lifetime tiers keyed by tier.
var Tiers = map[models.MembershipTier]*TierSpec{
	models.TierDiscount19: {
		Tier:               models.TierDiscount19,
		DisplayName:        "Discount Lifetime",
		PriceCents:         1900,
		Credits:            49,
		ActivityMultiplier: decimal.NewFromInt(1),
		RequiresAgeCheck:   true,
	},
	models.TierBasic: {
		Tier:               models.TierBasic,
		DisplayName:        "Basic Lifetime",
		PriceCents:         4900,
		Credits:            49,
		ActivityMultiplier: decimal.NewFromInt(1),
	},
	models.TierPro: {
		Tier:               models.TierPro,
		DisplayName:        "Pro Lifetime",
		PriceCents:         9900,
		Credits:            49,
		ActivityMultiplier: decimal.RequireFromString("1.5"),
	},
	models.TierElite: {
		Tier:               models.TierElite,
		DisplayName:        "Elite Lifetime",
		PriceCents:         49900,
		Credits:            500,
		ActivityMultiplier: decimal.NewFromInt(1),
	},
}

// TierOrder defines the display ordering of tiers.
var TierOrder = []models.MembershipTier{
	models.TierDiscount19,
	models.TierBasic,
	models.TierPro,
	models.TierElite,
}

// GetTier returns a tier by its name.
func GetTier(tier models.MembershipTier) *TierSpec {
	return Tiers[tier]
}

const (
	// LifetimeCredits is the credit entitlement of a lifetime member and the
	// floor a balance upgrade tops up to.
	LifetimeCredits int64 = 49

	AccessPassPriceCents int64 = 4900
	AccessPassCredits    int64 = 49
	CrowbarMasterCredits int64 = 49

	ProductAccessPass    = "access_pass"
	ProductCrowbarMaster = "crowbar_master"
)

var (
	// LifetimeThreshold is the dollar amount a limited-pass holder pays in
	// total to reach lifetime access.
	LifetimeThreshold = decimal.NewFromInt(49)
	// FullAccessThreshold is the spend at which full access unlocks.
	FullAccessThreshold = decimal.NewFromInt(99)
	// LimitedPassAmountsCents are the prices a limited pass may be bought at.
	LimitedPassAmountsCents = []int64{700, 900, 1200}
)

func ValidLimitedPassAmount(cents int64) bool {
	for _, a := range LimitedPassAmountsCents {
		if a == cents {
			return true
		}
	}
	return false
}

// Partner is one site in the partner network.
type Partner struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	DailyReward int64  `json:"daily_reward"`
	LegacyGrant int64  `json:"legacy_grant"`
	RedirectURL string `json:"redirect_url"`
}

// Catalog resolves partners and legacy flat products.
type Catalog struct {
	partners map[string]Partner
}

func NewCatalog(partners []Partner) *Catalog {
	c := &Catalog{partners: make(map[string]Partner, len(partners))}
	for _, p := range partners {
		c.partners[p.Key] = p
	}
	return c
}

func (c *Catalog) Partner(key string) (Partner, bool) {
	p, ok := c.partners[key]
	return p, ok
}

// Partners returns every partner sorted by key.
func (c *Catalog) Partners() []Partner {
	out := make([]Partner, 0, len(c.partners))
	for _, p := range c.partners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AllPartnerAccess returns a partner access map with every partner set.
func (c *Catalog) AllPartnerAccess() map[string]bool {
	access := make(map[string]bool, len(c.partners))
	for key := range c.partners {
		access[key] = true
	}
	return access
}

// LegacyGrant returns the flat credit grant of a legacy product key, or 0
// for an unknown product.
func (c *Catalog) LegacyGrant(product string) int64 {
	switch product {
	case ProductAccessPass:
		return AccessPassCredits
	case ProductCrowbarMaster:
		return CrowbarMasterCredits
	}
	if p, ok := c.partners[product]; ok {
		return p.LegacyGrant
	}
	return 0
}
