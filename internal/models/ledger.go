package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger reasons that are not derived from a payment mode.
const (
	ReasonAutoUpgradeBonus  = "auto_upgrade_bonus"
	ReasonReferralSignup    = "referral_signup"
	ReasonProfileCompleted  = "profile_completed_bonus"
	ReasonPartnerReward     = "action.rewarded"
	ReasonAPIEarn           = "api.earn"
	ReasonAPISpend          = "api.spend"
	ReasonBalanceUpgrade    = "balance_upgrade"
	ReasonMembershipPrefix  = "membership_purchase_"
	ReasonLimitedPassPrefix = "limited_pass_"
	ReasonLegacyPrefix      = "legacy_"
)

// OriginAccessPass marks credits-history rows produced by an access pass
// purchase. Gate ownership checks look for it.
const OriginAccessPass = "access_pass"

// LedgerEntry is one immutable credit-affecting event.
type LedgerEntry struct {
	ID              uuid.UUID        `json:"id"`
	Email           string           `json:"email"`
	Delta           int64            `json:"delta"`
	Reason          string           `json:"reason"`
	OriginSite      string           `json:"origin_site"`
	StripeEventID   *string          `json:"stripe_event_id,omitempty"`
	StripeSessionID *string          `json:"stripe_session_id,omitempty"`
	IdempotencyKey  *string          `json:"idempotency_key,omitempty"`
	AmountUSD       *decimal.Decimal `json:"amount_usd,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// CreditsHistory is the denormalized reporting copy of a grant.
type CreditsHistory struct {
	ID                 uuid.UUID        `json:"id"`
	Email              string           `json:"email"`
	Credits            int64            `json:"credits"`
	Reason             string           `json:"reason"`
	Origin             string           `json:"origin"`
	StripeSessionID    *string          `json:"stripe_session_id,omitempty"`
	AmountUSD          *decimal.Decimal `json:"amount_usd,omitempty"`
	EligibleGlobalRace bool             `json:"eligible_global_race"`
	LegalAccept        bool             `json:"legal_accept"`
	CreatedAt          time.Time        `json:"created_at"`
}

type Referral struct {
	ID            uuid.UUID `json:"id"`
	ReferrerEmail string    `json:"referrer_email"`
	ReferredEmail string    `json:"referred_email"`
	ReferralCode  string    `json:"referral_code"`
	CreatedAt     time.Time `json:"created_at"`
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
