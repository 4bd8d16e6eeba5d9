package billing

import (
	"fmt"
	"strings"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/shopspring/decimal"
)

// Checkout session metadata keys. Metadata is the only channel carrying
// purchase intent from session creation to webhook processing.
const (
	MetaUserEmail   = "user_email"
	MetaPaymentType = "payment_type"
	MetaProductType = "product_type"
	MetaTier        = "tier"
	MetaPartner     = "partner"
	MetaPaidAmount  = "paid_amount"
	MetaOrigin      = "origin"
	MetaReturnURL   = "return_url"
	MetaLegalAccept = "legal_accept"
	MetaFlow        = "flow"
)

type PaymentType string

const (
	PaymentLifetime       PaymentType = "lifetime_purchase"
	PaymentLimitedPass    PaymentType = "limited_pass"
	PaymentBalanceUpgrade PaymentType = "balance_upgrade"
	PaymentLegacy         PaymentType = "legacy"
)

var ErrMalformedMetadata = apperr.New(apperr.KindValidation, "malformed_metadata", "checkout metadata does not describe a known product")

// Mode is the purchase a checkout session pays for. The set of variants is
// closed: LifetimePurchase, LimitedPass, BalanceUpgrade and LegacyProduct.
type Mode interface {
	Type() PaymentType
	// Reason is the ledger reason tag for grants made under this mode.
	Reason() string
	// AllowsZeroDelta reports whether a zero-credit ledger row is still a
	// meaningful record for this mode.
	AllowsZeroDelta() bool
	isMode()
}

type LifetimePurchase struct {
	Tier *TierSpec
}

type LimitedPass struct {
	Partner string
	Amount  decimal.Decimal
}

type BalanceUpgrade struct {
	Amount decimal.Decimal
}

type LegacyProduct struct {
	Product string
	Grant   int64
}

func (LifetimePurchase) Type() PaymentType { return PaymentLifetime }
func (LimitedPass) Type() PaymentType      { return PaymentLimitedPass }
func (BalanceUpgrade) Type() PaymentType   { return PaymentBalanceUpgrade }
func (LegacyProduct) Type() PaymentType    { return PaymentLegacy }

func (m LifetimePurchase) Reason() string {
	return models.ReasonMembershipPrefix + string(m.Tier.Tier)
}

func (m LimitedPass) Reason() string {
	return models.ReasonLimitedPassPrefix + m.Partner
}

func (BalanceUpgrade) Reason() string {
	return models.ReasonBalanceUpgrade
}

func (m LegacyProduct) Reason() string {
	return models.ReasonLegacyPrefix + m.Product
}

func (LifetimePurchase) AllowsZeroDelta() bool { return false }
func (LimitedPass) AllowsZeroDelta() bool      { return true }

// A balance upgrade for a user already holding 49 credits grants nothing
// but still moves the user to lifetime access.
func (BalanceUpgrade) AllowsZeroDelta() bool { return true }
func (LegacyProduct) AllowsZeroDelta() bool  { return false }

func (LifetimePurchase) isMode() {}
func (LimitedPass) isMode()      {}
func (BalanceUpgrade) isMode()   {}
func (LegacyProduct) isMode()    {}

// ParseMode resolves the purchase described by session metadata. paid is
// the amount actually captured.
func (c *Catalog) ParseMode(metadata map[string]string, paid decimal.Decimal) (Mode, error) {
	paymentType := PaymentType(strings.TrimSpace(metadata[MetaPaymentType]))
	switch paymentType {
	case PaymentLifetime:
		tier := GetTier(models.MembershipTier(strings.TrimSpace(metadata[MetaTier])))
		if tier == nil {
			// Money is already captured; fall back rather than fail.
			tier = Tiers[models.TierBasic]
		}
		return LifetimePurchase{Tier: tier}, nil

	case PaymentLimitedPass:
		partner := strings.TrimSpace(metadata[MetaPartner])
		if _, ok := c.Partner(partner); !ok {
			return nil, fmt.Errorf("%w: unknown limited pass partner %q", ErrMalformedMetadata, partner)
		}
		return LimitedPass{Partner: partner, Amount: paid}, nil

	case PaymentBalanceUpgrade:
		return BalanceUpgrade{Amount: paid}, nil

	case "", PaymentLegacy:
		product := strings.TrimSpace(metadata[MetaProductType])
		if product == "" {
			return nil, fmt.Errorf("%w: no payment_type or product_type", ErrMalformedMetadata)
		}
		return LegacyProduct{Product: product, Grant: c.LegacyGrant(product)}, nil
	}

	return nil, fmt.Errorf("%w: unknown payment_type %q", ErrMalformedMetadata, paymentType)
}
