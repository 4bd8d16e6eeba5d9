// Package bridge lets a partner backend report logins and off-platform
// purchases. Reported purchases go through the same reconciliation engine
// as Stripe checkouts, keyed by a synthetic session id.
package bridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
	"github.com/rs/zerolog/log"
)

const sessionPrefix = "bridge_"

var (
	ErrUnauthorized       = apperr.New(apperr.KindUnauthorized, "invalid_bridge_secret", "invalid bridge secret")
	ErrUnknownPartner     = apperr.New(apperr.KindValidation, "unknown_partner", "unknown partner")
	ErrExternalIDRequired = apperr.New(apperr.KindValidation, "external_id_required", "external_id is required")
	ErrInvalidAmount      = apperr.New(apperr.KindValidation, "invalid_amount", "amount_cents must not be negative")
	ErrInvalidPassAmount  = apperr.New(apperr.KindValidation, "invalid_pass_amount", "limited pass amount_cents must be 700, 900 or 1200")
)

type LoginRequest struct {
	Email   string `json:"email"`
	Partner string `json:"partner"`
}

// Entitlements is what a partner site needs to decide what a user may see.
type Entitlements struct {
	Email          string                `json:"email"`
	TotalCredits   int64                 `json:"total_credits"`
	MembershipTier models.MembershipTier `json:"membership_tier"`
	AccessMode     models.AccessMode     `json:"access_mode"`
	CrowbarAccess  bool                  `json:"crowbar_access"`
	FullAccess     bool                  `json:"full_access"`
	PartnerAccess  bool                  `json:"partner_access"`
	HasAccessPass  bool                  `json:"has_access_pass"`
	ReferralCode   string                `json:"referral_code,omitempty"`
}

// CheckoutRequest describes a purchase completed on the partner's own
// payment page. The metadata fields mirror what a Stripe checkout carries.
type CheckoutRequest struct {
	Partner     string                `json:"partner"`
	ExternalID  string                `json:"external_id"`
	Email       string                `json:"email"`
	AmountCents int64                 `json:"amount_cents"`
	PaymentType billing.PaymentType   `json:"payment_type"`
	Tier        models.MembershipTier `json:"tier"`
	ProductType string                `json:"product_type"`
	LegalAccept bool                  `json:"legal_accept"`
}

type Service struct {
	secret    string
	credits   *credits.Service
	engine    *reconcile.Engine
	referrals *rules.Referrals
	catalog   *billing.Catalog
}

func NewService(secret string, c *credits.Service, engine *reconcile.Engine, catalog *billing.Catalog) *Service {
	return &Service{
		secret:    secret,
		credits:   c,
		engine:    engine,
		referrals: rules.NewReferrals(c),
		catalog:   catalog,
	}
}

// Authenticate checks the shared secret. An unconfigured secret rejects
// every caller.
func (s *Service) Authenticate(provided string) error {
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) SyncLogin(ctx context.Context, req LoginRequest) (*Entitlements, error) {
	email, err := credits.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	partner := strings.TrimSpace(req.Partner)
	if partner != "" {
		if _, ok := s.catalog.Partner(partner); !ok {
			return nil, ErrUnknownPartner
		}
	}

	if _, err := s.credits.EnsureUser(ctx, email); err != nil {
		return nil, err
	}
	code, err := s.referrals.EnsureCode(ctx, email)
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("Failed to issue referral code on bridge login")
	}

	ent, err := s.entitlements(ctx, email, partner)
	if err != nil {
		return nil, err
	}
	ent.ReferralCode = code
	log.Info().Str("email", email).Str("partner", partner).Msg("Bridge login synced")
	return ent, nil
}

// SyncCheckout reconciles an off-platform purchase. Reporting the same
// external id twice is a no-op.
func (s *Service) SyncCheckout(ctx context.Context, req CheckoutRequest) (*reconcile.Outcome, error) {
	partner, ok := s.catalog.Partner(strings.TrimSpace(req.Partner))
	if !ok {
		return nil, ErrUnknownPartner
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return nil, ErrExternalIDRequired
	}
	if req.AmountCents < 0 {
		return nil, ErrInvalidAmount
	}
	if req.PaymentType == billing.PaymentLimitedPass && !billing.ValidLimitedPassAmount(req.AmountCents) {
		return nil, ErrInvalidPassAmount
	}
	email, err := credits.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		billing.MetaUserEmail: email,
		billing.MetaOrigin:    partner.Key,
		billing.MetaFlow:      "bridge",
	}
	if req.PaymentType != "" {
		metadata[billing.MetaPaymentType] = string(req.PaymentType)
	}
	if req.Tier != "" {
		metadata[billing.MetaTier] = string(req.Tier)
	}
	if req.ProductType != "" {
		metadata[billing.MetaProductType] = req.ProductType
	}
	if req.PaymentType == billing.PaymentLimitedPass {
		metadata[billing.MetaPartner] = partner.Key
	}
	if req.LegalAccept {
		metadata[billing.MetaLegalAccept] = "true"
	}

	session := billing.Session{
		ID:            SessionID(partner.Key, externalID),
		CustomerEmail: email,
		AmountTotal:   req.AmountCents,
		Currency:      billing.CurrencyUSD,
		Metadata:      metadata,
		PaymentStatus: billing.PaymentStatusPaid,
	}
	return s.engine.ProcessSession(ctx, session, "")
}

// SessionID is the synthetic checkout session id for a partner purchase.
func SessionID(partner, externalID string) string {
	return fmt.Sprintf("%s%s_%s", sessionPrefix, partner, externalID)
}

func (s *Service) entitlements(ctx context.Context, email, partner string) (*Entitlements, error) {
	u, err := s.credits.GetUser(ctx, email)
	if err != nil {
		return nil, err
	}
	pass, err := s.credits.Store().HasAccessPass(ctx, email)
	if err != nil {
		return nil, apperr.Upstream("failed to check access pass", err)
	}
	return &Entitlements{
		Email:          u.Email,
		TotalCredits:   u.TotalCredits,
		MembershipTier: u.MembershipTier,
		AccessMode:     u.AccessMode,
		CrowbarAccess:  u.CrowbarAccess,
		FullAccess:     u.FullAccess,
		PartnerAccess:  partner != "" && u.PartnerAccess[partner],
		HasAccessPass:  pass,
	}, nil
}
