package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/shopspring/decimal"
)

const (
	dobLayout         = "2006-01-02"
	sessionIDTemplate = "session_id={CHECKOUT_SESSION_ID}"
)

var (
	ErrUnknownPaymentType      = apperr.New(apperr.KindValidation, "unknown_payment_type", "unknown payment type")
	ErrUnknownTier             = apperr.New(apperr.KindValidation, "unknown_tier", "unknown membership tier")
	ErrUnknownPartner          = apperr.New(apperr.KindValidation, "unknown_partner", "unknown partner")
	ErrUnknownProduct          = apperr.New(apperr.KindValidation, "unknown_product", "unknown product")
	ErrInvalidPassAmount       = apperr.New(apperr.KindValidation, "invalid_pass_amount", "limited pass amount must be 7, 9 or 12 dollars")
	ErrAgeVerificationRequired = apperr.New(apperr.KindValidation, "age_verification_required", "a date of birth showing the minimum age is required for this tier")
	ErrAlreadyLifetime         = apperr.New(apperr.KindConflict, "already_lifetime", "lifetime access is already active")
	ErrSessionIDRequired       = apperr.New(apperr.KindValidation, "session_id_required", "session_id is required")
)

type Config struct {
	SuccessURL string
	CancelURL  string
	SessionTTL time.Duration
	MinimumAge int
}

// Request is a checkout session request. Exactly one of PaymentType or
// ProductType selects what is bought.
type Request struct {
	Email       string                `json:"email"`
	PaymentType billing.PaymentType   `json:"payment_type"`
	Tier        models.MembershipTier `json:"tier"`
	ProductType string                `json:"product_type"`
	Partner     string                `json:"partner"`
	AmountCents int64                 `json:"amount_cents"`
	DOB         string                `json:"dob"`
	Origin      string                `json:"origin"`
	ReturnURL   string                `json:"return_url"`
	LegalAccept bool                  `json:"legal_accept"`
	Flow        string                `json:"-"`
}

type Result struct {
	SessionID   string              `json:"session_id"`
	URL         string              `json:"url"`
	PaymentType billing.PaymentType `json:"payment_type"`
	AmountCents int64               `json:"amount_cents"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

type Service struct {
	credits *credits.Service
	gateway billing.Gateway
	catalog *billing.Catalog
	cfg     Config
}

func NewService(c *credits.Service, gateway billing.Gateway, catalog *billing.Catalog, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.MinimumAge <= 0 {
		cfg.MinimumAge = 18
	}
	return &Service{credits: c, gateway: gateway, catalog: catalog, cfg: cfg}
}

// item is a priced line item plus the metadata that lets the webhook
// reconstruct what was bought.
type item struct {
	name        string
	description string
	productID   string
	amountCents int64
	metadata    map[string]string
}

func (s *Service) CreateSession(ctx context.Context, req Request) (*Result, error) {
	email, err := credits.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	req.Email = email

	it, err := s.price(ctx, req)
	if err != nil {
		return nil, err
	}

	it.metadata[billing.MetaUserEmail] = email
	if req.Origin != "" {
		it.metadata[billing.MetaOrigin] = req.Origin
	}
	if req.ReturnURL != "" {
		it.metadata[billing.MetaReturnURL] = req.ReturnURL
	}
	if req.LegalAccept {
		it.metadata[billing.MetaLegalAccept] = "true"
	}
	if req.Flow != "" {
		it.metadata[billing.MetaFlow] = req.Flow
	}
	it.metadata[billing.MetaPaidAmount] = decimal.New(it.amountCents, -2).StringFixed(2)

	expiresAt := s.credits.Now().Add(s.cfg.SessionTTL)
	session, err := s.gateway.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		Email:       email,
		ProductName: it.name,
		Description: it.description,
		ProductID:   it.productID,
		AmountCents: it.amountCents,
		SuccessURL:  successURL(s.cfg.SuccessURL, req),
		CancelURL:   s.cfg.CancelURL,
		Metadata:    it.metadata,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		SessionID:   session.ID,
		URL:         session.URL,
		PaymentType: billing.PaymentType(it.metadata[billing.MetaPaymentType]),
		AmountCents: it.amountCents,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Service) price(ctx context.Context, req Request) (*item, error) {
	paymentType := req.PaymentType
	if paymentType == "" && req.ProductType != "" {
		paymentType = billing.PaymentLegacy
	}

	switch paymentType {
	case billing.PaymentLifetime:
		tier := billing.GetTier(req.Tier)
		if tier == nil {
			return nil, ErrUnknownTier
		}
		if tier.RequiresAgeCheck {
			if err := s.checkAge(req.DOB); err != nil {
				return nil, err
			}
		}
		return &item{
			name:        tier.DisplayName,
			description: fmt.Sprintf("Lifetime membership with %d credits", tier.Credits),
			productID:   tier.ProductID,
			amountCents: tier.PriceCents,
			metadata: map[string]string{
				billing.MetaPaymentType: string(billing.PaymentLifetime),
				billing.MetaTier:        string(tier.Tier),
			},
		}, nil

	case billing.PaymentLimitedPass:
		partner, ok := s.catalog.Partner(req.Partner)
		if !ok {
			return nil, ErrUnknownPartner
		}
		if !billing.ValidLimitedPassAmount(req.AmountCents) {
			return nil, ErrInvalidPassAmount
		}
		return &item{
			name:        partner.DisplayName + " Limited Pass",
			description: "Limited access to " + partner.DisplayName,
			amountCents: req.AmountCents,
			metadata: map[string]string{
				billing.MetaPaymentType: string(billing.PaymentLimitedPass),
				billing.MetaPartner:     partner.Key,
			},
		}, nil

	case billing.PaymentBalanceUpgrade:
		u, err := s.credits.GetUser(ctx, req.Email)
		if errors.Is(err, credits.ErrUserNotFound) {
			return nil, reconcile.ErrNotLimitedMember
		}
		if err != nil {
			return nil, err
		}
		if u.AccessMode == models.AccessModeLifetime {
			return nil, ErrAlreadyLifetime
		}
		if u.AccessMode != models.AccessModeLimited {
			return nil, reconcile.ErrNotLimitedMember
		}
		if !u.LimitedPaidAmount.IsPositive() || u.LimitedPaidAmount.GreaterThanOrEqual(billing.LifetimeThreshold) {
			return nil, reconcile.ErrNoLimitedProgress
		}
		remaining := billing.LifetimeThreshold.Sub(u.LimitedPaidAmount).Round(2)
		return &item{
			name:        "Lifetime Upgrade",
			description: "Remaining balance to lifetime access",
			amountCents: remaining.Shift(2).IntPart(),
			metadata: map[string]string{
				billing.MetaPaymentType: string(billing.PaymentBalanceUpgrade),
			},
		}, nil

	case billing.PaymentLegacy:
		if req.ProductType != billing.ProductAccessPass {
			return nil, ErrUnknownProduct
		}
		md := map[string]string{
			billing.MetaPaymentType: string(billing.PaymentLegacy),
			billing.MetaProductType: billing.ProductAccessPass,
		}
		if req.Partner != "" {
			if _, ok := s.catalog.Partner(req.Partner); !ok {
				return nil, ErrUnknownPartner
			}
			md[billing.MetaPartner] = req.Partner
		}
		return &item{
			name:        "Access Pass",
			description: "Access to every partner site",
			productID:   billing.AccessPassProductID,
			amountCents: billing.AccessPassPriceCents,
			metadata:    md,
		}, nil
	}
	return nil, ErrUnknownPaymentType
}

func (s *Service) checkAge(dob string) error {
	born, err := time.Parse(dobLayout, strings.TrimSpace(dob))
	if err != nil {
		return ErrAgeVerificationRequired
	}
	now := s.credits.Now()
	if born.AddDate(s.cfg.MinimumAge, 0, 0).After(now) {
		return ErrAgeVerificationRequired
	}
	return nil
}

// Status is what a client polls after returning from the payment page.
type Status struct {
	SessionID     string `json:"session_id"`
	Email         string `json:"email,omitempty"`
	PaymentStatus string `json:"payment_status"`
	Paid          bool   `json:"paid"`
	Reconciled    bool   `json:"reconciled"`
	CreditsGrant  int64  `json:"credits_granted"`
	TotalCredits  int64  `json:"total_credits"`
}

func (s *Service) SessionStatus(ctx context.Context, sessionID string) (*Status, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	session, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.credits.Store().ListSessionEntries(ctx, sessionID)
	if err != nil {
		return nil, apperr.Upstream("failed to load session entries", err)
	}

	status := &Status{
		SessionID:     session.ID,
		PaymentStatus: session.PaymentStatus,
		Paid:          session.Paid(),
		Reconciled:    len(entries) > 0,
	}
	for _, e := range entries {
		status.Email = e.Email
		status.CreditsGrant += e.Delta
	}
	if status.Email != "" {
		if balance, err := s.credits.Balance(ctx, status.Email); err == nil {
			status.TotalCredits = balance
		}
	}
	return status, nil
}

func successURL(base string, req Request) string {
	params := url.Values{}
	if req.Flow != "" {
		params.Set("flow", req.Flow)
	}
	if req.Partner != "" {
		params.Set("partner", req.Partner)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	out := base + sep + sessionIDTemplate
	if encoded := params.Encode(); encoded != "" {
		out += "&" + encoded
	}
	return out
}
