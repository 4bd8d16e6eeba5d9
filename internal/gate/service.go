// Package gate implements the two-phase partner unlock: start checks for an
// access pass and either rewards the visit or sends the user to checkout,
// complete finishes a paid checkout and rewards the visit.
package gate

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/checkout"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
)

const (
	flowGate = "gate"

	ActionRedirect = "redirect"
	ActionCheckout = "checkout"
)

var (
	ErrLegalAcceptanceRequired = apperr.New(apperr.KindValidation, "legal_acceptance_required", "legal terms must be accepted before purchase")
	ErrUnknownPartner          = apperr.New(apperr.KindValidation, "unknown_partner", "unknown partner")
	ErrSessionNotPaid          = apperr.New(apperr.KindValidation, "session_not_paid", "checkout session is not paid")
	ErrAccessPassRequired      = apperr.New(apperr.KindValidation, "access_pass_required", "no access pass found for this email")
	ErrCompletionInput         = apperr.New(apperr.KindValidation, "completion_input_required", "session_id or email and partner are required")
)

type StartRequest struct {
	Email       string `json:"email"`
	Partner     string `json:"partner"`
	LegalAccept bool   `json:"legal_accept"`
	ReturnURL   string `json:"return_url"`
}

type CompleteRequest struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	Partner   string `json:"partner"`
	ReturnURL string `json:"return_url"`
}

type Result struct {
	Action        string `json:"action"`
	Email         string `json:"email"`
	Partner       string `json:"partner"`
	Awarded       bool   `json:"awarded"`
	RewardCredits int64  `json:"reward_credits"`
	TotalCredits  int64  `json:"total_credits"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

type Service struct {
	credits  *credits.Service
	checkout *checkout.Service
	engine   *reconcile.Engine
	gateway  billing.Gateway
	catalog  *billing.Catalog
}

func NewService(c *credits.Service, co *checkout.Service, engine *reconcile.Engine, gateway billing.Gateway, catalog *billing.Catalog) *Service {
	return &Service{credits: c, checkout: co, engine: engine, gateway: gateway, catalog: catalog}
}

func (s *Service) Start(ctx context.Context, req StartRequest) (*Result, error) {
	email, err := credits.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	partner, ok := s.catalog.Partner(strings.TrimSpace(req.Partner))
	if !ok {
		return nil, ErrUnknownPartner
	}

	owns, err := s.credits.Store().HasAccessPass(ctx, email)
	if err != nil {
		return nil, apperr.Upstream("failed to check access pass", err)
	}
	if owns {
		return s.reward(ctx, email, partner, req.ReturnURL)
	}

	if !req.LegalAccept {
		return nil, ErrLegalAcceptanceRequired
	}
	session, err := s.checkout.CreateSession(ctx, checkout.Request{
		Email:       email,
		ProductType: billing.ProductAccessPass,
		Partner:     partner.Key,
		Origin:      partner.Key,
		ReturnURL:   req.ReturnURL,
		LegalAccept: true,
		Flow:        flowGate,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Action:      ActionCheckout,
		Email:       email,
		Partner:     partner.Key,
		CheckoutURL: session.URL,
		SessionID:   session.SessionID,
	}, nil
}

// Complete finishes the flow. With a session id the payment is verified
// and reconciled first; without one the caller must already own a pass.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*Result, error) {
	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		return s.completeSession(ctx, sessionID, req)
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Partner) == "" {
		return nil, ErrCompletionInput
	}

	email, err := credits.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	partner, ok := s.catalog.Partner(strings.TrimSpace(req.Partner))
	if !ok {
		return nil, ErrUnknownPartner
	}
	owns, err := s.credits.Store().HasAccessPass(ctx, email)
	if err != nil {
		return nil, apperr.Upstream("failed to check access pass", err)
	}
	if !owns {
		return nil, ErrAccessPassRequired
	}
	return s.reward(ctx, email, partner, req.ReturnURL)
}

func (s *Service) completeSession(ctx context.Context, sessionID string, req CompleteRequest) (*Result, error) {
	session, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Paid() {
		return nil, ErrSessionNotPaid
	}

	out, err := s.engine.ProcessSession(ctx, *session, "")
	if err != nil {
		return nil, err
	}

	partnerKey := firstNonEmpty(session.Metadata[billing.MetaPartner], session.Metadata[billing.MetaOrigin], req.Partner)
	partner, ok := s.catalog.Partner(partnerKey)
	if !ok {
		return nil, ErrUnknownPartner
	}
	res, err := s.reward(ctx, out.Email, partner, firstNonEmpty(session.Metadata[billing.MetaReturnURL], req.ReturnURL))
	if err != nil {
		return nil, err
	}
	res.SessionID = session.ID
	return res, nil
}

// reward grants the partner's daily reward at most once per UTC day and
// resolves where to send the user.
func (s *Service) reward(ctx context.Context, email string, partner billing.Partner, returnURL string) (*Result, error) {
	day := s.credits.Now().UTC().Format("2006-01-02")
	result := &Result{
		Action:      ActionRedirect,
		Email:       email,
		Partner:     partner.Key,
		RedirectURL: resolveRedirect(partner, returnURL),
	}

	if partner.DailyReward > 0 {
		grant, err := s.credits.Grant(ctx, credits.Grant{
			Email:          email,
			Delta:          partner.DailyReward,
			Reason:         models.ReasonPartnerReward,
			Origin:         partner.Key,
			IdempotencyKey: fmt.Sprintf("gate:%s:%s:%s", partner.Key, email, day),
		})
		if err != nil {
			return nil, err
		}
		result.Awarded = grant.Applied
		result.TotalCredits = grant.TotalCredits
		if grant.Applied {
			result.RewardCredits = partner.DailyReward
			logger.Log.Info("partner reward granted", "email", email, "partner", partner.Key, "day", day)
		}
		return result, nil
	}

	balance, err := s.credits.Balance(ctx, email)
	if err != nil {
		return nil, err
	}
	result.TotalCredits = balance
	return result, nil
}

// resolveRedirect prefers the caller's return URL when it points at the
// partner's own host and falls back to the configured partner URL.
func resolveRedirect(partner billing.Partner, returnURL string) string {
	returnURL = strings.TrimSpace(returnURL)
	if returnURL == "" {
		return partner.RedirectURL
	}
	want, err := url.Parse(partner.RedirectURL)
	if err != nil || want.Host == "" {
		return partner.RedirectURL
	}
	got, err := url.Parse(returnURL)
	if err != nil || !strings.EqualFold(got.Host, want.Host) || (got.Scheme != "https" && got.Scheme != want.Scheme) {
		return partner.RedirectURL
	}
	return returnURL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
