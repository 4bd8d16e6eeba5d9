package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/kanbanfeed/crowbar-master-backend/internal/notify"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultOrigin     = "crowbar"
	originMembership  = "membership"
	checkoutKeyPrefix = "checkout:"
)

var (
	ErrMissingIdentity     = apperr.New(apperr.KindValidation, "missing_identity", "checkout session carries no user email")
	ErrUnsupportedCurrency = apperr.New(apperr.KindValidation, "unsupported_currency", "checkout session is not charged in usd")
)

var tracer = otel.Tracer("github.com/kanbanfeed/crowbar-master-backend/internal/reconcile")

// errSkip rolls back the planning transaction when a session produces
// nothing worth recording.
var errSkip = errors.New("nothing to record")

type Status string

const (
	StatusProcessed        Status = "processed"
	StatusAlreadyProcessed Status = "already_processed"
	StatusSkipped          Status = "skipped"
)

// Outcome is the result of reconciling one checkout session.
type Outcome struct {
	Status               Status              `json:"status"`
	Email                string              `json:"email,omitempty"`
	SessionID            string              `json:"session_id"`
	EventID              string              `json:"event_id,omitempty"`
	PaymentType          billing.PaymentType `json:"payment_type,omitempty"`
	Reason               string              `json:"reason,omitempty"`
	Delta                int64               `json:"delta"`
	TotalCredits         int64               `json:"total_credits"`
	AmountUSD            decimal.Decimal     `json:"amount_usd"`
	UpgradeBalanceAmount *decimal.Decimal    `json:"upgrade_balance_amount,omitempty"`
	AutoUpgraded         bool                `json:"auto_upgraded"`
	SkipReason           string              `json:"skip_reason,omitempty"`
}

// Sender delivers balance notifications without blocking the caller.
type Sender interface {
	Send(event notify.BalanceChanged)
}

type Engine struct {
	credits     *credits.Service
	catalog     *billing.Catalog
	autoUpgrade *rules.AutoUpgrade
	referrals   *rules.Referrals
	sender      Sender
}

func NewEngine(c *credits.Service, catalog *billing.Catalog, sender Sender) *Engine {
	return &Engine{
		credits:     c,
		catalog:     catalog,
		autoUpgrade: rules.NewAutoUpgrade(c),
		referrals:   rules.NewReferrals(c),
		sender:      sender,
	}
}

// ProcessSession applies a paid checkout session to the ledger and the
// user's balance exactly once. eventID may be empty when the session did
// not arrive through a webhook.
func (e *Engine) ProcessSession(ctx context.Context, session billing.Session, eventID string) (out *Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.ProcessSession")
	defer span.End()
	start := time.Now()

	out = &Outcome{SessionID: session.ID, EventID: eventID, AmountUSD: session.AmountUSD()}
	defer func() {
		outcome := string(out.Status)
		if err != nil {
			outcome = string(apperr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		paymentType := string(out.PaymentType)
		if paymentType == "" {
			paymentType = "unknown"
		}
		span.SetAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("event.id", eventID),
			attribute.String("payment.type", paymentType),
			attribute.String("outcome", outcome),
		)
		metrics.ReconciliationsTotal.WithLabelValues(paymentType, outcome).Inc()
		metrics.ReconciliationDuration.WithLabelValues(paymentType).Observe(time.Since(start).Seconds())
	}()

	email := resolveEmail(session)
	if email == "" {
		return out, ErrMissingIdentity
	}
	out.Email = email

	if !session.Paid() {
		out.Status = StatusSkipped
		out.SkipReason = "payment_status_" + session.PaymentStatus
		return out, nil
	}
	if !session.IsUSD() {
		logger.Log.Warn("checkout session rejected", "session_id", session.ID, "currency", session.Currency)
		return out, ErrUnsupportedCurrency
	}

	paid := session.AmountUSD()
	mode, err := e.catalog.ParseMode(session.Metadata, paid)
	if err != nil {
		return out, err
	}
	out.PaymentType = mode.Type()
	out.Reason = mode.Reason()

	done, err := alreadyProcessed(ctx, e.credits.Store(), session.ID, eventID)
	if err != nil {
		return out, err
	}
	if done {
		out.Status = StatusAlreadyProcessed
		return out, nil
	}

	var applied *plan
	err = e.credits.RunInTx(ctx, func(ctx context.Context, tx *credits.Service) error {
		u, err := tx.Store().LockUser(ctx, email)
		if err != nil {
			return apperr.Upstream("failed to lock user", err)
		}
		// A concurrent delivery may have committed while this one waited
		// for the row lock.
		if done, err := alreadyProcessed(ctx, tx.Store(), session.ID, eventID); err != nil {
			return err
		} else if done {
			return store.ErrDuplicate
		}
		p, err := e.planFor(mode, u, paid)
		if err != nil {
			return err
		}
		if p.delta <= 0 && !mode.AllowsZeroDelta() {
			return errSkip
		}

		total, err := tx.Record(ctx, &models.LedgerEntry{
			Email:           email,
			Delta:           p.delta,
			Reason:          mode.Reason(),
			OriginSite:      ledgerOrigin(session.Metadata),
			StripeEventID:   models.StringPtr(eventID),
			StripeSessionID: models.StringPtr(session.ID),
			IdempotencyKey:  models.StringPtr(checkoutKeyPrefix + session.ID),
			AmountUSD:       models.DecimalPtr(paid),
		})
		if err != nil {
			return err
		}
		out.TotalCredits = total

		if paid.IsPositive() {
			if _, err := tx.BumpSpend(ctx, email, paid); err != nil {
				return err
			}
		}
		if !p.patch.Empty() {
			if err := tx.Store().UpdateUser(ctx, email, p.patch); err != nil {
				return apperr.Upstream("failed to update access", err)
			}
		}
		applied = p
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
		out.Status = StatusSkipped
		out.SkipReason = "zero_delta"
		logger.Log.Warn("checkout session skipped", "session_id", session.ID, "reason", mode.Reason())
		return out, nil
	case errors.Is(err, store.ErrDuplicate):
		out.Status = StatusAlreadyProcessed
		return out, nil
	case err != nil:
		return out, err
	}

	out.Status = StatusProcessed
	out.Delta = applied.delta
	out.UpgradeBalanceAmount = applied.upgradeBalanceAmount

	e.writeHistory(ctx, email, mode, session, applied.delta)
	e.applyRules(ctx, out)
	e.notify(out)

	logger.Log.Info("checkout session reconciled",
		"session_id", session.ID,
		"event_id", eventID,
		"email", email,
		"payment_type", out.PaymentType,
		"delta", out.Delta,
		"total_credits", out.TotalCredits,
	)
	return out, nil
}

// alreadyProcessed matches the event id, a credited row for the session, or
// the session's checkout key. Zero-delta modes only leave the key behind.
func alreadyProcessed(ctx context.Context, s store.Store, sessionID, eventID string) (bool, error) {
	if eventID != "" {
		seen, err := s.HasEventEntry(ctx, eventID)
		if err != nil {
			return false, apperr.Upstream("failed to check event", err)
		}
		if seen {
			return true, nil
		}
	}
	credited, err := s.HasCreditedSession(ctx, sessionID)
	if err != nil {
		return false, apperr.Upstream("failed to check session", err)
	}
	if credited {
		return true, nil
	}
	keyed, err := s.HasIdempotencyKey(ctx, checkoutKeyPrefix+sessionID)
	if err != nil {
		return false, apperr.Upstream("failed to check session key", err)
	}
	return keyed, nil
}

// writeHistory records the reporting copy. It is best-effort.
func (e *Engine) writeHistory(ctx context.Context, email string, mode billing.Mode, session billing.Session, delta int64) {
	paid := session.AmountUSD()
	row := &models.CreditsHistory{
		Email:              email,
		Credits:            delta,
		Reason:             mode.Reason(),
		Origin:             historyOrigin(mode),
		StripeSessionID:    models.StringPtr(session.ID),
		AmountUSD:          models.DecimalPtr(paid),
		EligibleGlobalRace: paid.IsPositive(),
		LegalAccept:        strings.EqualFold(session.Metadata[billing.MetaLegalAccept], "true"),
		CreatedAt:          e.credits.Now(),
	}
	if err := e.credits.Store().InsertHistory(ctx, row); err != nil {
		logger.Log.Error("failed to write credits history", "session_id", session.ID, "error", err)
	}
}

// applyRules runs the derived rules. Their failures are logged; the
// purchase itself is already committed.
func (e *Engine) applyRules(ctx context.Context, out *Outcome) {
	res, err := e.autoUpgrade.Evaluate(ctx, out.Email)
	if err != nil {
		logger.Log.Error("auto upgrade evaluation failed", "email", out.Email, "error", err)
	} else {
		out.AutoUpgraded = res.Granted
	}

	if _, err := e.referrals.EnsureCode(ctx, out.Email); err != nil {
		logger.Log.Error("referral code issuance failed", "email", out.Email, "error", err)
	}

	if u, err := e.credits.Store().GetUser(ctx, out.Email); err == nil {
		out.TotalCredits = u.TotalCredits
	}
}

func (e *Engine) notify(out *Outcome) {
	if e.sender == nil {
		return
	}
	e.sender.Send(notify.BalanceChanged{
		Email:        out.Email,
		SessionID:    out.SessionID,
		Reason:       out.Reason,
		Delta:        out.Delta,
		TotalCredits: out.TotalCredits,
		OccurredAt:   e.credits.Now(),
	})
}

func resolveEmail(session billing.Session) string {
	if email := models.NormalizeEmail(session.Metadata[billing.MetaUserEmail]); email != "" {
		return email
	}
	return models.NormalizeEmail(session.CustomerEmail)
}

func ledgerOrigin(metadata map[string]string) string {
	if origin := strings.TrimSpace(metadata[billing.MetaOrigin]); origin != "" {
		return origin
	}
	return defaultOrigin
}

func historyOrigin(mode billing.Mode) string {
	switch m := mode.(type) {
	case billing.LifetimePurchase:
		return originMembership
	case billing.LimitedPass:
		return m.Partner
	case billing.BalanceUpgrade:
		return string(billing.PaymentBalanceUpgrade)
	case billing.LegacyProduct:
		return m.Product
	}
	return defaultOrigin
}
