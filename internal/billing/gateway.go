package billing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"

	CurrencyUSD = "usd"

	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// Session is the gateway-neutral view of a checkout session.
type Session struct {
	ID            string            `json:"id"`
	URL           string            `json:"url,omitempty"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	PaymentStatus string            `json:"payment_status"`
}

func (s *Session) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// IsUSD reports whether the session was charged in dollars. AmountUSD is
// only meaningful when it is.
func (s *Session) IsUSD() bool {
	return strings.EqualFold(s.Currency, CurrencyUSD)
}

// AmountUSD converts the minor-unit amount into dollars.
func (s *Session) AmountUSD() decimal.Decimal {
	return decimal.New(s.AmountTotal, -2)
}

// Event is a verified gateway event. Session is set for checkout session
// events only.
type Event struct {
	ID      string
	Type    string
	Session *Session
}

type CheckoutRequest struct {
	Email       string
	ProductName string
	Description string
	ProductID   string
	AmountCents int64
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
	ExpiresAt   time.Time
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*Session, error)
	// ParseWebhook verifies the signature and parses the event. It returns
	// ErrInvalidSignature when the payload cannot be trusted.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
