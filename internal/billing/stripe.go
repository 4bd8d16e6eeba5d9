package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

var ErrInvalidSignature = apperr.New(apperr.KindWebhookSignature, "invalid_signature", "webhook signature verification failed")

type StripeGateway struct {
	sc            *stripe.Client
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		sc:            stripe.NewClient(secretKey),
		webhookSecret: webhookSecret,
	}
}

func (b *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	priceData := &stripe.CheckoutSessionCreateLineItemPriceDataParams{
		Currency:   stripe.String(string(stripe.CurrencyUSD)),
		UnitAmount: stripe.Int64(req.AmountCents),
	}
	if req.ProductID != "" {
		priceData.Product = stripe.String(req.ProductID)
	} else {
		priceData.ProductData = &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
			Name:        stripe.String(req.ProductName),
			Description: stripe.String(req.Description),
		}
	}

	params := &stripe.CheckoutSessionCreateParams{
		PaymentMethodTypes: []*string{stripe.String("card")},
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: priceData,
				Quantity:  stripe.Int64(1),
			},
		},
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail: stripe.String(req.Email),
		SuccessURL:    stripe.String(req.SuccessURL),
		CancelURL:     stripe.String(req.CancelURL),
		Metadata:      req.Metadata,
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}

	cs, err := b.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, apperr.Upstream("failed to create checkout session", err)
	}
	return fromStripeSession(cs), nil
}

func (b *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*Session, error) {
	cs, err := b.sc.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, apperr.NotFound(fmt.Sprintf("checkout session %s not found", sessionID))
		}
		return nil, apperr.Upstream("failed to retrieve checkout session", err)
	}
	return fromStripeSession(cs), nil
}

func (b *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, b.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	switch out.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceeded:
		session, err := parseEventData[checkoutSessionPayload](event.Data.Raw)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse checkout session: %v", ErrInvalidSignature, err)
		}
		out.Session = session.toSession()
	}
	return out, nil
}

func fromStripeSession(cs *stripe.CheckoutSession) *Session {
	email := cs.CustomerEmail
	if email == "" && cs.CustomerDetails != nil {
		email = cs.CustomerDetails.Email
	}
	return &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		CustomerEmail: email,
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
		Metadata:      cs.Metadata,
		PaymentStatus: string(cs.PaymentStatus),
	}
}

func parseEventData[T any](raw json.RawMessage) (*T, error) {
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

type checkoutSessionPayload struct {
	ID              string            `json:"id"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (p *checkoutSessionPayload) toSession() *Session {
	email := p.CustomerEmail
	if email == "" && p.CustomerDetails != nil {
		email = p.CustomerDetails.Email
	}
	return &Session{
		ID:            p.ID,
		CustomerEmail: email,
		AmountTotal:   p.AmountTotal,
		Currency:      p.Currency,
		Metadata:      p.Metadata,
		PaymentStatus: p.PaymentStatus,
	}
}
