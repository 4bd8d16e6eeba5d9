// Package billingtest provides an in-memory billing.Gateway for tests.
package billingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
)

// ValidSignature is the only signature FakeGateway accepts.
const ValidSignature = "t=1,v1=valid"

type FakeGateway struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*billing.Session

	Requests  []billing.CheckoutRequest
	CreateErr error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{sessions: make(map[string]*billing.Session)}
}

func (f *FakeGateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("cs_test_%d", f.seq)
	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	s := &billing.Session{
		ID:            id,
		URL:           "https://checkout.example.com/pay/" + id,
		CustomerEmail: req.Email,
		AmountTotal:   req.AmountCents,
		Currency:      "usd",
		Metadata:      metadata,
		PaymentStatus: billing.PaymentStatusUnpaid,
	}
	f.sessions[id] = s
	f.Requests = append(f.Requests, req)
	c := *s
	return &c, nil
}

func (f *FakeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*billing.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("checkout session %s not found", sessionID))
	}
	c := *s
	return &c, nil
}

// PutSession stores s as if the gateway had created it.
func (f *FakeGateway) PutSession(s *billing.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *s
	f.sessions[s.ID] = &c
}

// MarkPaid flips a stored session to paid.
func (f *FakeGateway) MarkPaid(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.PaymentStatus = billing.PaymentStatusPaid
	}
}

func (f *FakeGateway) ParseWebhook(payload []byte, signature string) (*billing.Event, error) {
	if signature != ValidSignature {
		return nil, fmt.Errorf("%w: bad signature", billing.ErrInvalidSignature)
	}
	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object *billing.Session `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}
	return &billing.Event{ID: raw.ID, Type: raw.Type, Session: raw.Data.Object}, nil
}

// EventPayload builds a webhook body FakeGateway.ParseWebhook understands.
func EventPayload(eventID, eventType string, s *billing.Session) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": s},
	})
	return b
}
