package api

import (
	"io"
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/checkout"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
	"github.com/kanbanfeed/crowbar-master-backend/internal/metrics"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/rs/zerolog/log"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBytes       = 64 << 10
)

type CheckoutHandler struct {
	checkout   *checkout.Service
	gateway    billing.Gateway
	dispatcher reconcile.Dispatcher
}

func NewCheckoutHandler(co *checkout.Service, gateway billing.Gateway, dispatcher reconcile.Dispatcher) *CheckoutHandler {
	return &CheckoutHandler{checkout: co, gateway: gateway, dispatcher: dispatcher}
}

func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), req.Email)

	res, err := h.checkout.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichPayment(r.Context(), res.SessionID, "", string(res.PaymentType))
	writeData(w, http.StatusOK, res)
}

func (h *CheckoutHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.checkout.SessionStatus(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// HandleWebhook verifies the event and hands checkout sessions to the
// dispatcher. The response never waits for reconciliation.
func (h *CheckoutHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "unreadable").Inc()
		writeError(w, r, apperr.Wrap(errInvalidBody.Kind, errInvalidBody.Code, errInvalidBody.Message, err))
		return
	}

	event, err := h.gateway.ParseWebhook(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		log.Warn().Err(err).Msg("Webhook signature verification failed")
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		writeError(w, r, err)
		return
	}

	if event.Session == nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		writeData(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}
	logging.EnrichPayment(r.Context(), event.Session.ID, event.ID, event.Session.Metadata[billing.MetaPaymentType])

	job := reconcile.Job{EventID: event.ID, EventType: event.Type, Session: *event.Session}
	if err := h.dispatcher.Dispatch(r.Context(), job); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "dispatch_failed").Inc()
		writeError(w, r, apperr.Upstream("failed to queue reconciliation", err))
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(event.Type, "accepted").Inc()
	writeData(w, http.StatusAccepted, map[string]any{"received": true})
}
