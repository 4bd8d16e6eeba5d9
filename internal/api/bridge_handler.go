package api

import (
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/bridge"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
)

const bridgeSecretHeader = "X-Bridge-Secret"

type BridgeHandler struct {
	bridge *bridge.Service
}

func NewBridgeHandler(b *bridge.Service) *BridgeHandler {
	return &BridgeHandler{bridge: b}
}

// RequireSecret rejects partner calls without the shared secret.
func (h *BridgeHandler) RequireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.bridge.Authenticate(r.Header.Get(bridgeSecretHeader)); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *BridgeHandler) SyncLogin(w http.ResponseWriter, r *http.Request) {
	var req bridge.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), req.Email)
	logging.EnrichPartner(r.Context(), req.Partner)

	ent, err := h.bridge.SyncLogin(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ent)
}

func (h *BridgeHandler) SyncCheckout(w http.ResponseWriter, r *http.Request) {
	var req bridge.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), req.Email)
	logging.EnrichPartner(r.Context(), req.Partner)

	out, err := h.bridge.SyncCheckout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichPayment(r.Context(), out.SessionID, "", string(out.PaymentType))
	logging.EnrichOutcome(r.Context(), string(out.Status), out.Delta)
	writeData(w, http.StatusOK, out)
}
