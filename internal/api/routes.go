package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kanbanfeed/crowbar-master-backend/internal/auth"
	"github.com/kanbanfeed/crowbar-master-backend/internal/user"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups everything SetupRoutes mounts. Profile and Verifier are
// optional; without a verifier the profile routes are not served.
type Handlers struct {
	Checkout *CheckoutHandler
	Credits  *CreditsHandler
	Gate     *GateHandler
	Bridge   *BridgeHandler
	Profile  *ProfileHandler
	Users    *user.Service
	Verifier auth.TokenVerifier

	AllowedOrigin string
	Health        func(ctx context.Context) error
}

func SetupRoutes(h Handlers) *mux.Router {
	r := mux.NewRouter()

	r.Use(CORSMiddleware(h.AllowedOrigin))
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.HandleFunc("/health", healthHandler(h.Health)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/checkout/create-session", h.Checkout.CreateSession).Methods("POST", "OPTIONS")
	r.HandleFunc("/checkout/session-status", h.Checkout.SessionStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/payment/webhook", h.Checkout.HandleWebhook).Methods("POST")

	r.HandleFunc("/credits/balance", h.Credits.Balance).Methods("GET", "OPTIONS")
	r.HandleFunc("/credits/history", h.Credits.History).Methods("GET", "OPTIONS")
	r.HandleFunc("/credits/earn", h.Credits.Earn).Methods("POST", "OPTIONS")
	r.HandleFunc("/credits/spend", h.Credits.Spend).Methods("POST", "OPTIONS")
	r.HandleFunc("/credits/apply-referral-code", h.Credits.ApplyReferralCode).Methods("POST", "OPTIONS")
	r.HandleFunc("/credits/referral-code", h.Credits.ReferralCode).Methods("POST", "OPTIONS")

	r.HandleFunc("/gate/start", h.Gate.Start).Methods("POST", "OPTIONS")
	r.HandleFunc("/gate/complete", h.Gate.Complete).Methods("POST", "OPTIONS")

	bridgeRouter := r.PathPrefix("/bridge").Subrouter()
	bridgeRouter.Use(h.Bridge.RequireSecret)
	bridgeRouter.HandleFunc("/sync-login", h.Bridge.SyncLogin).Methods("POST")
	bridgeRouter.HandleFunc("/sync-checkout", h.Bridge.SyncCheckout).Methods("POST")

	if h.Profile != nil && h.Verifier != nil && h.Users != nil {
		profileRouter := r.PathPrefix("/profile").Subrouter()
		profileRouter.Use(auth.NewMiddleware(h.Verifier).RequireAuth)
		profileRouter.Use(user.UserMiddleware(h.Users))
		profileRouter.HandleFunc("", h.Profile.Get).Methods("GET")
		profileRouter.HandleFunc("", h.Profile.Update).Methods("PUT")
		profileRouter.HandleFunc("/kyc-upload-url", h.Profile.KYCUploadURL).Methods("POST")
	}

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "unhealthy", Code: "unhealthy"})
				return
			}
		}
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
