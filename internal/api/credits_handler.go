package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var errInvalidLimit = apperr.New(apperr.KindValidation, "invalid_limit", "limit must be a positive integer")

type CreditsHandler struct {
	credits   *credits.Service
	referrals *rules.Referrals
}

func NewCreditsHandler(c *credits.Service, referrals *rules.Referrals) *CreditsHandler {
	return &CreditsHandler{credits: c, referrals: referrals}
}

type balanceResponse struct {
	Email        string `json:"email"`
	TotalCredits int64  `json:"total_credits"`
}

type movementResponse struct {
	Applied      bool  `json:"applied"`
	Delta        int64 `json:"delta"`
	TotalCredits int64 `json:"total_credits"`
}

type applyReferralRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type referralCodeRequest struct {
	Email string `json:"email"`
}

func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	logging.EnrichUser(r.Context(), email)

	total, err := h.credits.Balance(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	normalized, _ := credits.NormalizeEmail(email)
	writeData(w, http.StatusOK, balanceResponse{Email: normalized, TotalCredits: total})
}

func (h *CreditsHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, errInvalidLimit)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.credits.History(r.Context(), r.URL.Query().Get("email"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (h *CreditsHandler) Earn(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.credits.Earn)
}

func (h *CreditsHandler) Spend(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.credits.Spend)
}

func (h *CreditsHandler) move(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, m credits.Movement) (*credits.GrantResult, error)) {
	var m credits.Movement
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), m.Email)

	res, err := apply(r.Context(), m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := movementResponse{Applied: res.Applied, TotalCredits: res.TotalCredits}
	if res.Entry != nil {
		out.Delta = res.Entry.Delta
	}
	writeData(w, http.StatusOK, out)
}

func (h *CreditsHandler) ApplyReferralCode(w http.ResponseWriter, r *http.Request) {
	var req applyReferralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), req.Email)

	res, err := h.referrals.Apply(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *CreditsHandler) ReferralCode(w http.ResponseWriter, r *http.Request) {
	var req referralCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	email, err := credits.NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code, err := h.referrals.EnsureCode(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"email": email, "referral_code": code})
}
