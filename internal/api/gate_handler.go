package api

import (
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/gate"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
)

type GateHandler struct {
	gate *gate.Service
}

func NewGateHandler(g *gate.Service) *GateHandler {
	return &GateHandler{gate: g}
}

func (h *GateHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req gate.StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), req.Email)
	logging.EnrichPartner(r.Context(), req.Partner)

	res, err := h.gate.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *GateHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req gate.CompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichPartner(r.Context(), req.Partner)

	res, err := h.gate.Complete(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.EnrichUser(r.Context(), res.Email)
	writeData(w, http.StatusOK, res)
}
