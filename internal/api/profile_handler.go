package api

import (
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/user"
)

type ProfileHandler struct {
	users *user.Service
}

func NewProfileHandler(users *user.Service) *ProfileHandler {
	return &ProfileHandler{users: users}
}

type uploadURLRequest struct {
	Document    string `json:"document"`
	ContentType string `json:"content_type"`
}

func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	dbUser, ok := user.GetDBUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}
	profile, err := h.users.GetProfile(r.Context(), dbUser.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	dbUser, ok := user.GetDBUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}
	var upd user.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	profile, err := h.users.UpdateProfile(r.Context(), dbUser.Email, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (h *ProfileHandler) KYCUploadURL(w http.ResponseWriter, r *http.Request) {
	dbUser, ok := user.GetDBUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}
	var req uploadURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.users.KYCUploadURL(r.Context(), dbUser.Email, req.Document, req.ContentType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}
