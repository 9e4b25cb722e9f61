package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/edgard/ledgerchat/internal/chat"
)

type handler struct {
	deps Deps
	log  *slog.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(r.Context()); err != nil {
			h.log.WarnContext(r.Context(), "Health check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.deps.Sessions.Len(),
	})
}

// handleTranscript returns the grouped transcript of a session, waiting for
// its history to load first.
func (h *handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	c, ok := h.open(w, r, r.URL.Query().Get("profile_id"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newTranscriptResponse(c, h.deps.Location))
}

type submitRequest struct {
	Text      string `json:"text"`
	ProfileID string `json:"profile_id"`
}

// handleSubmit runs one turn and answers with the settled transcript.
func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	c, ok := h.open(w, r, payload.ProfileID)
	if !ok {
		return
	}

	err := c.Submit(r.Context(), payload.Text)
	switch {
	case errors.Is(err, chat.ErrTurnInFlight):
		respondError(w, http.StatusConflict, "a turn is already in flight")
		return
	case errors.Is(err, chat.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "text is required")
		return
	case errors.Is(err, chat.ErrSessionClosed):
		respondError(w, http.StatusServiceUnavailable, "session was closed, retry")
		return
	case err != nil:
		h.log.ErrorContext(r.Context(), "Turn failed", "session_id", c.SessionID(), "error", err)
		respondError(w, http.StatusInternalServerError, "turn failed")
		return
	}

	respondJSON(w, http.StatusOK, newTranscriptResponse(c, h.deps.Location))
}

func (h *handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	deleted, err := h.deps.Sessions.Reset(r.Context(), sessionID)
	switch {
	case errors.Is(err, chat.ErrTurnInFlight):
		respondError(w, http.StatusConflict, "a turn is already in flight")
	case err != nil:
		h.log.ErrorContext(r.Context(), "Failed to reset session", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "reset failed")
	default:
		respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "deleted": deleted})
	}
}

// open returns the loaded controller of the request's session. On failure
// the response has been written.
func (h *handler) open(w http.ResponseWriter, r *http.Request, profileID string) (*chat.Controller, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	c, err := h.deps.Sessions.Open(r.Context(), sessionID, profileID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if err := c.WaitLoaded(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "history not loaded")
		return nil, false
	}
	return c, true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
