package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/envoyhq/envoy/internal/store"
)

// SessionsHandler exposes session listing, creation, transcript retrieval
// and deletion.
type SessionsHandler struct {
	store *store.Store
}

func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sessions", h.handleList)
	mux.HandleFunc("POST /api/v1/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", h.handleMessages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.handleDelete)
}

func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		slog.Error("list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	// An empty body is a valid request for a fresh session.
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := h.store.GetOrCreateSession(req.ID)
	if err != nil {
		slog.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionsHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetSession(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("get session", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	messages, err := h.store.ListMessages(id)
	if err != nil {
		slog.Error("list messages", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *SessionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteSession(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("delete session", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
