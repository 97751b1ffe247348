package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/envoyhq/envoy/internal/store"
)

// ChatHandler runs one synchronous agent turn per request. Incremental
// output streams over the events endpoint; the response carries the final
// text.
type ChatHandler struct {
	store   *store.Store
	runner  TurnRunner
	limiter *sessionLimiter
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sess, err := h.store.GetOrCreateSession(req.SessionID)
	if err != nil {
		slog.Error("chat: session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	if h.limiter != nil && !h.limiter.allow(sess.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	history := h.store.GetConversationState(sess.ID)
	text, messages, err := h.runner.ProcessTurn(r.Context(), sess.ID, req.Message, history)
	if err != nil {
		slog.Error("chat: turn failed", "session", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}

	// Persist the completed turn: full structured state, the two transcript
	// rows, and the auto-title. State goes first so a partial failure never
	// leaves a transcript ahead of the replay log.
	if err := h.store.SetConversationState(sess.ID, messages); err != nil {
		slog.Error("chat: persist state", "session", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist conversation")
		return
	}
	if _, err := h.store.AddMessage(sess.ID, "user", req.Message); err != nil {
		slog.Warn("chat: transcript user row", "session", sess.ID, "error", err)
	}
	if _, err := h.store.AddMessage(sess.ID, "assistant", text); err != nil {
		slog.Warn("chat: transcript assistant row", "session", sess.ID, "error", err)
	}
	if err := h.store.SetTitleFromFirstMessage(sess.ID, req.Message); err != nil {
		slog.Warn("chat: auto-title", "session", sess.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sess.ID,
		"message":   text,
	})
}

// sessionLimiter holds one token bucket per session.
type sessionLimiter struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*rate.Limiter
}

func newSessionLimiter(rpm int) *sessionLimiter {
	if rpm <= 0 {
		return nil
	}
	return &sessionLimiter{
		rpm:      rpm,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *sessionLimiter) allow(sessionID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
