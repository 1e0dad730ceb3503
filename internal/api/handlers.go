// Package api serves the small REST surface next to the WebSocket endpoint:
// the caller's profile, conversation history and stored attachments.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
)

// IdentityResolver extracts the caller's identity from a request.
type IdentityResolver interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

// Handler holds the REST collaborators.
type Handler struct {
	identity IdentityResolver
	history  chat.HistoryStore
	uploads  http.Handler
	origin   string
}

// NewHandler creates a Handler. uploads may be nil to disable attachment
// downloads. origin, if set, is allowed to call the API with credentials.
func NewHandler(identity IdentityResolver, history chat.HistoryStore, uploads http.Handler, origin string) *Handler {
	return &Handler{identity: identity, history: history, uploads: uploads, origin: origin}
}

// Mux is the subset of *http.ServeMux the handler registers on.
type Mux interface {
	Handle(pattern string, h http.Handler)
}

// Register mounts every route on mux.
func (h *Handler) Register(mux Mux) {
	mux.Handle("GET /api/profile", h.cors(http.HandlerFunc(h.profile)))
	mux.Handle("GET /api/messages/{userId}", h.cors(http.HandlerFunc(h.messages)))
	if h.uploads != nil {
		mux.Handle("GET /api/uploads/", h.cors(http.StripPrefix("/api/uploads", h.uploads)))
	}
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// messages returns the conversation between the caller and {userId},
// oldest first.
func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	other := r.PathValue("userId")
	if other == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	msgs, err := h.history.Query(r.Context(), id.UserID, other)
	if err != nil {
		log.Printf("api: history user=%s other=%s: %v", id.UserID, other, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := h.identity.FromRequest(r)
	switch {
	case err == nil:
		return id, true
	case errors.Is(err, auth.ErrMissingToken):
		writeError(w, http.StatusUnauthorized, "no token")
	case auth.IsAuthFailure(err):
		writeError(w, http.StatusUnauthorized, "invalid token")
	default:
		log.Printf("api: resolve identity: %v", err)
		writeError(w, http.StatusInternalServerError, "identity unavailable")
	}
	return auth.Identity{}, false
}

func (h *Handler) cors(next http.Handler) http.Handler {
	if h.origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
