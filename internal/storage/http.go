package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// SessionReader lists persisted sessions.
type SessionReader interface {
	Recent(ctx context.Context, room string, limit int) ([]Session, error)
}

// HTTPHandler exposes recent sessions for a room as JSON.
type HTTPHandler struct {
	sessions SessionReader
	logger   zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /sessions?room={id}&limit={n}.
func NewHTTPHandler(sessions SessionReader, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{sessions: sessions, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	sessions, err := h.sessions.Recent(r.Context(), room, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room).Msg("list sessions failed")
		http.Error(w, "list sessions failed", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
