package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/isdelr/secretboard/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 100
)

// APIHandler serves the JSON API under /api/v1.
type APIHandler struct {
	users  services.UserServiceProvider
	events services.EventServiceProvider
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(users services.UserServiceProvider, events services.EventServiceProvider) *APIHandler {
	return &APIHandler{users: users, events: events}
}

// MeResponse is the public view of the signed-in user.
type MeResponse struct {
	ID        string    `json:"id"`
	Username  *string   `json:"username,omitempty"`
	Provider  *string   `json:"provider,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SecretsResponse lists the board.
type SecretsResponse struct {
	Secrets []models.SecretEntry `json:"secrets"`
}

// RequireUser answers 401 for anonymous callers and 500 when the session
// user could not be loaded.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := session.UserFromContext(r.Context()); !ok {
			if session.ResolveError(r.Context()) != nil {
				writeJSONError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
				return
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetMe returns the signed-in user.
func (h *APIHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := session.UserFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		ID:        user.ID,
		Username:  user.Username,
		Provider:  user.Provider,
		CreatedAt: user.CreatedAt,
	})
}

// GetSecrets returns the board as JSON with an ETag over the body.
func (h *APIHandler) GetSecrets(w http.ResponseWriter, r *http.Request) {
	entries, err := h.users.ListSecrets(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list secrets")
		writeJSONError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
		return
	}
	body, err := json.Marshal(SecretsResponse{Secrets: entries})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode secrets")
		writeJSONError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// etagMatches applies the weak comparison of If-None-Match against etag.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// GetRecentEvents returns the caller's recent audit events.
func (h *APIHandler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := session.UserFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultEventLimit // Default limit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := h.events.GetRecentEvents(r.Context(), user.ID, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to retrieve events")
		writeJSONError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Health pings the store.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
