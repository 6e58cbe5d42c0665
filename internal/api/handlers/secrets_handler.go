package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/isdelr/secretboard/internal/session"
	"github.com/isdelr/secretboard/internal/websocket"
	"github.com/rs/zerolog/log"
)

const (
	flashEmptySecret   = "Please enter a secret."
	flashSecretTooLong = "That secret is too long."
)

// SecretsHandler serves the public board and secret submission.
type SecretsHandler struct {
	users    services.UserServiceProvider
	events   services.EventServiceProvider
	sessions *session.Manager
	hub      *websocket.Hub
	views    *Views
}

// NewSecretsHandler creates a new SecretsHandler. hub may be nil.
func NewSecretsHandler(users services.UserServiceProvider, events services.EventServiceProvider, sessions *session.Manager, hub *websocket.Hub, views *Views) *SecretsHandler {
	return &SecretsHandler{users: users, events: events, sessions: sessions, hub: hub, views: views}
}

func (h *SecretsHandler) page(r *http.Request) viewData {
	data := viewData{Flash: h.sessions.PopFlash(r.Context())}
	if user, ok := session.UserFromContext(r.Context()); ok {
		data.User = &user
	}
	return data
}

// List renders every secret on the board. Authors are never shown.
func (h *SecretsHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.users.ListSecrets(r.Context())
	if err != nil {
		h.views.serverError(w, r, err, "Failed to list secrets")
		return
	}
	data := h.page(r)
	data.Secrets = entries
	h.views.render(w, http.StatusOK, "secrets", data)
}

// SubmitForm renders the submission form. The route requires a signed-in user.
func (h *SecretsHandler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, http.StatusOK, "submit", h.page(r))
}

// Submit replaces the caller's secret.
func (h *SecretsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	user, ok := session.UserFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.sessions.PutFlash(r.Context(), flashEmptySecret)
		http.Redirect(w, r, "/submit", http.StatusSeeOther)
		return
	}

	secret := strings.TrimSpace(r.PostForm.Get("secret"))
	if secret == "" {
		h.sessions.PutFlash(r.Context(), flashEmptySecret)
		http.Redirect(w, r, "/submit", http.StatusSeeOther)
		return
	}
	if len(secret) > MaxSecretLength {
		h.sessions.PutFlash(r.Context(), flashSecretTooLong)
		http.Redirect(w, r, "/submit", http.StatusSeeOther)
		return
	}

	if err := h.users.SetSecret(r.Context(), user.ID, secret); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// The account disappeared after the session was resolved.
			log.Warn().Str("user_id", user.ID).Msg("Secret submitted for a missing user")
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		h.views.serverError(w, r, err, "Failed to save secret")
		return
	}

	recordEvent(r.Context(), h.events, models.EventSecretSubmit, "info", "Secret submitted", &user.ID)
	if h.hub != nil {
		h.hub.PublishSecret(secret)
	}
	http.Redirect(w, r, "/secrets", http.StatusSeeOther)
}
