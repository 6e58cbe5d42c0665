package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/isdelr/secretboard/internal/auth"
	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/isdelr/secretboard/internal/session"
	"github.com/rs/zerolog/log"
)

// Flash messages shown after a redirect.
const (
	flashUsernameTaken   = "That username is already taken."
	flashInvalidInput    = "Please enter a username and password."
	flashLoginFailed     = "Invalid username or password."
	flashProviderFailed  = "Sign-in with the provider failed. Please try again."
	flashProviderTimeout = "The provider took too long to respond. Please try again."
)

// AuthHandler handles registration, login and logout.
type AuthHandler struct {
	selector *auth.Selector
	states   *auth.StateIssuer
	sessions *session.Manager
	events   services.EventServiceProvider
	views    *Views
}

// NewAuthHandler creates a new AuthHandler. states may be nil when no
// provider is configured.
func NewAuthHandler(selector *auth.Selector, states *auth.StateIssuer, sessions *session.Manager, events services.EventServiceProvider, views *Views) *AuthHandler {
	return &AuthHandler{selector: selector, states: states, sessions: sessions, events: events, views: views}
}

func (h *AuthHandler) page(r *http.Request) viewData {
	data := viewData{
		Flash:           h.sessions.PopFlash(r.Context()),
		ProviderEnabled: h.selector.Federated() != nil,
	}
	if user, ok := session.UserFromContext(r.Context()); ok {
		data.User = &user
	}
	return data
}

// Home renders the landing page.
func (h *AuthHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, http.StatusOK, "home", h.page(r))
}

// RegisterForm renders the registration form.
func (h *AuthHandler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, http.StatusOK, "register", h.page(r))
}

// LoginForm renders the login form.
func (h *AuthHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, http.StatusOK, "login", h.page(r))
}

// Register creates a local account and signs it in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.sessions.PutFlash(r.Context(), flashInvalidInput)
		http.Redirect(w, r, "/register", http.StatusSeeOther)
		return
	}
	username := r.PostForm.Get("username")

	user, err := h.selector.Local().Register(r.Context(), username, r.PostForm.Get("password"))
	switch {
	case errors.Is(err, common.ErrDuplicateUsername):
		log.Info().Str("username", username).Msg("Registration rejected: username taken")
		h.sessions.PutFlash(r.Context(), flashUsernameTaken)
		http.Redirect(w, r, "/register", http.StatusSeeOther)
		return
	case errors.Is(err, common.ErrInvalidInput):
		h.sessions.PutFlash(r.Context(), flashInvalidInput)
		http.Redirect(w, r, "/register", http.StatusSeeOther)
		return
	case err != nil:
		h.views.serverError(w, r, err, "Failed to register user")
		return
	}

	if err := h.sessions.Establish(r.Context(), user); err != nil {
		h.views.serverError(w, r, err, "Failed to establish session")
		return
	}
	h.record(r.Context(), models.EventUserRegister, "info", "User registered", &user.ID)
	http.Redirect(w, r, "/secrets", http.StatusSeeOther)
}

// Login authenticates a username and password.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.sessions.PutFlash(r.Context(), flashLoginFailed)
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	creds := auth.PasswordCredentials{
		Username: r.PostForm.Get("username"),
		Password: r.PostForm.Get("password"),
	}

	user, err := h.selector.Authenticate(r.Context(), creds)
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			log.Warn().Str("username", creds.Username).Msg("Failed authentication attempt")
			h.record(r.Context(), models.EventUserLoginFail, "warn", "Failed login attempt", nil)
			h.sessions.PutFlash(r.Context(), flashLoginFailed)
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		h.views.serverError(w, r, err, "Failed to authenticate user")
		return
	}

	if err := h.sessions.Establish(r.Context(), user); err != nil {
		h.views.serverError(w, r, err, "Failed to establish session")
		return
	}
	h.record(r.Context(), models.EventUserLogin, "info", "User logged in", &user.ID)
	http.Redirect(w, r, "/secrets", http.StatusSeeOther)
}

// ProviderStart redirects to the provider's consent screen.
func (h *AuthHandler) ProviderStart(w http.ResponseWriter, r *http.Request) {
	fed := h.selector.Federated()
	if fed == nil || h.states == nil {
		http.NotFound(w, r)
		return
	}
	state, err := h.states.Issue()
	if err != nil {
		h.views.serverError(w, r, err, "Failed to issue oauth state")
		return
	}
	http.Redirect(w, r, fed.Provider().AuthCodeURL(state), http.StatusFound)
}

// ProviderCallback completes a provider sign-in.
func (h *AuthHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	fed := h.selector.Federated()
	if fed == nil || h.states == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()

	if err := h.states.Consume(q.Get("state")); err != nil {
		log.Warn().Err(err).Msg("Rejected provider callback")
		h.providerFailed(w, r, flashProviderFailed)
		return
	}
	if reason := q.Get("error"); reason != "" {
		log.Info().Str("reason", reason).Msg("Provider sign-in declined")
		h.providerFailed(w, r, flashProviderFailed)
		return
	}

	profile, err := fed.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		log.Warn().Err(err).Str("provider", fed.Provider().Name()).Msg("Provider exchange failed")
		if errors.Is(err, common.ErrProviderTimeout) {
			h.providerFailed(w, r, flashProviderTimeout)
			return
		}
		h.providerFailed(w, r, flashProviderFailed)
		return
	}

	user, err := h.selector.Authenticate(r.Context(), profile)
	if err != nil {
		if errors.Is(err, common.ErrStoreUnavailable) {
			h.views.serverError(w, r, err, "Failed to find or create federated user")
			return
		}
		log.Warn().Err(err).Msg("Federated authentication failed")
		h.providerFailed(w, r, flashProviderFailed)
		return
	}

	if err := h.sessions.Establish(r.Context(), user); err != nil {
		h.views.serverError(w, r, err, "Failed to establish session")
		return
	}
	h.record(r.Context(), models.EventUserLogin, "info", "User logged in with "+profile.Provider, &user.ID)
	http.Redirect(w, r, "/secrets", http.StatusFound)
}

func (h *AuthHandler) providerFailed(w http.ResponseWriter, r *http.Request, flash string) {
	h.sessions.PutFlash(r.Context(), flash)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// Logout ends the session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user, signedIn := session.UserFromContext(r.Context())
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.views.serverError(w, r, err, "Failed to destroy session")
		return
	}
	if signedIn {
		h.record(r.Context(), models.EventUserLogout, "info", "User logged out", &user.ID)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *AuthHandler) record(ctx context.Context, eventType, level, message string, userID *string) {
	recordEvent(ctx, h.events, eventType, level, message, userID)
}

// recordEvent writes an audit event. Failures are logged and otherwise ignored.
func recordEvent(ctx context.Context, events services.EventServiceProvider, eventType, level, message string, userID *string) {
	if events == nil {
		return
	}
	if err := events.CreateEvent(ctx, eventType, level, message, userID); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to record event")
	}
}
