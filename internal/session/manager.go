// Package session tracks the signed-in user across requests. Only the user
// id is kept in the session; the full user is loaded from the store on every
// request.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/rs/zerolog/log"
)

// CookieName is the name of the session cookie.
const CookieName = "secretboard_session"

const userIDKey = "userID"

type contextKey string

const (
	userContextKey    = contextKey("sessionUser")
	resolveErrContext = contextKey("sessionResolveErr")
)

// Manager establishes, resolves and ends sessions.
type Manager struct {
	sessions *scs.SessionManager
	users    services.UserServiceProvider
}

// NewManager creates a Manager persisting sessions in store.
func NewManager(store scs.Store, users services.UserServiceProvider, lifetime time.Duration, secure bool) *Manager {
	sm := scs.New()
	sm.Store = store
	sm.Lifetime = lifetime
	sm.Cookie.Name = CookieName
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	sm.Cookie.Secure = secure
	sm.Cookie.Path = "/"
	sm.ErrorFunc = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Session error")
		http.Error(w, "Something went wrong. Please try again.", http.StatusInternalServerError)
	}
	return &Manager{sessions: sm, users: users}
}

// Establish binds user to the current session under a fresh token.
func (m *Manager) Establish(ctx context.Context, user models.User) error {
	if err := m.sessions.RenewToken(ctx); err != nil {
		return err
	}
	m.sessions.Put(ctx, userIDKey, user.ID)
	return nil
}

// Resolve loads the session's user. It reports false for anonymous sessions
// and for ids whose user no longer exists. A store failure is returned as an
// error and leaves the session intact.
func (m *Manager) Resolve(ctx context.Context) (models.User, bool, error) {
	id := m.sessions.GetString(ctx, userIDKey)
	if id == "" {
		return models.User{}, false, nil
	}
	user, err := m.users.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			m.sessions.Remove(ctx, userIDKey)
			log.Warn().Str("user_id", id).Msg("Session referenced a missing user")
			return models.User{}, false, nil
		}
		log.Error().Err(err).Str("user_id", id).Msg("Failed to resolve session user")
		return models.User{}, false, err
	}
	return user, true, nil
}

// Logout destroys the session and its stored data.
func (m *Manager) Logout(ctx context.Context) error {
	return m.sessions.Destroy(ctx)
}

// LoadAndSave loads the session for each request and writes the cookie back.
func (m *Manager) LoadAndSave(next http.Handler) http.Handler {
	return m.sessions.LoadAndSave(next)
}

// Identify resolves the session user into the request context. When the
// store fails the request continues as anonymous with the error recorded
// for ResolveError.
func (m *Manager) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok, err := m.Resolve(r.Context())
		switch {
		case err != nil:
			r = r.WithContext(context.WithValue(r.Context(), resolveErrContext, err))
		case ok:
			r = r.WithContext(context.WithValue(r.Context(), userContextKey, user))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser redirects anonymous callers to loginURL. Requests whose user
// could not be loaded are passed to unavailable instead; a nil unavailable
// answers with a plain 500.
func RequireUser(loginURL string, unavailable http.Handler) func(http.Handler) http.Handler {
	if unavailable == nil {
		unavailable = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Something went wrong. Please try again.", http.StatusInternalServerError)
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserFromContext(r.Context()); !ok {
				if ResolveError(r.Context()) != nil {
					unavailable.ServeHTTP(w, r)
					return
				}
				http.Redirect(w, r, loginURL, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ResolveError returns the store error Identify hit while loading the
// session user, if any.
func ResolveError(ctx context.Context) error {
	err, _ := ctx.Value(resolveErrContext).(error)
	return err
}

// UserFromContext returns the user resolved by Identify.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// PutFlash stores a one-shot message shown on the next page.
func (m *Manager) PutFlash(ctx context.Context, msg string) {
	m.sessions.Put(ctx, "flash", msg)
}

// PopFlash returns and clears the pending flash message.
func (m *Manager) PopFlash(ctx context.Context) string {
	return m.sessions.PopString(ctx, "flash")
}
