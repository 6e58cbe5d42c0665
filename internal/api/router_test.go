package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isdelr/secretboard/internal/auth"
	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/isdelr/secretboard/internal/session"
	"github.com/isdelr/secretboard/internal/testutil"
	"github.com/isdelr/secretboard/internal/websocket"
	"github.com/steinfletcher/apitest"
	jsonpath "github.com/steinfletcher/apitest-jsonpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

type testApp struct {
	handler http.Handler
	db      *sql.DB
	users   *services.UserService
	lookups *flakyUsers
}

// flakyUsers fails session user lookups while down is set.
type flakyUsers struct {
	services.UserServiceProvider
	down atomic.Bool
}

func (u *flakyUsers) GetUserByID(ctx context.Context, id string) (models.User, error) {
	if u.down.Load() {
		return models.User{}, fmt.Errorf("%w: disk I/O error", common.ErrStoreUnavailable)
	}
	return u.UserServiceProvider.GetUserByID(ctx, id)
}

type appOptions struct {
	provider        auth.Provider
	providerTimeout time.Duration
}

func newTestApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()
	db, cleanup := testutil.AcquireDatabase(context.Background(), t)
	t.Cleanup(cleanup)

	users := services.NewUserService(db)
	events := services.NewEventService(db)
	local := auth.NewLocalStrategy(users, auth.NewBcryptHasher(bcrypt.MinCost))

	var (
		fed    *auth.FederatedStrategy
		states *auth.StateIssuer
	)
	if opts.provider != nil {
		timeout := opts.providerTimeout
		if timeout == 0 {
			timeout = time.Second
		}
		fed = auth.NewFederatedStrategy(users, opts.provider, timeout)
		var err error
		states, err = auth.NewStateIssuer([]byte("test-secret"))
		require.NoError(t, err)
		t.Cleanup(func() { states.Close() })
	}

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	lookups := &flakyUsers{UserServiceProvider: users}

	router, err := NewRouter(Deps{
		Users:          users,
		Events:         events,
		Selector:       auth.NewSelector(local, fed),
		States:         states,
		Sessions:       session.NewManager(session.NewSQLStore(db), lookups, time.Hour, false),
		Hub:            hub,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	require.NoError(t, err)
	return &testApp{handler: router, db: db, users: users, lookups: lookups}
}

func sessionCookie(t *testing.T, res apitest.Result) *http.Cookie {
	t.Helper()
	for _, c := range res.Response.Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func bodyContains(s string) apitest.Assert {
	return func(res *http.Response, _ *http.Request) error {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if !strings.Contains(string(b), s) {
			return fmt.Errorf("body does not contain %q", s)
		}
		return nil
	}
}

func bodyNotContains(s string) apitest.Assert {
	return func(res *http.Response, _ *http.Request) error {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if strings.Contains(string(b), s) {
			return fmt.Errorf("body unexpectedly contains %q", s)
		}
		return nil
	}
}

func (a *testApp) register(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	res := apitest.New().
		Handler(a.handler).
		Post("/register").
		FormData("username", username).
		FormData("password", password).
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/secrets").
		End()
	return sessionCookie(t, res)
}

func (a *testApp) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	res := apitest.New().
		Handler(a.handler).
		Post("/login").
		FormData("username", username).
		FormData("password", password).
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/secrets").
		End()
	return sessionCookie(t, res)
}

func (a *testApp) submit(t *testing.T, cookie *http.Cookie, secret string) {
	t.Helper()
	apitest.New().
		Handler(a.handler).
		Post("/submit").
		Cookie(cookie.Name, cookie.Value).
		FormData("secret", secret).
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/secrets").
		End()
}

func TestPublicPages(t *testing.T) {
	app := newTestApp(t, appOptions{})

	apitest.New().Handler(app.handler).Get("/").Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains("share them anonymously")).
		CookieNotPresent(session.CookieName).
		End()
	apitest.New().Handler(app.handler).Get("/register").Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains(`action="/register"`)).
		Assert(bodyNotContains("/auth/provider")).
		End()
	apitest.New().Handler(app.handler).Get("/login").Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains(`action="/login"`)).
		End()
	apitest.New().Handler(app.handler).Get("/static/styles.css").Expect(t).
		Status(http.StatusOK).
		End()

	// Provider routes are not mounted without a provider.
	apitest.New().Handler(app.handler).Get("/auth/provider").Expect(t).
		Status(http.StatusNotFound).
		End()
}

func TestRegisterThenLogin(t *testing.T) {
	app := newTestApp(t, appOptions{})

	cookie := app.register(t, "alice", "pw123")
	assert.True(t, cookie.HttpOnly)

	apitest.New().Handler(app.handler).Get("/api/v1/me").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.NotPresent("$.passwordHash")).
		End()

	cookie = app.login(t, "alice", "pw123")
	apitest.New().Handler(app.handler).Get("/api/v1/me").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		End()
}

func TestLoginFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.register(t, "alice", "pw123")

	for _, creds := range [][2]string{{"alice", "wrong"}, {"nobody", "pw123"}} {
		res := apitest.New().Handler(app.handler).
			Post("/login").
			FormData("username", creds[0]).
			FormData("password", creds[1]).
			Expect(t).
			Status(http.StatusSeeOther).
			Header("Location", "/login").
			End()

		// The failure message does not say which part was wrong.
		cookie := sessionCookie(t, res)
		apitest.New().Handler(app.handler).Get("/login").
			Cookie(cookie.Name, cookie.Value).
			Expect(t).
			Status(http.StatusOK).
			Assert(bodyContains("Invalid username or password.")).
			End()
		apitest.New().Handler(app.handler).Get("/api/v1/me").
			Cookie(cookie.Name, cookie.Value).
			Expect(t).
			Status(http.StatusUnauthorized).
			Body(`{"error":"unauthorized"}`).
			End()
	}
}

func TestRegisterDuplicate(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.register(t, "alice", "pw123")

	res := apitest.New().Handler(app.handler).
		Post("/register").
		FormData("username", "alice").
		FormData("password", "other").
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/register").
		End()
	cookie := sessionCookie(t, res)

	apitest.New().Handler(app.handler).Get("/register").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains("already taken")).
		End()

	// The first registration's password is unchanged.
	app.login(t, "alice", "pw123")
}

func TestRegisterConcurrentSameUsername(t *testing.T) {
	app := newTestApp(t, appOptions{})

	const attempts = 2
	locations := make([]string, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			form := url.Values{"username": {"bob"}, "password": {fmt.Sprintf("pw%d", i)}}
			req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			app.handler.ServeHTTP(rec, req)
			locations[i] = rec.Header().Get("Location")
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"/secrets", "/register"}, locations)
}

func TestSubmitRequiresLogin(t *testing.T) {
	app := newTestApp(t, appOptions{})
	app.register(t, "alice", "pw123")

	apitest.New().Handler(app.handler).Get("/submit").Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()
	apitest.New().Handler(app.handler).Post("/submit").FormData("secret", "sneaky").Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()

	apitest.New().Handler(app.handler).Get("/secrets").Expect(t).
		Status(http.StatusOK).
		Assert(bodyNotContains("sneaky")).
		Assert(bodyContains("No secrets yet.")).
		End()
}

func TestSubmitOverwrites(t *testing.T) {
	app := newTestApp(t, appOptions{})
	cookie := app.register(t, "carol", "pw123")

	apitest.New().Handler(app.handler).Get("/submit").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains(`name="secret"`)).
		End()

	app.submit(t, cookie, "hello")
	app.submit(t, cookie, "world")

	apitest.New().Handler(app.handler).Get("/secrets").Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains("world")).
		Assert(bodyNotContains("hello")).
		Assert(bodyNotContains("carol")).
		End()

	apitest.New().Handler(app.handler).Get("/api/v1/secrets").Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$.secrets", 1)).
		Assert(jsonpath.Equal("$.secrets[0].secret", "world")).
		End()
}

func TestSubmitEmptySecret(t *testing.T) {
	app := newTestApp(t, appOptions{})
	cookie := app.register(t, "dave", "pw123")

	apitest.New().Handler(app.handler).Post("/submit").
		Cookie(cookie.Name, cookie.Value).
		FormData("secret", "   ").
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/submit").
		End()
	apitest.New().Handler(app.handler).Post("/submit").
		Cookie(cookie.Name, cookie.Value).
		FormData("secret", strings.Repeat("x", 1001)).
		Expect(t).
		Status(http.StatusSeeOther).
		Header("Location", "/submit").
		End()

	entries, err := app.users.ListSecrets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogoutInvalidatesReplayedCookie(t *testing.T) {
	app := newTestApp(t, appOptions{})
	cookie := app.register(t, "erin", "pw123")

	apitest.New().Handler(app.handler).Get("/logout").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/").
		End()

	apitest.New().Handler(app.handler).Get("/api/v1/me").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
	apitest.New().Handler(app.handler).Get("/submit").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()

	// Logging out anonymously is harmless.
	apitest.New().Handler(app.handler).Get("/logout").Expect(t).
		Status(http.StatusFound).
		Header("Location", "/").
		End()
}

func TestAPISecretsETag(t *testing.T) {
	app := newTestApp(t, appOptions{})

	res := apitest.New().Handler(app.handler).Get("/api/v1/secrets").Expect(t).
		Status(http.StatusOK).
		HeaderPresent("ETag").
		Body(`{"secrets":[]}`).
		End()
	etag := res.Response.Header.Get("ETag")

	apitest.New().Handler(app.handler).Get("/api/v1/secrets").
		Header("If-None-Match", etag).
		Expect(t).
		Status(http.StatusNotModified).
		End()
	apitest.New().Handler(app.handler).Get("/api/v1/secrets").
		Header("If-None-Match", `"stale", W/`+etag).
		Expect(t).
		Status(http.StatusNotModified).
		End()

	cookie := app.register(t, "frank", "pw123")
	app.submit(t, cookie, "new secret")

	apitest.New().Handler(app.handler).Get("/api/v1/secrets").
		Header("If-None-Match", etag).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.secrets[0].secret", "new secret")).
		End()
}

func TestAPIEvents(t *testing.T) {
	app := newTestApp(t, appOptions{})

	apitest.New().Handler(app.handler).Get("/api/v1/events").Expect(t).
		Status(http.StatusUnauthorized).
		End()

	app.register(t, "gina", "pw123")
	cookie := app.login(t, "gina", "pw123")

	apitest.New().Handler(app.handler).Get("/api/v1/events").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$", 2)).
		Assert(jsonpath.Equal("$[0].type", "user.login")).
		Assert(jsonpath.Equal("$[1].type", "user.register")).
		End()

	apitest.New().Handler(app.handler).Get("/api/v1/events").
		Query("limit", "1").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$", 1)).
		End()
}

func TestAPICORS(t *testing.T) {
	app := newTestApp(t, appOptions{})

	apitest.New().Handler(app.handler).Get("/api/v1/secrets").
		Header("Origin", "http://localhost:3000").
		Expect(t).
		Status(http.StatusOK).
		Header("Access-Control-Allow-Origin", "http://localhost:3000").
		End()
	apitest.New().Handler(app.handler).Get("/api/v1/secrets").
		Header("Origin", "http://evil.example").
		Expect(t).
		Status(http.StatusOK).
		HeaderNotPresent("Access-Control-Allow-Origin").
		End()
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, appOptions{})

	apitest.New().Handler(app.handler).Get("/healthz").Expect(t).
		Status(http.StatusOK).
		Body(`{"status":"ok"}`).
		End()

	require.NoError(t, app.db.Close())
	apitest.New().Handler(app.handler).Get("/healthz").Expect(t).
		Status(http.StatusServiceUnavailable).
		End()
}

func TestStoreUnavailableRendersGenericError(t *testing.T) {
	app := newTestApp(t, appOptions{})
	require.NoError(t, app.db.Close())

	apitest.New().Handler(app.handler).Get("/secrets").Expect(t).
		Status(http.StatusInternalServerError).
		Assert(bodyContains("Something went wrong. Please try again.")).
		Assert(bodyNotContains("database is closed")).
		End()
	apitest.New().Handler(app.handler).
		Post("/register").
		FormData("username", "alice").
		FormData("password", "pw123").
		Expect(t).
		Status(http.StatusInternalServerError).
		Assert(bodyNotContains("database is closed")).
		End()
}

func TestSessionUserLookupFailure(t *testing.T) {
	app := newTestApp(t, appOptions{})
	cookie := app.register(t, "henry", "pw123")

	app.lookups.down.Store(true)
	apitest.New().Handler(app.handler).
		Post("/submit").
		Cookie(cookie.Name, cookie.Value).
		FormData("secret", "during outage").
		Expect(t).
		Status(http.StatusInternalServerError).
		Assert(bodyContains("Something went wrong. Please try again.")).
		Assert(bodyNotContains("disk I/O")).
		End()
	apitest.New().Handler(app.handler).Get("/api/v1/me").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusInternalServerError).
		Assert(jsonpath.Equal("$.error", "Something went wrong. Please try again.")).
		End()

	app.lookups.down.Store(false)
	app.submit(t, cookie, "after outage")
}

// fakeIdP implements the token and userinfo endpoints of an OAuth provider.
func fakeIdP(t *testing.T, sub string, delay time.Duration) *auth.OAuth2Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "Bearer"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"sub": sub})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return auth.NewOAuth2Provider("google", oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/provider/callback",
		Scopes:       []string{"profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, srv.URL+"/userinfo")
}

func (a *testApp) startProvider(t *testing.T) string {
	t.Helper()
	res := apitest.New().Handler(a.handler).Get("/auth/provider").Expect(t).
		Status(http.StatusFound).
		End()
	loc, err := url.Parse(res.Response.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth", loc.Path)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestProviderSignIn(t *testing.T) {
	app := newTestApp(t, appOptions{provider: fakeIdP(t, "G-1", 0)})

	apitest.New().Handler(app.handler).Get("/login").Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains("/auth/provider")).
		End()

	var ids []string
	for i := 0; i < 2; i++ {
		state := app.startProvider(t)
		res := apitest.New().Handler(app.handler).Get("/auth/provider/callback").
			Query("code", "abc").
			Query("state", state).
			Expect(t).
			Status(http.StatusFound).
			Header("Location", "/secrets").
			End()
		cookie := sessionCookie(t, res)

		me := apitest.New().Handler(app.handler).Get("/api/v1/me").
			Cookie(cookie.Name, cookie.Value).
			Expect(t).
			Status(http.StatusOK).
			Assert(jsonpath.Equal("$.provider", "google")).
			End()
		var body meBody
		me.JSON(&body)
		ids = append(ids, body.ID)
	}
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1], "second sign-in reuses the account")
}

type meBody struct {
	ID string `json:"id"`
}

func TestProviderCallbackRejectsBadState(t *testing.T) {
	app := newTestApp(t, appOptions{provider: fakeIdP(t, "G-1", 0)})

	apitest.New().Handler(app.handler).Get("/auth/provider/callback").
		Query("code", "abc").
		Query("state", "forged").
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()

	state := app.startProvider(t)
	apitest.New().Handler(app.handler).Get("/auth/provider/callback").
		Query("code", "abc").
		Query("state", state).
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/secrets").
		End()
	// Replaying a consumed state fails.
	apitest.New().Handler(app.handler).Get("/auth/provider/callback").
		Query("code", "abc").
		Query("state", state).
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()
}

func TestProviderCallbackDeclined(t *testing.T) {
	app := newTestApp(t, appOptions{provider: fakeIdP(t, "G-1", 0)})
	state := app.startProvider(t)

	apitest.New().Handler(app.handler).Get("/auth/provider/callback").
		Query("error", "access_denied").
		Query("state", state).
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()
}

func TestProviderTimeout(t *testing.T) {
	app := newTestApp(t, appOptions{
		provider:        fakeIdP(t, "G-1", 2*time.Second),
		providerTimeout: 50 * time.Millisecond,
	})
	state := app.startProvider(t)

	res := apitest.New().Handler(app.handler).Get("/auth/provider/callback").
		Query("code", "abc").
		Query("state", state).
		Expect(t).
		Status(http.StatusFound).
		Header("Location", "/login").
		End()
	cookie := sessionCookie(t, res)

	apitest.New().Handler(app.handler).Get("/login").
		Cookie(cookie.Name, cookie.Value).
		Expect(t).
		Status(http.StatusOK).
		Assert(bodyContains("took too long")).
		End()
}

func newHTTPServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}
