package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/isdelr/secretboard/internal/api/handlers"
	"github.com/isdelr/secretboard/internal/auth"
	"github.com/isdelr/secretboard/internal/logger"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/isdelr/secretboard/internal/session"
	"github.com/isdelr/secretboard/internal/websocket"
)

// Deps are the services the router wires into its handlers.
type Deps struct {
	Users    services.UserServiceProvider
	Events   services.EventServiceProvider
	Selector *auth.Selector
	// States is required when Selector has a federated strategy.
	States   *auth.StateIssuer
	Sessions *session.Manager
	Hub      *websocket.Hub

	AllowedOrigins []string
}

// NewRouter creates and configures a new Chi router.
func NewRouter(deps Deps) (*chi.Mux, error) {
	views, err := handlers.NewViews()
	if err != nil {
		return nil, fmt.Errorf("load views: %w", err)
	}

	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(deps.Selector, deps.States, deps.Sessions, deps.Events, views)
	secretsHandler := handlers.NewSecretsHandler(deps.Users, deps.Events, deps.Sessions, deps.Hub, views)
	apiHandler := handlers.NewAPIHandler(deps.Users, deps.Events)

	r.Get("/healthz", apiHandler.Health)
	r.Handle("/static/*", http.StripPrefix("/static/", handlers.Static()))

	// The feed is public and must see the raw connection to hijack it.
	if deps.Hub != nil {
		wsHandler := handlers.NewWebSocketHandler(deps.Hub, deps.AllowedOrigins)
		r.Get("/secrets/live", wsHandler.Serve)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Sessions.LoadAndSave)
		r.Use(deps.Sessions.Identify)

		r.Get("/", authHandler.Home)
		r.Get("/register", authHandler.RegisterForm)
		r.Post("/register", authHandler.Register)
		r.Get("/login", authHandler.LoginForm)
		r.Post("/login", authHandler.Login)
		r.Get("/logout", authHandler.Logout)

		if deps.Selector.Federated() != nil && deps.States != nil {
			r.Get("/auth/provider", authHandler.ProviderStart)
			r.Get("/auth/provider/callback", authHandler.ProviderCallback)
		}

		r.Get("/secrets", secretsHandler.List)
		r.Group(func(r chi.Router) {
			r.Use(session.RequireUser("/login", views.Unavailable()))
			r.Get("/submit", secretsHandler.SubmitForm)
			r.Post("/submit", secretsHandler.Submit)
		})

		// API versioning
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   deps.AllowedOrigins,
				AllowedMethods:   []string{"GET", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match"},
				ExposedHeaders:   []string{"ETag"},
				AllowCredentials: true,
				MaxAge:           300,
			}))

			r.Get("/secrets", apiHandler.GetSecrets)
			r.Group(func(r chi.Router) {
				r.Use(handlers.RequireUser)
				r.Get("/me", apiHandler.GetMe)
				r.Get("/events", apiHandler.GetRecentEvents)
			})
		})
	})

	return r, nil
}
