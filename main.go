package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isdelr/secretboard/internal/api"
	"github.com/isdelr/secretboard/internal/auth"
	"github.com/isdelr/secretboard/internal/config"
	"github.com/isdelr/secretboard/internal/database"
	"github.com/isdelr/secretboard/internal/logger"
	"github.com/isdelr/secretboard/internal/monitoring"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/isdelr/secretboard/internal/session"
	"github.com/isdelr/secretboard/internal/websocket"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "secretboard",
		Usage: "Share your secrets anonymously",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "HTTP port (overrides PORT)"},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path (overrides DATABASE_PATH)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the web server",
				Action: serveCmd,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrateCmd,
			},
		},
		DefaultCommand: "serve",
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("Application failed")
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.IsSet("port") {
		cfg.ServerPort = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.DatabasePath = c.String("db")
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	return db, nil
}

func migrateCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := openDatabase(c.Context, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Str("path", cfg.DatabasePath).Msg("Database migrations applied")
	return nil
}

func serveCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.SessionSecret == config.DevSessionSecret {
		log.Warn().Msg("SESSION_SECRET is not set; using an insecure development secret")
	}

	// Set up database
	db, err := openDatabase(c.Context, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	// Set up services
	userService := services.NewUserService(db)
	eventService := services.NewEventService(db)

	// Set up authentication
	local := auth.NewLocalStrategy(userService, auth.NewBcryptHasher(cfg.BcryptCost))
	var (
		federated *auth.FederatedStrategy
		states    *auth.StateIssuer
	)
	if cfg.ProviderEnabled() {
		provider := auth.NewGoogleProvider(cfg.ClientID, cfg.ClientSecret, cfg.CallbackURL)
		federated = auth.NewFederatedStrategy(userService, provider, cfg.ProviderTimeout)
		states, err = auth.NewStateIssuer([]byte(cfg.SessionSecret))
		if err != nil {
			return err
		}
		defer states.Close()
		log.Info().Str("provider", provider.Name()).Msg("Federated sign-in enabled")
	} else {
		log.Info().Msg("Federated sign-in disabled: CLIENT_ID/CLIENT_SECRET not set")
	}

	sessionStore := session.NewSQLStore(db)
	sessions := session.NewManager(sessionStore, userService, cfg.SessionLifetime, cfg.CookieSecure)

	// Set up and run the background session pruner
	scheduler, err := monitoring.NewScheduler(sessionStore, cfg.SessionPruneSchedule)
	if err != nil {
		return err
	}
	go scheduler.Run()
	defer scheduler.Stop()

	// Set up router
	router, err := api.NewRouter(api.Deps{
		Users:          userService,
		Events:         eventService,
		Selector:       auth.NewSelector(local, federated),
		States:         states,
		Sessions:       sessions,
		Hub:            hub,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	// Set up server
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-c.Context.Done():
	}
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server exiting")
	return nil
}
