// Package bootstrap wires configuration, storage, session store,
// outbound clients and the API server into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"custos/api"
	"custos/billing"
	"custos/config"
	"custos/core"
	"custos/notify"
	"custos/session"
	"custos/storage"
)

const (
	shutdownTimeout        = 10 * time.Second
	memoryCleanupInterval  = time.Minute
	firstRunTimeout        = 10 * time.Second
	bootstrapAdminUsername = "admin"
)

// App holds every long-lived component of the service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite     *storage.SQLite
	Users      *storage.SQLiteUserStorage
	Compliance *storage.SQLiteComplianceStorage
	Sessions   session.Store
	Payments   billing.PaymentClient
	Notifier   *notify.Notifier
	Hub        *api.Hub
	APIServer  *api.API

	serverErrCh chan error
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{serverErrCh: make(chan error, 1)}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Custos starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if err := EnsureDataDirectory(cfg.Storage.DataDir, sugar); err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	app.SQLite = sqlite
	app.Users = storage.NewSQLiteUserStorage(sqlite, sugar, cfg.Auth.BcryptCost)
	app.Compliance = storage.NewSQLiteComplianceStorage(sqlite, sugar)

	sessions, err := initSessionStore(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Sessions = sessions

	if cfg.Billing.Enabled {
		payments, err := billing.NewClient(billing.Options{
			BaseURL: cfg.Billing.BaseURL,
			APIKey:  cfg.Billing.APIKey,
			Timeout: cfg.Billing.Timeout,
			Retry: core.RetryPolicy{
				MaxAttempts: cfg.Billing.Retry.MaxAttempts,
				BaseDelay:   cfg.Billing.Retry.BaseDelay,
				Backoff:     core.BackoffKind(cfg.Billing.Retry.Backoff),
			},
			Breaker: core.DefaultBreakerConfig(),
		}, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize billing client: %w", err)
		}
		app.Payments = payments
		sugar.Info("Billing client initialized")
	} else {
		sugar.Info("Billing disabled by configuration")
	}

	if cfg.Notify.Enabled {
		notifier, err := notify.NewNotifier(notify.Config{
			Enabled:     true,
			WebhookURL:  cfg.Notify.WebhookURL,
			Secret:      cfg.Notify.Secret,
			Headers:     cfg.Notify.Headers,
			Timeout:     cfg.Notify.Timeout,
			MinSeverity: cfg.Notify.MinSeverity,
		}, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize notifier: %w", err)
		}
		app.Notifier = notifier
		sugar.Info("Webhook notifier initialized")
	}

	app.Hub = api.NewHub(ctx, sugar)

	apiServer, err := api.NewAPI(api.Deps{
		Config:     cfg,
		Logger:     sugar,
		Sessions:   app.Sessions,
		Users:      app.Users,
		Frameworks: app.Compliance,
		Controls:   app.Compliance,
		Evidence:   app.Compliance,
		Stats:      app.Compliance,
		Audit:      app.Compliance,
		Payments:   app.Payments,
		Notifier:   app.Notifier,
		Hub:        app.Hub,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}
	app.APIServer = apiServer

	if err := app.runFirstRunSetup(); err != nil {
		sugar.Errorf("First-run setup encountered errors: %v", err)
	}

	return app, nil
}

// initSessionStore selects the session backend. Redis is preferred for
// multi-instance deployments; memory works for a single node.
func initSessionStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (session.Store, error) {
	switch cfg.Session.Backend {
	case "redis":
		store, err := session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			PoolSize: cfg.Session.Redis.PoolSize,
		}, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis session store: %w", err)
		}
		sugar.Infow("Session store initialized", "backend", "redis", "addr", cfg.Session.Redis.Addr)
		return store, nil
	case "memory":
		sugar.Infow("Session store initialized", "backend", "memory")
		return session.NewMemoryStore(memoryCleanupInterval), nil
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.Session.Backend)
	}
}

// runFirstRunSetup creates the bootstrap admin when the user table is
// empty and auth is enabled. A configured bootstrap password is used
// as-is (already hashed at config load); otherwise one is generated and
// printed once.
func (a *App) runFirstRunSetup() error {
	if !a.Config.Auth.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), firstRunTimeout)
	defer cancel()

	count, err := a.Users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for existing users: %w", err)
	}
	if count > 0 {
		return nil
	}

	a.Sugar.Info("First run detected, creating bootstrap admin")

	username := a.Config.Auth.BootstrapAdmin.Username
	if username == "" {
		username = bootstrapAdminUsername
	}
	admin := &storage.User{
		Username: username,
		Role:     storage.RoleAdmin,
		Active:   true,
	}

	if hash := a.Config.Auth.BootstrapAdmin.HashedPassword; hash != "" {
		if err := a.Users.CreateUserWithHash(ctx, admin, hash); err != nil {
			return fmt.Errorf("failed to create bootstrap admin: %w", err)
		}
		a.Sugar.Infow("AUDIT: bootstrap admin created from config", "username", username)
		return nil
	}

	password, err := GenerateSecurePassword(24)
	if err != nil {
		return fmt.Errorf("failed to generate admin password: %w", err)
	}
	admin.Password = password
	if err := a.Users.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("failed to create bootstrap admin: %w", err)
	}

	printBootstrapCredentials(username, password)
	a.Sugar.Infow("AUDIT: bootstrap admin created", "username", username)
	return nil
}

// Start launches the event hub and the API server.
func (a *App) Start(ctx context.Context) error {
	go a.Hub.Start()

	addr := fmt.Sprintf(":%d", a.Config.API.Port)
	go func() {
		var err error
		if a.Config.API.TLS {
			err = a.APIServer.StartTLS(addr, a.Config.API.CertFile, a.Config.API.KeyFile)
		} else {
			err = a.APIServer.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			a.serverErrCh <- err
		}
	}()

	a.Sugar.Infow("Custos ready", "addr", addr, "tls", a.Config.API.TLS)
	return nil
}

// WaitForShutdown blocks until a termination signal arrives or the
// server fails.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-a.serverErrCh:
		a.Sugar.Errorw("API server failed", "error", err)
	}
}

// Shutdown stops components in dependency order.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.APIServer != nil {
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	if a.Sessions != nil {
		if err := a.Sessions.Close(); err != nil {
			a.Sugar.Errorw("Failed to close session store", "error", err)
		}
	}

	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
