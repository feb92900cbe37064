// Package api exposes the HTTP surface of the compliance service:
// authentication, CSRF protection, framework/control/evidence CRUD,
// dashboard statistics, billing and the dashboard event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"custos/billing"
	"custos/config"
	"custos/notify"
	"custos/session"
	"custos/storage"
)

const (
	serverReadTimeout  = 15 * time.Second
	serverWriteTimeout = 30 * time.Second
	serverIdleTimeout  = 60 * time.Second

	// loginWindow bounds login attempts per IP independently of the
	// general rate limiter.
	loginWindow   = time.Minute
	loginAttempts = 10

	notifyTimeout = 30 * time.Second
)

// Deps carries everything the API depends on. All dependencies are
// injected; the API never constructs its own clients or stores.
type Deps struct {
	Config     *config.Config
	Logger     *zap.SugaredLogger
	Sessions   session.Store
	Users      storage.UserStorage
	Frameworks storage.FrameworkStorage
	Controls   storage.ControlStorage
	Evidence   storage.EvidenceStorage
	Stats      storage.StatsStorage
	Audit      storage.AuditLogger

	// Payments is optional; nil disables the billing endpoints.
	Payments billing.PaymentClient
	// Notifier is optional; nil disables webhook notifications.
	Notifier *notify.Notifier
	// Hub is optional; nil disables the dashboard event stream.
	Hub *Hub
}

// API is the HTTP server for the compliance backend.
type API struct {
	router *mux.Router
	server *http.Server
	config *config.Config
	logger *zap.SugaredLogger

	sessions   session.Store
	users      storage.UserStorage
	frameworks storage.FrameworkStorage
	controls   storage.ControlStorage
	evidence   storage.EvidenceStorage
	stats      storage.StatsStorage
	audit      storage.AuditLogger
	payments   billing.PaymentClient
	notifier   *notify.Notifier
	hub        *Hub

	validate     *validator.Validate
	authLimiter  *FixedWindowLimiter
	rateLimiters *lru.Cache[string, *rate.Limiter]
}

// NewAPI builds the API and registers all routes.
func NewAPI(deps Deps) (*API, error) {
	maxIPs := deps.Config.API.RateLimit.MaxTrackedIPs
	if maxIPs <= 0 {
		maxIPs = 10000
	}
	limiters, err := lru.New[string, *rate.Limiter](maxIPs)
	if err != nil {
		return nil, err
	}

	a := &API{
		router:       mux.NewRouter(),
		config:       deps.Config,
		logger:       deps.Logger,
		sessions:     deps.Sessions,
		users:        deps.Users,
		frameworks:   deps.Frameworks,
		controls:     deps.Controls,
		evidence:     deps.Evidence,
		stats:        deps.Stats,
		audit:        deps.Audit,
		payments:     deps.Payments,
		notifier:     deps.Notifier,
		hub:          deps.Hub,
		validate:     validator.New(),
		authLimiter:  NewFixedWindowLimiter(loginWindow, loginAttempts),
		rateLimiters: limiters,
	}
	a.setupRoutes()
	return a, nil
}

func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.securityHeadersMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)
	a.router.Use(a.metricsMiddleware)
	a.router.Use(a.errorRecoveryMiddleware)

	// Public surface. Login and CSRF issuance cannot require a session.
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	a.router.HandleFunc("/api/auth/login", a.login).Methods("POST")
	a.router.HandleFunc("/api/auth/csrf", a.issueCSRFToken).Methods("GET")
	a.router.HandleFunc("/api/auth/status", a.authStatus).Methods("GET")

	// Everything else requires a session; state changes also pass CSRF
	// verification.
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.sessionAuthMiddleware)
	protected.Use(a.csrfProtectionMiddleware)

	protected.HandleFunc("/auth/logout", a.logout).Methods("POST")

	protected.HandleFunc("/users/me", a.getCurrentUser).Methods("GET")

	admin := a.requireRole(storage.RoleAdmin)
	reviewer := a.requireRole(storage.RoleAdmin, storage.RoleAuditor)

	protected.Handle("/tokens", admin(http.HandlerFunc(a.issueServiceToken))).Methods("POST")

	protected.Handle("/users", admin(http.HandlerFunc(a.listUsers))).Methods("GET")
	protected.Handle("/users", admin(http.HandlerFunc(a.createUser))).Methods("POST")
	protected.Handle("/users/{username}", admin(http.HandlerFunc(a.updateUser))).Methods("PUT")
	protected.Handle("/users/{username}", admin(http.HandlerFunc(a.deleteUser))).Methods("DELETE")
	protected.Handle("/users/{username}/unlock", admin(http.HandlerFunc(a.unlockUser))).Methods("POST")

	protected.HandleFunc("/frameworks", a.listFrameworks).Methods("GET")
	protected.Handle("/frameworks", admin(http.HandlerFunc(a.createFramework))).Methods("POST")
	protected.Handle("/frameworks/import", admin(http.HandlerFunc(a.importCatalog))).Methods("POST")
	protected.HandleFunc("/frameworks/{id}", a.getFramework).Methods("GET")
	protected.Handle("/frameworks/{id}", admin(http.HandlerFunc(a.updateFramework))).Methods("PUT")
	protected.Handle("/frameworks/{id}", admin(http.HandlerFunc(a.deleteFramework))).Methods("DELETE")

	protected.HandleFunc("/controls", a.listControls).Methods("GET")
	protected.Handle("/controls", admin(http.HandlerFunc(a.createControl))).Methods("POST")
	protected.HandleFunc("/controls/{id}", a.getControl).Methods("GET")
	protected.HandleFunc("/controls/{id}", a.updateControl).Methods("PUT")
	protected.Handle("/controls/{id}", admin(http.HandlerFunc(a.deleteControl))).Methods("DELETE")

	protected.HandleFunc("/controls/{id}/evidence", a.listEvidence).Methods("GET")
	protected.HandleFunc("/controls/{id}/evidence", a.submitEvidence).Methods("POST")
	protected.Handle("/evidence/{id}/review", reviewer(http.HandlerFunc(a.reviewEvidence))).Methods("POST")
	protected.Handle("/evidence/{id}", admin(http.HandlerFunc(a.deleteEvidence))).Methods("DELETE")

	protected.HandleFunc("/dashboard", a.getDashboardStats).Methods("GET")

	protected.Handle("/billing/checkout", admin(http.HandlerFunc(a.createCheckoutSession))).Methods("POST")
	protected.Handle("/billing/subscriptions/{id}", admin(http.HandlerFunc(a.getSubscription))).Methods("GET")
	protected.Handle("/billing/subscriptions/{id}", admin(http.HandlerFunc(a.cancelSubscription))).Methods("DELETE")

	protected.HandleFunc("/events", a.handleWebSocket).Methods("GET")
}

// Router returns the configured handler, mainly for tests.
func (a *API) Router() http.Handler {
	return a.router
}

// Start serves plain HTTP on the given address, e.g. ":8081".
func (a *API) Start(addr string) error {
	a.server = a.newServer(addr)
	a.logger.Infow("API server starting", "addr", addr)
	return a.server.ListenAndServe()
}

// StartTLS serves HTTPS on the given address.
func (a *API) StartTLS(addr, certFile, keyFile string) error {
	a.server = a.newServer(addr)
	a.logger.Infow("API server starting with TLS", "addr", addr)
	return a.server.ListenAndServeTLS(certFile, keyFile)
}

// Stop drains in-flight requests and shuts the server down.
func (a *API) Stop(ctx context.Context) error {
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) newServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
}

// notifyContext detaches webhook delivery from the request lifecycle so
// a completed request does not cancel an in-flight notification.
func (a *API) notifyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), notifyTimeout)
}
