package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"custos/core"
	"custos/metrics"
	"custos/session"
	"custos/storage"
)

// FixedWindowLimiter is a simple fixed window rate limiter used for
// authentication attempts.
type FixedWindowLimiter struct {
	mu        sync.Mutex
	requests  map[string]int
	window    time.Duration
	limit     int
	lastReset time.Time
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(window time.Duration, limit int) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		requests:  make(map[string]int),
		window:    window,
		limit:     limit,
		lastReset: time.Now(),
	}
}

// Allow checks if a request from the given key is allowed.
func (f *FixedWindowLimiter) Allow(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if time.Since(f.lastReset) > f.window {
		f.requests = make(map[string]int)
		f.lastReset = time.Now()
	}

	if f.requests[key] >= f.limit {
		return false
	}

	f.requests[key]++
	return true
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=1024"`
	TOTPCode string `json:"totp_code,omitempty" validate:"omitempty,len=6,numeric"`
}

type loginResponse struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// login authenticates a user and establishes a server-side session.
//
// POST /api/auth/login
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	clientIP := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)
	requestID := GetRequestIDOrDefault(r.Context())

	if !a.authLimiter.Allow(clientIP) {
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
		a.logger.Warnw("AUDIT: login rate limited", "ip", clientIP, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, "Too many login attempts", nil, nil)
		return
	}

	var req loginRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, int64(a.config.API.LoginBodyLimit)); err != nil {
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid login request", err, a.logger)
		return
	}
	if err := validateUsername(req.Username); err != nil {
		// Same response as a credential failure so probing yields nothing.
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil, nil)
		return
	}

	// Lockout check happens before credential validation so a locked
	// account rejects even the correct password.
	if user, err := a.users.GetUserByUsername(r.Context(), req.Username); err == nil && user.Locked(time.Now()) {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		a.logger.Warnw("AUDIT: login attempt on locked account",
			"username", sanitizeLogMessage(req.Username), "ip", clientIP, "request_id", requestID)
		writeError(w, http.StatusLocked, "Account temporarily locked", nil, nil)
		return
	}

	user, err := a.users.ValidateCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			_ = a.users.RecordLoginFailure(r.Context(), req.Username,
				a.config.Auth.LockoutThreshold, a.config.Auth.LockoutDuration)
			metrics.LoginAttempts.WithLabelValues("failure").Inc()
			a.logger.Warnw("AUDIT: login failed",
				"username", sanitizeLogMessage(req.Username), "ip", clientIP, "request_id", requestID)
			writeError(w, http.StatusUnauthorized, "Invalid credentials", nil, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Login failed", err, a.logger)
		return
	}

	if user.MFAEnabled {
		if req.TOTPCode == "" || !totp.Validate(req.TOTPCode, user.TOTPSecret) {
			_ = a.users.RecordLoginFailure(r.Context(), req.Username,
				a.config.Auth.LockoutThreshold, a.config.Auth.LockoutDuration)
			metrics.LoginAttempts.WithLabelValues("mfa_failure").Inc()
			a.logger.Warnw("AUDIT: MFA validation failed",
				"username", sanitizeLogMessage(req.Username), "ip", clientIP, "request_id", requestID)
			writeError(w, http.StatusUnauthorized, "Invalid credentials", nil, nil)
			return
		}
	}

	if err := a.users.ResetLoginFailures(r.Context(), user.Username); err != nil {
		a.logger.Errorw("Failed to reset login failures", "error", err)
	}

	now := time.Now()
	rec := &session.Record{
		ID:        uuid.New().String(),
		Username:  user.Username,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.config.Session.TTL),
	}
	if err := a.sessions.Put(r.Context(), rec, a.config.Session.TTL); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session", err, a.logger)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     core.SessionCookieName,
		Value:    rec.ID,
		Path:     "/",
		MaxAge:   int(a.config.Session.TTL.Seconds()),
		HttpOnly: true,
		Secure:   a.config.API.TLS,
		SameSite: http.SameSiteStrictMode,
	})

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	metrics.ActiveSessions.Inc()
	a.logger.Infow("AUDIT: login successful",
		"username", user.Username, "role", user.Role, "ip", clientIP, "request_id", requestID)

	respondJSON(w, http.StatusOK, loginResponse{
		Username:  user.Username,
		Role:      user.Role,
		ExpiresAt: rec.ExpiresAt,
	}, a.logger)
}

// logout tears down the server-side session and clears the cookie.
//
// POST /api/auth/logout
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := GetSessionID(r.Context())
	if ok {
		if err := a.sessions.Delete(r.Context(), sessionID); err != nil {
			a.logger.Errorw("Failed to delete session", "error", err)
		} else {
			metrics.ActiveSessions.Dec()
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     core.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.config.API.TLS,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     core.CSRFCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.config.API.TLS,
		SameSite: http.SameSiteStrictMode,
	})

	username, _ := GetUsername(r.Context())
	a.logger.Infow("AUDIT: logout", "username", username,
		"request_id", GetRequestIDOrDefault(r.Context()))

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"}, a.logger)
}

type authStatusResponse struct {
	Authenticated bool      `json:"authenticated"`
	Username      string    `json:"username,omitempty"`
	Role          string    `json:"role,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// authStatus reports whether the caller has a valid session. Unlike the
// protected routes it never returns 401; the frontend polls it to decide
// whether to show the login page.
//
// GET /api/auth/status
func (a *API) authStatus(w http.ResponseWriter, r *http.Request) {
	if !a.config.Auth.Enabled {
		respondJSON(w, http.StatusOK, authStatusResponse{Authenticated: true}, a.logger)
		return
	}

	cookie, err := r.Cookie(core.SessionCookieName)
	if err != nil || cookie.Value == "" {
		respondJSON(w, http.StatusOK, authStatusResponse{Authenticated: false}, a.logger)
		return
	}

	rec, err := a.sessions.Get(r.Context(), cookie.Value)
	if err != nil || rec.Expired(time.Now()) {
		respondJSON(w, http.StatusOK, authStatusResponse{Authenticated: false}, a.logger)
		return
	}

	respondJSON(w, http.StatusOK, authStatusResponse{
		Authenticated: true,
		Username:      rec.Username,
		Role:          rec.Role,
		ExpiresAt:     rec.ExpiresAt,
	}, a.logger)
}
