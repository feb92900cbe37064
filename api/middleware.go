package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"custos/core"
	"custos/metrics"
	"custos/session"
)

// requestIDMiddleware adds X-Request-ID handling and timing to all
// requests. An incoming ID is reused when well-formed, otherwise a new
// UUID is generated. The ID is echoed back for client correlation.
func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := WithRequestID(r.Context(), requestID)
		ctx = WithTraceStart(ctx, start)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// sanitizeRequestID rejects IDs that could enable log injection or
// memory exhaustion.
func sanitizeRequestID(id string) string {
	if requestIDPattern.MatchString(id) {
		return id
	}
	return ""
}

// securityHeadersMiddleware adds restrictive security headers to API
// responses.
func (a *API) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")

		if a.config.API.TLS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for allowed origins. Credentials are
// permitted because the session and CSRF cookies ride along.
func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.API.AllowedOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+core.CSRFHeaderName)
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces a per-IP token bucket. Limiters live in a
// bounded LRU cache so hostile traffic cannot grow memory without limit;
// evicting an idle entry just resets that IP's bucket.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)

		limiter, ok := a.rateLimiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(
				rate.Limit(a.config.API.RateLimit.RequestsPerSecond),
				a.config.API.RateLimit.Burst)
			a.rateLimiters.Add(ip, limiter)
		}

		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request counts and latency.
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	})
}

// errorRecoveryMiddleware recovers panics, logs the stack server-side,
// and returns a sanitized 500 to the client.
func (a *API) errorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stackBuf := make([]byte, 4096)
				stackLen := runtime.Stack(stackBuf, false)

				a.logger.Errorw("PANIC RECOVERED",
					"error", sanitizeLogMessage(fmt.Sprintf("%v", err)),
					"request_id", GetRequestIDOrDefault(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"client_ip", getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks),
					"stack_trace", string(stackBuf[:stackLen]),
				)
				metrics.PanicsRecovered.WithLabelValues(r.Method, r.URL.Path).Inc()

				writeError(w, http.StatusInternalServerError, "Internal server error", fmt.Errorf("panic: %v", err), a.logger)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// sessionAuthMiddleware resolves the session cookie against the session
// store and attaches the user's identity to the request context.
// Requests without a valid session get 401.
func (a *API) sessionAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(core.SessionCookieName)
		if err != nil || cookie.Value == "" {
			// Automation clients present a bearer token instead of a
			// session cookie.
			if token := bearerToken(r); token != "" {
				claims, err := validateServiceToken(token, a.config.Auth.JWTSecret)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "Authentication required", err, a.logger)
					return
				}
				ctx := WithUsername(r.Context(), claims.Subject)
				ctx = WithRole(ctx, claims.Role)
				ctx = WithTokenAuth(ctx)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			writeError(w, http.StatusUnauthorized, "Authentication required", nil, nil)
			return
		}

		rec, err := a.sessions.Get(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "Authentication required", nil, nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "Session lookup failed", err, a.logger)
			return
		}
		if rec.Expired(time.Now()) {
			_ = a.sessions.Delete(r.Context(), rec.ID)
			writeError(w, http.StatusUnauthorized, "Authentication required", nil, nil)
			return
		}

		ctx := WithUsername(r.Context(), rec.Username)
		ctx = WithRole(ctx, rec.Role)
		ctx = WithSessionID(ctx, rec.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a handler to specific roles. The session middleware
// must run first.
func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.Auth.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			role, ok := GetRole(r.Context())
			if !ok || !allowed[role] {
				username, _ := GetUsername(r.Context())
				a.logger.Warnw("AUDIT: access denied",
					"username", sanitizeLogMessage(username),
					"role", sanitizeLogMessage(role),
					"path", r.URL.Path,
					"request_id", GetRequestIDOrDefault(r.Context()))
				writeError(w, http.StatusForbidden, "Insufficient permissions", nil, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
