package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"custos/core"
	"custos/metrics"
)

// CSRF protection uses the signed double-submit cookie pattern. The
// client receives a random token in the response body and the server
// keeps only SHA-256(token || secret) in an httpOnly cookie. A
// state-changing request must echo the token in a header; the middleware
// recomputes the hash and compares it to the cookie. The raw token is
// never stored server-side, and the cookie alone is useless to an
// attacker who cannot read the response body.

// csrfErrorResponse is the JSON body for CSRF failures. Detail
// distinguishes a missing token from an invalid one so clients can
// decide whether to re-fetch a token or surface an error.
type csrfErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (a *API) writeCSRFError(w http.ResponseWriter, statusCode int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(csrfErrorResponse{
		Error:  "CSRF validation failed",
		Detail: detail,
	}); err != nil {
		a.logger.Errorw("Failed to encode CSRF error response", "error", err)
	}
}

// hashCSRFToken computes the hex-encoded SHA-256 of token || secret.
func hashCSRFToken(token, secret string) string {
	sum := sha256.Sum256([]byte(token + secret))
	return hex.EncodeToString(sum[:])
}

// issueCSRFToken generates a fresh CSRF token, stores its hash in an
// httpOnly cookie, and returns the raw token to the caller.
//
// GET /api/auth/csrf
func (a *API) issueCSRFToken(w http.ResponseWriter, r *http.Request) {
	if a.config.Auth.CSRFSecret == "" {
		metrics.CSRFValidations.WithLabelValues("internal").Inc()
		a.logger.Errorw("CSRF secret not configured",
			"request_id", GetRequestIDOrDefault(r.Context()))
		writeError(w, http.StatusInternalServerError, "CSRF protection unavailable", nil, a.logger)
		return
	}

	tokenBytes := make([]byte, core.CSRFTokenBytes)
	if _, err := rand.Read(tokenBytes); err != nil {
		metrics.CSRFValidations.WithLabelValues("internal").Inc()
		a.logger.Errorw("Failed to generate CSRF token", "error", err,
			"request_id", GetRequestIDOrDefault(r.Context()))
		writeError(w, http.StatusInternalServerError, "Failed to generate CSRF token", err, a.logger)
		return
	}
	token := hex.EncodeToString(tokenBytes)

	http.SetCookie(w, &http.Cookie{
		Name:     core.CSRFCookieName,
		Value:    hashCSRFToken(token, a.config.Auth.CSRFSecret),
		Path:     "/",
		MaxAge:   int(core.CSRFCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   a.config.API.TLS,
		SameSite: http.SameSiteStrictMode,
	})

	respondJSON(w, http.StatusOK, map[string]string{"csrfToken": token}, a.logger)
}

// csrfProtectionMiddleware verifies the double-submit token on
// state-changing requests. Verification fails closed: anything other
// than a confirmed match is rejected.
func (a *API) csrfProtectionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Only state-changing methods need CSRF protection.
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		// Bearer-token requests carry no ambient cookie authority, so
		// there is nothing for a cross-site page to forge.
		if IsTokenAuth(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		requestID := GetRequestIDOrDefault(r.Context())
		clientIP := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)

		// An unconfigured secret would verify every token hashed with
		// the empty string. Refuse to verify at all.
		if a.config.Auth.CSRFSecret == "" {
			metrics.CSRFValidations.WithLabelValues("internal").Inc()
			a.logger.Errorw("CSRF secret not configured",
				"method", r.Method, "path", r.URL.Path, "request_id", requestID)
			a.writeCSRFError(w, http.StatusInternalServerError, "internal error")
			return
		}

		cookie, err := r.Cookie(core.CSRFCookieName)
		if err != nil || cookie.Value == "" {
			metrics.CSRFValidations.WithLabelValues("missing").Inc()
			a.logger.Warnw("AUDIT: CSRF cookie missing",
				"ip", clientIP, "method", r.Method, "path", r.URL.Path, "request_id", requestID)
			a.writeCSRFError(w, http.StatusForbidden, "missing token")
			return
		}

		headerToken := r.Header.Get(core.CSRFHeaderName)
		if headerToken == "" {
			metrics.CSRFValidations.WithLabelValues("missing").Inc()
			a.logger.Warnw("AUDIT: CSRF header missing",
				"ip", clientIP, "method", r.Method, "path", r.URL.Path, "request_id", requestID)
			a.writeCSRFError(w, http.StatusForbidden, "missing token")
			return
		}

		expected := hashCSRFToken(headerToken, a.config.Auth.CSRFSecret)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(cookie.Value)) != 1 {
			metrics.CSRFValidations.WithLabelValues("invalid").Inc()
			a.logger.Errorw("AUDIT: CSRF token mismatch",
				"ip", clientIP, "method", r.Method, "path", r.URL.Path,
				"user_agent", sanitizeLogMessage(r.UserAgent()), "request_id", requestID)
			a.writeCSRFError(w, http.StatusForbidden, "invalid token")
			return
		}

		metrics.CSRFValidations.WithLabelValues("ok").Inc()
		next.ServeHTTP(w, r)
	})
}
