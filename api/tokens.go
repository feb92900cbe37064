package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"custos/storage"
)

// serviceClaims are the claims carried by service-account tokens used
// by automation (CI pipelines uploading evidence, integrations pulling
// dashboard data).
type serviceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type issueTokenRequest struct {
	Name string `json:"name" validate:"required,max=255"`
	Role string `json:"role" validate:"required"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// generateServiceToken signs an HS256 token for a named automation
// principal.
func generateServiceToken(name, role, secret string, expiry time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(expiry)

	claims := &serviceClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			Issuer:    "custos",
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// validateServiceToken parses and verifies a service-account token.
func validateServiceToken(tokenString, secret string) (*serviceClaims, error) {
	claims := &serviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || !storage.ValidRole(claims.Role) {
		return nil, errors.New("malformed claims")
	}
	return claims, nil
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// issueServiceToken mints a token for automation clients. Admin only.
// Tokens cannot carry the admin role; automation acts as auditor or
// member at most.
//
// POST /api/tokens
func (a *API) issueServiceToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Name and role are required", err, a.logger)
		return
	}
	if req.Role != storage.RoleAuditor && req.Role != storage.RoleMember {
		writeError(w, http.StatusBadRequest, "Service tokens may only hold the auditor or member role", nil, a.logger)
		return
	}

	token, expiresAt, err := generateServiceToken(req.Name, req.Role, a.config.Auth.JWTSecret, a.config.Auth.JWTExpiry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err, a.logger)
		return
	}

	a.recordAudit(r, "token.issue", "service_token", req.Name, req.Role)
	a.logger.Infow("AUDIT: service token issued",
		"name", sanitizeLogMessage(req.Name), "role", req.Role, "expires_at", expiresAt)
	respondJSON(w, http.StatusCreated, issueTokenResponse{Token: token, ExpiresAt: expiresAt}, a.logger)
}
