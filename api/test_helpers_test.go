package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"custos/config"
	"custos/core"
	"custos/session"
	"custos/storage"
)

const (
	testCSRFSecret = "csrf-test-secret-0123456789abcdef0123456789abcdef"
	testJWTSecret  = "jwt-test-secret-0123456789abcdef0123456789abcdefgh"
	testPassword   = "correct-horse-battery-staple"
)

// testEnv bundles the API under test with its real backing stores.
type testEnv struct {
	api      *API
	users    *storage.SQLiteUserStorage
	store    *storage.SQLiteComplianceStorage
	sessions session.Store
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Port = 8081
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	cfg.API.RateLimit.MaxTrackedIPs = 100
	cfg.API.JSONBodyLimit = 1048576
	cfg.API.LoginBodyLimit = 10240
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Auth.CSRFSecret = testCSRFSecret
	cfg.Auth.JWTExpiry = time.Hour
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Auth.LockoutThreshold = 3
	cfg.Auth.LockoutDuration = 15 * time.Minute
	cfg.Session.Backend = "memory"
	cfg.Session.TTL = time.Hour
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	users := storage.NewSQLiteUserStorage(sqlite, logger, bcrypt.MinCost)
	compliance := storage.NewSQLiteComplianceStorage(sqlite, logger)

	sessions := session.NewMemoryStore(time.Minute)
	t.Cleanup(func() { sessions.Close() })

	a, err := NewAPI(Deps{
		Config:     newTestConfig(),
		Logger:     logger,
		Sessions:   sessions,
		Users:      users,
		Frameworks: compliance,
		Controls:   compliance,
		Evidence:   compliance,
		Stats:      compliance,
		Audit:      compliance,
	})
	require.NoError(t, err)

	return &testEnv{api: a, users: users, store: compliance, sessions: sessions}
}

// createUser provisions an account directly in storage.
func (e *testEnv) createUser(t *testing.T, username, role string) {
	t.Helper()
	err := e.users.CreateUser(context.Background(), &storage.User{
		Username: username,
		Password: testPassword,
		Role:     role,
		Active:   true,
	})
	require.NoError(t, err)
}

// startSession puts a session record in the store and returns its cookie.
func (e *testEnv) startSession(t *testing.T, username, role string) *http.Cookie {
	t.Helper()
	rec := &session.Record{
		ID:        uuid.New().String(),
		Username:  username,
		Role:      role,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.sessions.Put(context.Background(), rec, time.Hour))
	return &http.Cookie{Name: core.SessionCookieName, Value: rec.ID}
}

// csrfPair fetches a token from the issue endpoint and returns the raw
// token plus the hash cookie the server set.
func (e *testEnv) csrfPair(t *testing.T) (string, *http.Cookie) {
	t.Helper()

	req := httptest.NewRequest("GET", "/api/auth/csrf", nil)
	rr := httptest.NewRecorder()
	e.api.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	token := body["csrfToken"]
	require.NotEmpty(t, token)

	for _, c := range rr.Result().Cookies() {
		if c.Name == core.CSRFCookieName {
			return token, c
		}
	}
	t.Fatal("CSRF cookie not set")
	return "", nil
}

// doJSON performs an authenticated JSON request through the router.
func (e *testEnv) doJSON(t *testing.T, method, path string, payload interface{}, cookies []*http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	e.api.Router().ServeHTTP(rr, req)
	return rr
}

// authedRequest builds the cookie/header set for a logged-in user with
// a valid CSRF pair.
func (e *testEnv) authedRequest(t *testing.T, username, role string) ([]*http.Cookie, map[string]string) {
	t.Helper()
	sessionCookie := e.startSession(t, username, role)
	token, csrfCookie := e.csrfPair(t)
	return []*http.Cookie{sessionCookie, csrfCookie}, map[string]string{core.CSRFHeaderName: token}
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}
