package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custos/core"
	"custos/storage"
)

func sessionCookieFrom(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == core.SessionCookieName {
			return c
		}
	}
	return nil
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "alice", Password: testPassword}, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody[loginResponse](t, rr)
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, storage.RoleAdmin, resp.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)

	cookie := sessionCookieFrom(t, rr)
	require.NotNil(t, cookie, "session cookie must be set")
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	// The cookie value is a live session in the store.
	rec, err := env.sessions.Get(context.Background(), cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", storage.RoleMember)

	rr := env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "alice", Password: "not-the-password"}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Nil(t, sessionCookieFrom(t, rr))
}

func TestLogin_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "ghost", Password: testPassword}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogin_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", storage.RoleMember)
	require.NoError(t, env.users.UpdateUser(context.Background(), &storage.User{
		Username: "alice",
		Active:   false,
	}))

	rr := env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "alice", Password: testPassword}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", storage.RoleMember)

	// Test config locks after three failures.
	for i := 0; i < 3; i++ {
		rr := env.doJSON(t, "POST", "/api/auth/login",
			loginRequest{Username: "alice", Password: "wrong"}, nil, nil)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	// The correct password is rejected while the lock holds.
	rr := env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "alice", Password: testPassword}, nil, nil)
	assert.Equal(t, http.StatusLocked, rr.Code)
}

func TestLogin_MFA(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", storage.RoleMember)

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "custos", AccountName: "alice"})
	require.NoError(t, err)
	require.NoError(t, env.users.UpdateUser(context.Background(), &storage.User{
		Username:   "alice",
		Active:     true,
		TOTPSecret: key.Secret(),
		MFAEnabled: true,
	}))

	t.Run("missing code", func(t *testing.T) {
		rr := env.doJSON(t, "POST", "/api/auth/login",
			loginRequest{Username: "alice", Password: testPassword}, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("wrong code", func(t *testing.T) {
		rr := env.doJSON(t, "POST", "/api/auth/login",
			loginRequest{Username: "alice", Password: testPassword, TOTPCode: "000000"}, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("valid code", func(t *testing.T) {
		// Reset the failure counter the earlier subtests accumulated.
		require.NoError(t, env.users.ResetLoginFailures(context.Background(), "alice"))

		code, err := totp.GenerateCode(key.Secret(), time.Now())
		require.NoError(t, err)
		rr := env.doJSON(t, "POST", "/api/auth/login",
			loginRequest{Username: "alice", Password: testPassword, TOTPCode: code}, nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)

	var last int
	for i := 0; i < 11; i++ {
		rr := env.doJSON(t, "POST", "/api/auth/login",
			loginRequest{Username: "nobody", Password: "wrong"}, nil, nil)
		last = rr.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestLogout_DestroysSession(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "alice", storage.RoleMember)

	sessionID := ""
	for _, c := range cookies {
		if c.Name == core.SessionCookieName {
			sessionID = c.Value
		}
	}
	require.NotEmpty(t, sessionID)

	rr := env.doJSON(t, "POST", "/api/auth/logout", nil, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)

	// Session record is gone and both cookies are expired.
	_, err := env.sessions.Get(context.Background(), sessionID)
	assert.Error(t, err)

	cleared := map[string]bool{}
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge < 0 {
			cleared[c.Name] = true
		}
	}
	assert.True(t, cleared[core.SessionCookieName])
	assert.True(t, cleared[core.CSRFCookieName])

	// The old session no longer authenticates.
	rr = env.doJSON(t, "GET", "/api/frameworks", nil, cookies, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthStatus(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unauthenticated", func(t *testing.T) {
		rr := env.doJSON(t, "GET", "/api/auth/status", nil, nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[authStatusResponse](t, rr)
		assert.False(t, resp.Authenticated)
	})

	t.Run("authenticated", func(t *testing.T) {
		cookie := env.startSession(t, "alice", storage.RoleAuditor)
		rr := env.doJSON(t, "GET", "/api/auth/status", nil, []*http.Cookie{cookie}, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[authStatusResponse](t, rr)
		assert.True(t, resp.Authenticated)
		assert.Equal(t, "alice", resp.Username)
		assert.Equal(t, storage.RoleAuditor, resp.Role)
	})

	t.Run("garbage cookie", func(t *testing.T) {
		cookie := &http.Cookie{Name: core.SessionCookieName, Value: "no-such-session"}
		rr := env.doJSON(t, "GET", "/api/auth/status", nil, []*http.Cookie{cookie}, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody[authStatusResponse](t, rr)
		assert.False(t, resp.Authenticated)
	})
}
