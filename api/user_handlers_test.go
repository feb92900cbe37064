package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custos/storage"
)

func TestGetCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", storage.RoleMember)
	cookie := env.startSession(t, "alice", storage.RoleMember)

	rr := env.doJSON(t, "GET", "/api/users/me", nil, []*http.Cookie{cookie}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	user := decodeBody[storage.User](t, rr)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, storage.RoleMember, user.Role)
	assert.NotContains(t, rr.Body.String(), "password")
}

func TestUserAdmin_CreateListDelete(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "admin", storage.RoleAdmin)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/users", createUserRequest{
		Username: "dave",
		Password: "a-long-enough-password",
		Role:     storage.RoleAuditor,
	}, cookies, headers)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = env.doJSON(t, "GET", "/api/users", nil, cookies, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	users := decodeBody[[]storage.User](t, rr)
	assert.Len(t, users, 2)

	// The new account can log in.
	rr = env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "dave", Password: "a-long-enough-password"}, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.doJSON(t, "DELETE", "/api/users/dave", nil, cookies, headers)
	require.Equal(t, http.StatusNoContent, rr.Code)

	_, err := env.users.GetUserByUsername(context.Background(), "dave")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateUser_ShortPassword(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/users", createUserRequest{
		Username: "dave",
		Password: "short",
		Role:     storage.RoleMember,
	}, cookies, headers)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "dave", storage.RoleMember)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/users", createUserRequest{
		Username: "dave",
		Password: "a-long-enough-password",
		Role:     storage.RoleMember,
	}, cookies, headers)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestUpdateUser_RoleAndDeactivate(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "dave", storage.RoleMember)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	role := storage.RoleAuditor
	active := false
	rr := env.doJSON(t, "PUT", "/api/users/dave",
		updateUserRequest{Role: &role, Active: &active}, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)

	user, err := env.users.GetUserByUsername(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAuditor, user.Role)
	assert.False(t, user.Active)
}

func TestUpdateUser_PasswordChange(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "dave", storage.RoleMember)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	newPassword := "rotated-credential-99"
	rr := env.doJSON(t, "PUT", "/api/users/dave",
		updateUserRequest{Password: &newPassword}, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "dave", Password: testPassword}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "dave", Password: newPassword}, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeleteUser_Self(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "admin", storage.RoleAdmin)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "DELETE", "/api/users/admin", nil, cookies, headers)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteUser_RevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "dave", storage.RoleMember)
	daveCookie := env.startSession(t, "dave", storage.RoleMember)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "DELETE", "/api/users/dave", nil, cookies, headers)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.doJSON(t, "GET", "/api/frameworks", nil, []*http.Cookie{daveCookie}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUnlockUser(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "dave", storage.RoleMember)

	for i := 0; i < 3; i++ {
		rr := env.doJSON(t, "POST", "/api/auth/login",
			loginRequest{Username: "dave", Password: "wrong"}, nil, nil)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "dave", Password: testPassword}, nil, nil)
	require.Equal(t, http.StatusLocked, rr.Code)

	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)
	rr = env.doJSON(t, "POST", "/api/users/dave/unlock", nil, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.doJSON(t, "POST", "/api/auth/login",
		loginRequest{Username: "dave", Password: testPassword}, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestUserRoutes_AdminOnly(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "bob", storage.RoleMember)

	rr := env.doJSON(t, "GET", "/api/users", nil, cookies, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.doJSON(t, "POST", "/api/users", createUserRequest{
		Username: "eve", Password: "a-long-enough-password", Role: storage.RoleMember,
	}, cookies, headers)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
