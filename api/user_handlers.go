package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"custos/storage"
)

type createUserRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required,min=12,max=1024"`
	Role     string `json:"role" validate:"required"`
}

type updateUserRequest struct {
	Password *string `json:"password,omitempty" validate:"omitempty,min=12,max=1024"`
	Role     *string `json:"role,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// getCurrentUser returns the authenticated user's own record.
//
// GET /api/users/me
func (a *API) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	username, ok := GetUsername(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil, a.logger)
		return
	}

	user, err := a.users.GetUserByUsername(r.Context(), username)
	if err != nil {
		a.writeStorageError(w, err, "user")
		return
	}
	respondJSON(w, http.StatusOK, user, a.logger)
}

// listUsers returns all accounts. Admin only.
//
// GET /api/users
func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err, a.logger)
		return
	}
	if users == nil {
		users = []*storage.User{}
	}
	respondJSON(w, http.StatusOK, users, a.logger)
}

// createUser provisions an account. Admin only.
//
// POST /api/users
func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Username, password (min 12 chars) and role are required", err, a.logger)
		return
	}
	if err := validateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid username", err, a.logger)
		return
	}
	if !storage.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "Unknown role", nil, a.logger)
		return
	}

	user := &storage.User{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
		Active:   true,
	}
	if err := a.users.CreateUser(r.Context(), user); err != nil {
		a.writeStorageError(w, err, "user")
		return
	}

	a.recordAudit(r, "user.create", "user", req.Username, req.Role)
	respondJSON(w, http.StatusCreated, user, a.logger)
}

// updateUser changes password, role or active flag. Admin only.
//
// PUT /api/users/{username}
func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := validateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid username", err, a.logger)
		return
	}

	var req updateUserRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Password must be at least 12 characters", err, a.logger)
		return
	}

	user, err := a.users.GetUserByUsername(r.Context(), username)
	if err != nil {
		a.writeStorageError(w, err, "user")
		return
	}

	if req.Role != nil {
		if !storage.ValidRole(*req.Role) {
			writeError(w, http.StatusBadRequest, "Unknown role", nil, a.logger)
			return
		}
		user.Role = *req.Role
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.Password != nil {
		user.Password = *req.Password
	}

	if err := a.users.UpdateUser(r.Context(), user); err != nil {
		a.writeStorageError(w, err, "user")
		return
	}

	a.recordAudit(r, "user.update", "user", username, user.Role)
	respondJSON(w, http.StatusOK, user, a.logger)
}

// deleteUser removes an account. Admins cannot delete themselves so a
// workspace always retains at least the acting admin.
//
// DELETE /api/users/{username}
func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := validateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid username", err, a.logger)
		return
	}
	if actor, ok := GetUsername(r.Context()); ok && actor == username {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account", nil, a.logger)
		return
	}

	if err := a.users.DeleteUser(r.Context(), username); err != nil {
		a.writeStorageError(w, err, "user")
		return
	}

	// Deleted users lose every live session immediately.
	if err := a.sessions.RevokeUser(r.Context(), username); err != nil {
		a.logger.Errorw("Failed to revoke sessions for deleted user", "username", username, "error", err)
	}

	a.recordAudit(r, "user.delete", "user", username, "")
	w.WriteHeader(http.StatusNoContent)
}

// unlockUser clears a lockout before it expires. Admin only.
//
// POST /api/users/{username}/unlock
func (a *API) unlockUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := validateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid username", err, a.logger)
		return
	}

	if _, err := a.users.GetUserByUsername(r.Context(), username); err != nil {
		a.writeStorageError(w, err, "user")
		return
	}
	if err := a.users.ResetLoginFailures(r.Context(), username); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to unlock user", err, a.logger)
		return
	}

	a.recordAudit(r, "user.unlock", "user", username, "")
	a.logger.Infow("AUDIT: account unlocked", "username", username)
	respondJSON(w, http.StatusOK, map[string]string{"status": "unlocked"}, a.logger)
}
