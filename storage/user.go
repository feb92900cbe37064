package storage

import (
	"context"
	"time"
)

// User roles. Role checks are coarse: admins manage users and billing,
// auditors review evidence, members submit it.
const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleMember  = "member"
)

// ValidRole reports whether name is a recognized role.
func ValidRole(name string) bool {
	switch name {
	case RoleAdmin, RoleAuditor, RoleMember:
		return true
	}
	return false
}

// User represents an account in the system.
type User struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"` // bcrypt hash, never returned in JSON
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MFA/TOTP support
	TOTPSecret string `json:"-"`
	MFAEnabled bool   `json:"mfa_enabled,omitempty"`

	// Account lockout support
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
}

// Locked reports whether the account is locked out at the given time.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// UserStorage interface for user management operations.
type UserStorage interface {
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]*User, error)
	ValidateCredentials(ctx context.Context, username string, password string) (*User, error)

	// Lockout bookkeeping. RecordLoginFailure increments the failure
	// counter and sets LockedUntil once threshold is reached.
	RecordLoginFailure(ctx context.Context, username string, threshold int, lockFor time.Duration) error
	ResetLoginFailures(ctx context.Context, username string) error
}
