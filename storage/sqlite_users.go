package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when authentication fails. It covers
// unknown usernames and wrong passwords alike so callers cannot
// distinguish the two.
var ErrInvalidCredentials = errors.New("invalid credentials")

// SQLiteUserStorage implements UserStorage using SQLite.
type SQLiteUserStorage struct {
	sqlite     *SQLite
	logger     *zap.SugaredLogger
	bcryptCost int
}

// NewSQLiteUserStorage creates a new SQLite-based user storage.
func NewSQLiteUserStorage(sqlite *SQLite, logger *zap.SugaredLogger, bcryptCost int) *SQLiteUserStorage {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &SQLiteUserStorage{
		sqlite:     sqlite,
		logger:     logger,
		bcryptCost: bcryptCost,
	}
}

// CreateUser creates a new user. The Password field must hold the
// plaintext password; it is hashed before storage.
func (sus *SQLiteUserStorage) CreateUser(ctx context.Context, user *User) error {
	if !ValidRole(user.Role) {
		return fmt.Errorf("invalid role: %s", user.Role)
	}

	existing, err := sus.GetUserByUsername(ctx, user.Username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("user %s: %w", user.Username, ErrAlreadyExists)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(user.Password), sus.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Active = true
	if user.PasswordChangedAt == nil {
		user.PasswordChangedAt = &now
	}

	query := `
		INSERT INTO users (username, password_hash, role, active, totp_secret, mfa_enabled,
		                   failed_login_attempts, locked_until, password_changed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = sus.sqlite.WriteDB.ExecContext(ctx, query,
		user.Username,
		string(hashedPassword),
		user.Role,
		boolToInt(user.Active),
		user.TOTPSecret,
		boolToInt(user.MFAEnabled),
		user.FailedLoginAttempts,
		timePtrToString(user.LockedUntil),
		timePtrToString(user.PasswordChangedAt),
		user.CreatedAt.Format(time.RFC3339),
		user.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.Password = "" // never keep plaintext around
	sus.logger.Infow("AUDIT: user created", "username", user.Username, "role", user.Role)
	return nil
}

// CreateUserWithHash inserts a user whose password is already a bcrypt
// hash. Used at startup when the bootstrap admin password arrives
// pre-hashed from config validation.
func (sus *SQLiteUserStorage) CreateUserWithHash(ctx context.Context, user *User, passwordHash string) error {
	if !ValidRole(user.Role) {
		return fmt.Errorf("invalid role: %s", user.Role)
	}

	existing, err := sus.GetUserByUsername(ctx, user.Username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("user %s: %w", user.Username, ErrAlreadyExists)
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Active = true
	if user.PasswordChangedAt == nil {
		user.PasswordChangedAt = &now
	}

	query := `
		INSERT INTO users (username, password_hash, role, active, totp_secret, mfa_enabled,
		                   failed_login_attempts, locked_until, password_changed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = sus.sqlite.WriteDB.ExecContext(ctx, query,
		user.Username,
		passwordHash,
		user.Role,
		boolToInt(user.Active),
		user.TOTPSecret,
		boolToInt(user.MFAEnabled),
		user.FailedLoginAttempts,
		timePtrToString(user.LockedUntil),
		timePtrToString(user.PasswordChangedAt),
		user.CreatedAt.Format(time.RFC3339),
		user.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	sus.logger.Infow("AUDIT: user created", "username", user.Username, "role", user.Role)
	return nil
}

// CountUsers returns the number of accounts, used for first-run
// detection.
func (sus *SQLiteUserStorage) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := sus.sqlite.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// GetUserByUsername retrieves a user by username.
func (sus *SQLiteUserStorage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT username, password_hash, role, active, totp_secret, mfa_enabled,
		       failed_login_attempts, locked_until, password_changed_at, created_at, updated_at
		FROM users
		WHERE username = ?
	`

	var user User
	var active, mfaEnabled int
	var totpSecret, lockedUntil, passwordChangedAt sql.NullString
	var createdAt, updatedAt string

	err := sus.sqlite.ReadDB.QueryRowContext(ctx, query, username).Scan(
		&user.Username,
		&user.Password,
		&user.Role,
		&active,
		&totpSecret,
		&mfaEnabled,
		&user.FailedLoginAttempts,
		&lockedUntil,
		&passwordChangedAt,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Active = active == 1
	user.MFAEnabled = mfaEnabled == 1
	if totpSecret.Valid {
		user.TOTPSecret = totpSecret.String
	}
	user.LockedUntil = parseTimePtr(lockedUntil)
	user.PasswordChangedAt = parseTimePtr(passwordChangedAt)
	user.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	user.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &user, nil
}

// UpdateUser updates an existing user. An empty Password leaves the
// stored hash unchanged.
func (sus *SQLiteUserStorage) UpdateUser(ctx context.Context, user *User) error {
	existing, err := sus.GetUserByUsername(ctx, user.Username)
	if err != nil {
		return err
	}

	if user.Role != "" && !ValidRole(user.Role) {
		return fmt.Errorf("invalid role: %s", user.Role)
	}
	if user.Role == "" {
		user.Role = existing.Role
	}

	passwordToStore := existing.Password
	if user.Password != "" {
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(user.Password), sus.bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		passwordToStore = string(hashedPassword)
		now := time.Now()
		user.PasswordChangedAt = &now
	} else {
		user.PasswordChangedAt = existing.PasswordChangedAt
	}

	if user.TOTPSecret == "" {
		user.TOTPSecret = existing.TOTPSecret
	}

	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now()

	query := `
		UPDATE users
		SET password_hash = ?, role = ?, active = ?, totp_secret = ?, mfa_enabled = ?,
		    failed_login_attempts = ?, locked_until = ?, password_changed_at = ?, updated_at = ?
		WHERE username = ?
	`

	_, err = sus.sqlite.WriteDB.ExecContext(ctx, query,
		passwordToStore,
		user.Role,
		boolToInt(user.Active),
		user.TOTPSecret,
		boolToInt(user.MFAEnabled),
		user.FailedLoginAttempts,
		timePtrToString(user.LockedUntil),
		timePtrToString(user.PasswordChangedAt),
		user.UpdatedAt.Format(time.RFC3339),
		user.Username,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	user.Password = ""
	sus.logger.Infow("AUDIT: user updated", "username", user.Username)
	return nil
}

// DeleteUser removes a user.
func (sus *SQLiteUserStorage) DeleteUser(ctx context.Context, username string) error {
	result, err := sus.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	sus.logger.Infow("AUDIT: user deleted", "username", username)
	return nil
}

// ListUsers returns all users ordered by username.
func (sus *SQLiteUserStorage) ListUsers(ctx context.Context) ([]*User, error) {
	query := `
		SELECT username, password_hash, role, active, totp_secret, mfa_enabled,
		       failed_login_attempts, locked_until, password_changed_at, created_at, updated_at
		FROM users
		ORDER BY username
	`

	rows, err := sus.sqlite.ReadDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		var user User
		var active, mfaEnabled int
		var totpSecret, lockedUntil, passwordChangedAt sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(
			&user.Username,
			&user.Password,
			&user.Role,
			&active,
			&totpSecret,
			&mfaEnabled,
			&user.FailedLoginAttempts,
			&lockedUntil,
			&passwordChangedAt,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		user.Active = active == 1
		user.MFAEnabled = mfaEnabled == 1
		if totpSecret.Valid {
			user.TOTPSecret = totpSecret.String
		}
		user.LockedUntil = parseTimePtr(lockedUntil)
		user.PasswordChangedAt = parseTimePtr(passwordChangedAt)
		user.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		user.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		users = append(users, &user)
	}

	return users, rows.Err()
}

// ValidateCredentials checks a username and password. It returns
// ErrInvalidCredentials on any mismatch, and runs a dummy bcrypt compare
// when the user does not exist to keep response timing uniform.
func (sus *SQLiteUserStorage) ValidateCredentials(ctx context.Context, username string, password string) (*User, error) {
	user, err := sus.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(
				[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
				[]byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !user.Active {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	user.Password = ""
	return user, nil
}

// RecordLoginFailure increments the failure counter and locks the account
// once the threshold is reached.
func (sus *SQLiteUserStorage) RecordLoginFailure(ctx context.Context, username string, threshold int, lockFor time.Duration) error {
	user, err := sus.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // no account to lock
		}
		return err
	}

	attempts := user.FailedLoginAttempts + 1
	var lockedUntil interface{}
	if threshold > 0 && attempts >= threshold {
		until := time.Now().Add(lockFor)
		lockedUntil = until.Format(time.RFC3339)
		sus.logger.Warnw("AUDIT: account locked after repeated login failures",
			"username", username, "attempts", attempts, "locked_until", until)
	}

	_, err = sus.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE users SET failed_login_attempts = ?, locked_until = ?, updated_at = ? WHERE username = ?`,
		attempts, lockedUntil, time.Now().Format(time.RFC3339), username)
	if err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}
	return nil
}

// ResetLoginFailures clears the failure counter and any lockout.
func (sus *SQLiteUserStorage) ResetLoginFailures(ctx context.Context, username string) error {
	_, err := sus.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = ? WHERE username = ?`,
		time.Now().Format(time.RFC3339), username)
	if err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToString(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
