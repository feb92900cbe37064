package api

import (
	"context"
	"time"
)

// contextKey is a private type to prevent context key collisions across
// packages. Only this package can create keys of this type, so request
// identity cannot be spoofed by string-based context pollution.
type contextKey string

const (
	// ContextKeyUsername stores the authenticated username (string)
	ContextKeyUsername contextKey = "username"

	// ContextKeyRole stores the user's role name (string)
	ContextKeyRole contextKey = "role"

	// ContextKeySessionID stores the session identifier (string)
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyRequestID stores the unique request identifier (string)
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyTraceStart stores the request start time (time.Time)
	ContextKeyTraceStart contextKey = "trace_start"

	// ContextKeyTokenAuth marks a request authenticated by bearer
	// token rather than session cookie (bool)
	ContextKeyTokenAuth contextKey = "token_auth"
)

// WithUsername returns a context carrying the authenticated username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ContextKeyUsername, username)
}

// GetUsername extracts the username from the context.
func GetUsername(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(ContextKeyUsername).(string)
	return username, ok
}

// WithRole returns a context carrying the user's role.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ContextKeyRole, role)
}

// GetRole extracts the user's role from the context.
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(ContextKeyRole).(string)
	return role, ok
}

// WithSessionID returns a context carrying the session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, id)
}

// GetSessionID extracts the session ID from the context.
func GetSessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeySessionID).(string)
	return id, ok
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeyRequestID).(string)
	return id, ok
}

// GetRequestIDOrDefault returns the request ID or "unknown".
func GetRequestIDOrDefault(ctx context.Context) string {
	if id, ok := GetRequestID(ctx); ok && id != "" {
		return id
	}
	return "unknown"
}

// WithTokenAuth marks the context as bearer-token authenticated.
func WithTokenAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeyTokenAuth, true)
}

// IsTokenAuth reports whether the request authenticated with a bearer
// token instead of a session cookie.
func IsTokenAuth(ctx context.Context) bool {
	v, ok := ctx.Value(ContextKeyTokenAuth).(bool)
	return ok && v
}

// WithTraceStart returns a context carrying the request start time.
func WithTraceStart(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyTraceStart, start)
}

// GetTraceStart extracts the request start time from the context.
func GetTraceStart(ctx context.Context) (time.Time, bool) {
	start, ok := ctx.Value(ContextKeyTraceStart).(time.Time)
	return start, ok
}
