package core

import "time"

// Session and CSRF constants shared between the api and session packages.
const (
	// SessionCookieName is the httpOnly cookie carrying the session JWT.
	SessionCookieName = "custos_session"

	// CSRFHeaderName is the request header clients echo the raw CSRF token in.
	CSRFHeaderName = "X-CSRF-Token"

	// CSRFCookieName is the httpOnly cookie carrying the salted token hash.
	// The raw token is never stored server-side; only its hash travels in
	// the cookie (double-submit with secret binding).
	CSRFCookieName = "csrf_token_hash"

	// CSRFTokenBytes is the entropy of issued CSRF tokens (256 bits).
	CSRFTokenBytes = 32

	// CSRFCookieMaxAge bounds the verification window for an issued token.
	CSRFCookieMaxAge = 1 * time.Hour
)

// SessionTokenExpiry is the default lifetime of a session JWT.
const SessionTokenExpiry = 24 * time.Hour

// TokenCleanupInterval is how often the revoked-token blacklist is swept.
const TokenCleanupInterval = 10 * time.Minute

// DBTimeout bounds single metadata-database operations issued from
// request handlers.
const DBTimeout = 5 * time.Second

// MaxErrorMessageLength caps client-facing error messages.
const MaxErrorMessageLength = 500
