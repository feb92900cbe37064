package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	googleuuid "github.com/google/uuid"
	"go.uber.org/zap"

	"custos/core"
)

// sanitizeErrorMessage removes sensitive information from error messages
// before sending to clients.
func sanitizeErrorMessage(message string) string {
	// Remove database connection strings
	message = regexp.MustCompile(`(?:sqlite|redis|postgres|postgresql|mysql)://[^\s"']+`).ReplaceAllString(message, "[DATABASE_CONNECTION]")

	// Remove file paths (Unix and Windows style)
	message = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/ ])*[^\\/:*?"<>|\s]+`).ReplaceAllString(message, "[FILE_PATH]")

	// Redact private IP addresses only; public IPs stay visible for
	// debugging external service issues.
	message = regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}(?::\d{1,5})?\b`).ReplaceAllString(message, "[PRIVATE_IP]")
	message = regexp.MustCompile(`\b172\.(?:1[6-9]|2[0-9]|3[01])(?:\.\d{1,3}){2}(?::\d{1,5})?\b`).ReplaceAllString(message, "[PRIVATE_IP]")
	message = regexp.MustCompile(`\b192\.168(?:\.\d{1,3}){2}(?::\d{1,5})?\b`).ReplaceAllString(message, "[PRIVATE_IP]")

	// Remove credentials and secrets
	message = regexp.MustCompile(`(?i)(?:password|secret|token|key|credential|auth)[:=]\s*["']?[^"'\s]+["']?`).ReplaceAllString(message, "$1=[REDACTED]")

	// Remove stack traces
	message = regexp.MustCompile(`(?m)^goroutine \d+.*$`).ReplaceAllString(message, "[STACK_TRACE]")

	if len(message) > core.MaxErrorMessageLength {
		message = message[:core.MaxErrorMessageLength-3] + "..."
	}

	return message
}

// sanitizeLogMessage removes control characters and secrets from
// user-influenced strings before logging. Newlines are escaped so an
// attacker cannot inject fake log entries.
func sanitizeLogMessage(message string) string {
	message = strings.ReplaceAll(message, "\n", "\\n")
	message = strings.ReplaceAll(message, "\r", "\\r")
	message = strings.ReplaceAll(message, "\t", "\\t")
	message = regexp.MustCompile(`[\x00-\x1F\x7F]`).ReplaceAllString(message, "")

	message = regexp.MustCompile(`(?i)password[:=]\s*["']?[^"'\s]+["']?`).ReplaceAllString(message, "password=[REDACTED]")
	message = regexp.MustCompile(`(?i)token[:=]\s*["']?[^"'\s]+["']?`).ReplaceAllString(message, "token=[REDACTED]")
	message = regexp.MustCompile(`(?i)(?:api[_-]?key|secret|credential)[:=]\s*["']?[^"'\s]+["']?`).ReplaceAllString(message, "$1=[REDACTED]")

	return message
}

// writeError writes an error response to the client and logs it with
// proper sanitization. The full error is logged; the client only sees
// the sanitized message.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Errorw(message, "status_code", statusCode)
		}
	}

	sanitized := sanitizeErrorMessage(message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": sanitized})
}

// respondJSON writes v as a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

// validateUUID validates that a string is a valid UUID of any version.
func validateUUID(id string) error {
	if _, err := googleuuid.Parse(id); err != nil {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// validateUsername checks that a username contains only allowed
// characters: alphanumeric, underscore, hyphen, @, period.
func validateUsername(username string) error {
	const maxUsernameLen = 255

	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(username) > maxUsernameLen {
		return fmt.Errorf("username exceeds maximum length of %d characters", maxUsernameLen)
	}
	for _, r := range username {
		if !isAllowedUsernameChar(r) {
			return fmt.Errorf("username contains invalid character: %q", r)
		}
	}
	return nil
}

func isAllowedUsernameChar(r rune) bool {
	if r >= 'a' && r <= 'z' {
		return true
	}
	if r >= 'A' && r <= 'Z' {
		return true
	}
	if r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '_', '-', '@', '.':
		return true
	}
	return false
}

// decodeJSONBodyWithLimit decodes a JSON request body with a size limit
// and unknown-field rejection.
func (a *API) decodeJSONBodyWithLimit(w http.ResponseWriter, r *http.Request, dst interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	err := decoder.Decode(dst)
	if err != nil {
		var syntaxError *json.SyntaxError
		var unmarshalTypeError *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxError):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at byte offset %d", syntaxError.Offset), err, a.logger)
		case errors.As(err, &unmarshalTypeError):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid type for field '%s': expected %s, got %s", unmarshalTypeError.Field, unmarshalTypeError.Type, unmarshalTypeError.Value), err, a.logger)
		case strings.Contains(err.Error(), "unknown field"):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("JSON contains %s", err.Error()), err, a.logger)
		case err.Error() == "http: request body too large":
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
		default:
			writeError(w, http.StatusBadRequest, "Invalid JSON body", err, a.logger)
		}
		return err
	}

	return nil
}

// getRealIP extracts the real client IP from the request, considering
// proxy trust settings. Forwarded headers are only honored when the
// direct peer is a trusted proxy.
func getRealIP(r *http.Request, trustProxy bool, trustedNetworks []string) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}

	if !trustProxy {
		return directIP
	}

	if isTrustedProxy(directIP, trustedNetworks) {
		xff := r.Header.Get("X-Forwarded-For")
		if xff != "" {
			ips := strings.Split(xff, ",")
			if len(ips) > 0 {
				ip := strings.TrimSpace(ips[0])
				if ip != "" && net.ParseIP(ip) != nil {
					return ip
				}
			}
		}

		xri := r.Header.Get("X-Real-IP")
		if xri != "" && net.ParseIP(xri) != nil {
			return xri
		}
	}

	return directIP
}

// isTrustedProxy checks if an IP is in the trusted proxy networks list.
// Entries may be CIDR ranges or exact IPs.
func isTrustedProxy(ip string, trustedNetworks []string) bool {
	if len(trustedNetworks) == 0 {
		return false
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, network := range trustedNetworks {
		if strings.Contains(network, "/") {
			_, ipNet, err := net.ParseCIDR(network)
			if err == nil && ipNet.Contains(parsedIP) {
				return true
			}
		} else if network == ip {
			return true
		}
	}

	return false
}
