package bootstrap

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// GenerateSecurePassword creates a random password of at least 16
// characters using crypto/rand.
func GenerateSecurePassword(length int) (string, error) {
	if length < 16 {
		length = 16
	}

	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	password := base64.URLEncoding.EncodeToString(bytes)
	if len(password) > length {
		password = password[:length]
	}

	return password, nil
}

// EnsureDataDirectory creates the data directory if it is missing.
func EnsureDataDirectory(dataDir string, sugar *zap.SugaredLogger) error {
	if dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	sugar.Infow("Data directory ready", "path", dataDir)
	return nil
}

// printBootstrapCredentials writes generated admin credentials to
// stderr. This is the only place they are ever shown.
func printBootstrapCredentials(username, password string) {
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "     DEFAULT ADMIN CREDENTIALS\n")
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "  Username: %s\n", username)
	fmt.Fprintf(os.Stderr, "  Password: %s\n", password)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "  IMPORTANT: This password will NOT be\n")
	fmt.Fprintf(os.Stderr, "  shown again! Store it securely now.\n")
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
