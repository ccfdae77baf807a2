// Package auth checks the connection token front-ends present to the kernel
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const MinTokenLength = 32

// Auth holds the hash of the connection token, never the token itself
type Auth struct {
	hash [sha256.Size]byte
}

func New(token string) (*Auth, error) {
	if len(token) < MinTokenLength {
		return nil, fmt.Errorf("token must be at least %d characters long", MinTokenLength)
	}
	return &Auth{hash: sha256.Sum256([]byte(token))}, nil
}

// Validate compares token in constant time
func (a *Auth) Validate(token string) bool {
	hash := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(hash[:], a.hash[:]) == 1
}

// Middleware rejects requests without a valid token
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Validate(TokenFromRequest(r)) {
			slog.Debug("Rejected unauthenticated request", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest reads "Authorization: token <t>" (or Bearer) and falls back to the
// token query parameter, which browsers need for websockets
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && (strings.EqualFold(scheme, "token") || strings.EqualFold(scheme, "bearer")) {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// GenerateToken returns a random hex token
func GenerateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WriteTokenFile stores token so that only the current user can read it
func WriteTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// ReadTokenFile reads a token written by WriteTokenFile
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
