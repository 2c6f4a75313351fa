package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrNoToken indicates the session has no stored bearer token yet.
var ErrNoToken = errors.New("no token stored for session")

// TokenFile reads and writes the session's bearer token on disk. It
// satisfies the token source interfaces of the connection manager and the
// REST client, re-reading the file on every call so a refreshed token is
// picked up without a restart.
type TokenFile struct {
	path string
}

// NewTokenFile returns a token source backed by the session's token file.
func NewTokenFile(sessionName string) *TokenFile {
	return &TokenFile{path: TokenPath(sessionName)}
}

// Token returns the stored bearer token, or ErrNoToken if none is stored.
func (t *TokenFile) Token() (string, error) {
	raw, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Save stores a new bearer token, replacing any previous one.
func (t *TokenFile) Save(token string) error {
	return os.WriteFile(t.path, []byte(token+"\n"), 0600)
}

// Clear removes the stored token. Clearing an absent token is a no-op.
func (t *TokenFile) Clear() error {
	err := os.Remove(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
