// Package auth persists the access token between runs. The token is the only
// durable local state the client keeps.
package auth

import (
	"os"
	"path/filepath"
	"strings"
)

const envToken = "ACCESS_TOKEN"

// Store reads and writes the access token file. The ACCESS_TOKEN environment
// variable overrides the file when set.
type Store struct {
	path string
}

// NewStore creates a store at path. An empty path selects
// $XDG_CONFIG_HOME/classchat/token (falling back to ~/.config).
func NewStore(path string) *Store {
	if path == "" {
		path = defaultPath()
	}
	return &Store{path: path}
}

func defaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "classchat", "token")
}

// Token returns the current access token, or "" when logged out.
func (s *Store) Token() string {
	if t := os.Getenv(envToken); t != "" {
		return t
	}
	if s.path == "" {
		return ""
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Save writes the token to the token file, creating parent directories.
func (s *Store) Save(token string) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token+"\n"), 0o600)
}

// Clear removes the stored token. Clearing an absent token is not an error.
func (s *Store) Clear() error {
	if s.path == "" {
		return nil
	}
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
