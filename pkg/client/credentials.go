package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials are persisted by 'spotbot login' and read back by the CLI.
type Credentials struct {
	Server string `json:"server,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

// DefaultCredentialsPath returns ~/.spotbot/credentials.json.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".spotbot", "credentials.json"), nil
}

// LoadCredentials reads credentials from path. A missing file yields empty
// credentials and no error.
func LoadCredentials(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return &creds, nil
}

// Save writes creds to path with owner-only permissions.
func (creds *Credentials) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	b, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Options returns client options for the stored key and token.
func (creds *Credentials) Options() []Option {
	var opts []Option
	if creds.APIKey != "" {
		opts = append(opts, WithAPIKey(creds.APIKey))
	}
	if creds.Token != "" {
		opts = append(opts, WithBearerToken(creds.Token))
	}
	return opts
}
