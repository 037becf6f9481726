package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tokenFileName = "device_token"

// CredentialStore persists the long-lived device token the gateway issues
// after first pairing. The token supersedes the bootstrap gateway token for
// every later handshake.
type CredentialStore struct {
	dir string
}

// NewCredentialStore creates a credential store rooted at dir.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

func (c *CredentialStore) path() string {
	return filepath.Join(c.dir, tokenFileName)
}

// ReadDeviceToken returns the stored device token. A missing file is not an
// error: it means the bootstrap token is still in use.
func (c *CredentialStore) ReadDeviceToken() (string, error) {
	data, err := os.ReadFile(c.path())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read device token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteDeviceToken overwrites the stored token. Last writer wins; only one
// session is active per identity, so no further coordination is provided.
func (c *CredentialStore) WriteDeviceToken(token string) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(c.path(), []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write device token: %w", err)
	}
	return nil
}

// openclawConfig mirrors the token field of ~/.openclaw/openclaw.json.
type openclawConfig struct {
	Gateway struct {
		Token string `json:"token"`
	} `json:"gateway"`
}

// BootstrapToken resolves the initial gateway credential: the
// OPENCLAW_GATEWAY_TOKEN environment variable, falling back to the daemon's
// own config file. Returns "" when neither source has one.
func BootstrapToken() string {
	if tok := strings.TrimSpace(os.Getenv("OPENCLAW_GATEWAY_TOKEN")); tok != "" {
		return tok
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".openclaw", "openclaw.json"))
	if err != nil {
		return ""
	}

	var cfg openclawConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	return strings.TrimSpace(cfg.Gateway.Token)
}
