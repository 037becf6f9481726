// Package identity manages the durable device identity this bridge presents
// to the OpenClaw gateway: an ed25519 keypair plus a public-key-derived
// device ID, created once and never rotated.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const identityFileName = "identity.json"

// Device is one bridge installation's signing identity. DeviceID is the
// lowercase hex SHA-256 of the raw public key bytes, so it is stable for the
// lifetime of the keypair.
type Device struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	DeviceID   string
}

// identityRecord is the on-disk representation.
type identityRecord struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	DeviceID   string `json:"deviceId"`
}

// Store loads and persists the device identity under a fixed state directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the identity file location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, identityFileName)
}

// LoadOrCreate returns the stored identity, generating and persisting a fresh
// one on first run. A corrupt identity file is a hard error: regenerating
// would silently orphan a device the gateway has already paired.
func (s *Store) LoadOrCreate() (*Device, error) {
	path := s.Path()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseIdentity(data)
	case os.IsNotExist(err):
		return s.create(path)
	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}
}

func (s *Store) create(path string) (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device keypair: %w", err)
	}

	dev := &Device{
		PublicKey:  pub,
		PrivateKey: priv,
		DeviceID:   DeriveDeviceID(pub),
	}

	record := identityRecord{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		DeviceID:   dev.DeviceID,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	// Persist before returning: an identity that signed anything must survive.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}

	return dev, nil
}

func parseIdentity(data []byte) (*Device, error) {
	var record identityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	pub, err := base64.StdEncoding.DecodeString(record.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(record.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file holds malformed key material")
	}

	dev := &Device{
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
		DeviceID:   DeriveDeviceID(pub),
	}
	if record.DeviceID != "" && record.DeviceID != dev.DeviceID {
		return nil, fmt.Errorf("identity file device id does not match its public key")
	}

	return dev, nil
}

// DeriveDeviceID hashes the raw (unwrapped) public key bytes. Callers holding
// a wrapped key (PEM, PKIX) must strip the envelope before calling.
func DeriveDeviceID(rawPublicKey []byte) string {
	sum := sha256.Sum256(rawPublicKey)
	return hex.EncodeToString(sum[:])
}
