package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrInvalidKeySize is returned when the loaded key has an invalid size.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrKeyNotLoaded is returned when creating a signer before Load.
	ErrKeyNotLoaded = errors.New("attestation key not loaded")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyManager loads the Ed25519 attestation key from a directory, generating
// it on first use.
type KeyManager struct {
	keyPath string
	mu      sync.RWMutex
	privKey ed25519.PrivateKey
}

// NewKeyManager creates a KeyManager that stores its key in keyDir.
func NewKeyManager(keyDir string) *KeyManager {
	return &KeyManager{
		keyPath: filepath.Join(keyDir, "attestation.key"),
	}
}

// Load reads the key from disk, generating and saving one if it doesn't exist.
func (km *KeyManager) Load(_ context.Context) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.privKey != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(km.keyPath), 0o700); err != nil {
		return fmt.Errorf("attest: create key directory: %w", err)
	}

	data, err := os.ReadFile(km.keyPath)
	if errors.Is(err, os.ErrNotExist) {
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return fmt.Errorf("attest: generate ed25519 key: %w", genErr)
		}
		// Stored as hex of the 64-byte private key (seed + public key).
		if writeErr := os.WriteFile(km.keyPath, []byte(hex.EncodeToString(priv)), 0o600); writeErr != nil {
			return fmt.Errorf("attest: save key: %w", writeErr)
		}
		km.privKey = priv
		return nil
	} else if err != nil {
		return fmt.Errorf("attest: read key: %w", err)
	}

	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("attest: decode key hex: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeySize, ed25519.PrivateKeySize, len(decoded))
	}
	km.privKey = ed25519.PrivateKey(decoded)
	return nil
}

// Exists reports whether the key file is on disk.
func (km *KeyManager) Exists() bool {
	_, err := os.Stat(km.keyPath)
	return err == nil
}

// NewSigner returns a Signer for the loaded key.
func (km *KeyManager) NewSigner() (*Signer, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.privKey == nil {
		return nil, ErrKeyNotLoaded
	}
	return NewSigner(km.privKey), nil
}

// Signer signs and verifies attestation hashes with Ed25519.
type Signer struct {
	privKey ed25519.PrivateKey
	keyID   string
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Signer{privKey: priv, keyID: hex.EncodeToString(sum[:8])}
}

// KeyID identifies the public key: the first 8 bytes of its SHA-256, in hex.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.privKey.Public().(ed25519.PublicKey)
}

// Sign signs message.
func (s *Signer) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(s.privKey, message), nil
}

// Verify checks signature over message.
func (s *Signer) Verify(_ context.Context, message, signature []byte) error {
	if !ed25519.Verify(s.PublicKey(), message, signature) {
		return ErrInvalidSignature
	}
	return nil
}
