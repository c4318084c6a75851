// Package crypto encrypts broker credentials at rest. Values are sealed
// with Fernet (AES-128-CBC plus HMAC) under a key derived from a master
// secret via PBKDF2, then base64-wrapped for storage as text columns.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations follows the OWASP 2023 recommendation for
	// PBKDF2-HMAC-SHA256.
	kdfIterations = 480000
	keyLength     = 32

	defaultSecret = "default-secret-change-in-production"
	defaultSalt   = "trading-api-salt"
)

// ErrDecrypt is returned when ciphertext fails authentication or is not a
// valid sealed value.
var ErrDecrypt = errors.New("decryption failed: invalid or corrupted data")

// Manager seals and opens credential strings with a single derived key.
type Manager struct {
	key fernet.Key
}

// NewManager derives the encryption key from the master secret and salt.
// Derivation is deliberately slow; construct once and share.
func NewManager(masterSecret, salt string) *Manager {
	if masterSecret == "" {
		masterSecret = defaultSecret
	}
	if salt == "" {
		salt = defaultSalt
	}
	m := &Manager{}
	derived := pbkdf2.Key([]byte(masterSecret), []byte(salt), kdfIterations, keyLength, sha256.New)
	copy(m.key[:], derived)
	return m
}

// NewManagerFromEnv reads ENCRYPTION_KEY (falling back to SECRET_KEY) and
// ENCRYPTION_SALT.
func NewManagerFromEnv() *Manager {
	secret := os.Getenv("ENCRYPTION_KEY")
	if secret == "" {
		secret = os.Getenv("SECRET_KEY")
	}
	return NewManager(secret, os.Getenv("ENCRYPTION_SALT"))
}

// Encrypt seals plaintext and returns a base64 value safe for text
// storage. Empty input passes through empty.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	token, err := fernet.EncryptAndSign([]byte(plaintext), &m.key)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(token), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or foreign
// ciphertext returns ErrDecrypt.
func (m *Manager) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	token, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	msg := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{&m.key})
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}

// IsEncrypted reports whether text looks like a value produced by Encrypt.
// The unwrapped payload of a sealed value is a Fernet token, which always
// starts with 'g' (version byte 0x80 in base64).
func (m *Manager) IsEncrypted(text string) bool {
	if text == "" {
		return false
	}
	decoded, err := base64.URLEncoding.DecodeString(text)
	if err != nil {
		return false
	}
	return len(decoded) > 0 && decoded[0] == 'g'
}
