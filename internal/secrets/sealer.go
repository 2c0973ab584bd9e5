package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantumlife/labcal/internal/core"
)

// Argon2id parameters for the storage key.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
	saltLen    = 16
)

var keyCheckPlaintext = []byte("labcal-secret-store-v1")

// ErrWrongPassphrase means the passphrase does not match the one the
// store was created with.
var ErrWrongPassphrase = errors.New("secret store passphrase mismatch")

// Sealer encrypts records with XChaCha20-Poly1305 under an Argon2id key.
// The connection id is bound as additional data so a ciphertext cannot be
// replayed under another connection.
type Sealer struct {
	key []byte
}

// NewSealer derives the key from passphrase and salt.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase: %w", core.ErrMissingRequired)
	}
	if len(salt) < saltLen {
		return nil, fmt.Errorf("salt too short: %w", core.ErrInvalidInput)
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, keyLen)
	return &Sealer{key: key}, nil
}

// NewSalt returns a random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext. The nonce is prepended to the result.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncryptionFailed, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", core.ErrEncryptionFailed, err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", core.ErrDecryptionFailed)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// KeyCheck produces a value that Verify accepts only under the same key.
func (s *Sealer) KeyCheck() ([]byte, error) {
	return s.Seal(keyCheckPlaintext, []byte("key-check"))
}

// Verify reports whether check was produced by a sealer with this key.
func (s *Sealer) Verify(check []byte) error {
	plain, err := s.Open(check, []byte("key-check"))
	if err != nil || subtle.ConstantTimeCompare(plain, keyCheckPlaintext) != 1 {
		return ErrWrongPassphrase
	}
	return nil
}
