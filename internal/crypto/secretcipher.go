// Package crypto seals values that must not sit in the key/value store in
// plaintext, chiefly the site secret that signs every download token. Anyone
// holding that secret can mint valid download URLs for every archive.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SealedPrefix marks a stored value as ciphertext produced by Seal.
const SealedPrefix = "enc:v1:"

// DefaultSalt is mixed into passphrase derivation when no salt is configured.
var DefaultSalt = []byte("live-asset-repository/site-secret")

const pbkdf2Iterations = 210000

var (
	ErrKeyLengthInvalid    = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	ErrDecryptionFailed    = errors.New("crypto: decryption operation failed")
	ErrSaltTooShort        = errors.New("crypto: salt must be at least 16 bytes")
	ErrNotSealed           = errors.New("crypto: value is not sealed")
)

// SecretCipher seals and opens values with AES-256-GCM.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher creates a cipher from a raw 32-byte key.
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretCipher{aead: aead}, nil
}

// FromPassphrase derives the key from a passphrase with PBKDF2-SHA256.
// A nil salt selects DefaultSalt.
func FromPassphrase(passphrase string, salt []byte) (*SecretCipher, error) {
	if salt == nil {
		salt = DefaultSalt
	}
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
	return NewSecretCipher(key)
}

// Seal encrypts plaintext and returns SealedPrefix followed by the base64
// encoding of nonce||ciphertext.
func (c *SecretCipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c *SecretCipher) Open(value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	n := c.aead.NonceSize()
	if len(raw) < n+c.aead.Overhead() {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the SealedPrefix marker.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// RandomHex returns n random bytes, hex encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
