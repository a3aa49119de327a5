// Package auth provides the admin authentication primitives of the asset
// repository: API key generation and bcrypt matching, and JWT minting and
// verification. Admin API keys are configured as bcrypt hashes only; JWTs are
// minted by the "token" CLI command. See internal/middleware/auth.go for the
// request-time logic that uses these primitives.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of characters to show in displays
	DisplayPrefixLength = 10

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12

	// maxVerifiedKeys bounds the cache of keys that already matched a hash.
	maxVerifiedKeys = 64
)

// GenerateAPIKey creates a new random API key "{prefix}_{random}" and returns
// the key (shown once), its bcrypt hash (configured on the server) and a short
// display prefix.
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = prefix + "_" + base64.RawURLEncoding.EncodeToString(randomBytes)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}

	displayPrefix = key
	if len(key) > DisplayPrefixLength {
		displayPrefix = key[:DisplayPrefixLength]
	}
	return key, string(hashBytes), displayPrefix, nil
}

// KeySet matches presented API keys against the configured bcrypt hashes.
// Keys that matched once are remembered by their SHA-256 digest so repeat
// requests skip the bcrypt comparisons.
type KeySet struct {
	hashes [][]byte

	mu       sync.Mutex
	verified map[[sha256.Size]byte]struct{}
}

// NewKeySet builds a set from bcrypt hashes. Blank entries are ignored.
func NewKeySet(hashes []string) *KeySet {
	s := &KeySet{verified: make(map[[sha256.Size]byte]struct{})}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			s.hashes = append(s.hashes, []byte(h))
		}
	}
	return s
}

// Len returns the number of configured hashes.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hashes)
}

// Match reports whether key matches any configured hash.
func (s *KeySet) Match(key string) bool {
	if s.Len() == 0 || key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))

	s.mu.Lock()
	_, ok := s.verified[digest]
	s.mu.Unlock()
	if ok {
		return true
	}

	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			s.remember(digest)
			return true
		}
	}
	return false
}

func (s *KeySet) remember(digest [sha256.Size]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.verified) >= maxVerifiedKeys {
		clear(s.verified)
	}
	s.verified[digest] = struct{}{}
}

// ExtractBearerToken extracts the credential from an Authorization header
// ("Bearer lar_abc123..." or "Bearer <jwt>"). The scheme is matched
// case-insensitively.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", errors.New("credential is empty after Bearer prefix")
	}
	return credential, nil
}
