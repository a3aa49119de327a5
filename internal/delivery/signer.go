// Package delivery issues and checks download tokens and opens archives for
// streaming.
package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// DownloadPath is the tokenized download route.
const DownloadPath = "/api/v1/download"

// Signer derives deterministic per-filename tokens from the site secret. It is
// immutable once created and safe for concurrent use.
type Signer struct {
	secret   []byte
	identity string
	baseURL  string
}

// NewSigner creates a signer. identity binds tokens to this site; baseURL is
// the public origin used by IssueURL.
func NewSigner(secret, identity, baseURL string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("delivery: empty signing secret")
	}
	return &Signer{
		secret:   []byte(secret),
		identity: identity,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

// Token returns the hex HMAC-SHA256 of filename + "|" + identity.
func (s *Signer) Token(filename string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(filename + "|" + s.identity))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token is the token for filename.
func (s *Signer) Verify(filename, token string) bool {
	if token == "" {
		return false
	}
	return hmac.Equal([]byte(s.Token(filename)), []byte(token))
}

// IssueURL returns the absolute tokenized download URL for filename.
func (s *Signer) IssueURL(filename string) string {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("token", s.Token(filename))
	return s.baseURL + DownloadPath + "?" + q.Encode()
}
