// Package auth - jwt.go handles admin session tokens: HS256 signing with the
// configured secret, expiry and claims parsing.
package auth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every token minted by the repository.
const Issuer = "asset-repository"

// ErrNoSecret is returned when JWT auth is used without a configured secret.
var ErrNoSecret = errors.New("auth.jwt_secret is not configured")

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies admin JWTs.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer creates an issuer for secret. expiry defaults to one hour.
func NewTokenIssuer(secret string, expiry time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	// Validate secret length (minimum 32 characters recommended)
	if len(secret) < 32 {
		slog.Warn("auth.jwt_secret is shorter than the recommended 32 characters")
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), expiry: expiry}, nil
}

// Generate creates a signed token for subject
func (i *TokenIssuer) Generate(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and validates a token
func (i *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
