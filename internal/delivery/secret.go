package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/live-assets/asset-repository/internal/crypto"
	"github.com/live-assets/asset-repository/internal/kvstore"
)

const (
	// SecretKey is the store key holding the site secret.
	SecretKey = "site_secret"

	secretBytes = 32
)

// LoadSecret returns the site secret, generating and storing one on first
// use. When cipher is non-nil the stored value is sealed, and a plaintext
// secret left by an earlier run is sealed in place.
func LoadSecret(ctx context.Context, store kvstore.Store, cipher *crypto.SecretCipher) (string, error) {
	stored, err := store.Get(ctx, SecretKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return createSecret(ctx, store, cipher)
	case err != nil:
		return "", fmt.Errorf("failed to read site secret: %w", err)
	}
	return openSecret(ctx, store, cipher, stored)
}

func createSecret(ctx context.Context, store kvstore.Store, cipher *crypto.SecretCipher) (string, error) {
	secret, err := crypto.RandomHex(secretBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate site secret: %w", err)
	}
	value := secret
	if cipher != nil {
		if value, err = cipher.Seal(secret); err != nil {
			return "", fmt.Errorf("failed to seal site secret: %w", err)
		}
	}

	created, err := store.SetIfAbsent(ctx, SecretKey, value)
	if err != nil {
		return "", fmt.Errorf("failed to store site secret: %w", err)
	}
	if created {
		slog.Info("generated new site secret", "sealed", cipher != nil)
		return secret, nil
	}

	// another instance won the race
	stored, err := store.Get(ctx, SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to read site secret: %w", err)
	}
	return openSecret(ctx, store, cipher, stored)
}

func openSecret(ctx context.Context, store kvstore.Store, cipher *crypto.SecretCipher, stored string) (string, error) {
	if crypto.IsSealed(stored) {
		if cipher == nil {
			return "", errors.New("site secret is sealed but no encryption key is configured")
		}
		secret, err := cipher.Open(stored)
		if err != nil {
			return "", fmt.Errorf("failed to unseal site secret: %w", err)
		}
		return secret, nil
	}

	if stored == "" {
		return "", errors.New("stored site secret is empty")
	}
	if cipher != nil {
		sealed, err := cipher.Seal(stored)
		if err != nil {
			return "", fmt.Errorf("failed to seal site secret: %w", err)
		}
		if err := store.Set(ctx, SecretKey, sealed); err != nil {
			slog.Warn("failed to seal existing site secret", "error", err)
		}
	}
	return stored, nil
}
