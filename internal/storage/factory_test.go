package storage_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/live-assets/asset-repository/internal/config"
	"github.com/live-assets/asset-repository/internal/storage"
)

type nopStorage struct{}

func (nopStorage) Upload(context.Context, string, io.Reader, int64) (*storage.UploadResult, error) {
	return &storage.UploadResult{}, nil
}
func (nopStorage) Delete(context.Context, string) error                { return nil }
func (nopStorage) Exists(context.Context, string) (bool, error)        { return false, nil }
func (nopStorage) GetMetadata(context.Context, string) (*storage.FileMetadata, error) {
	return nil, storage.ErrNotFound
}

// ---------------------------------------------------------------------------
// Register / NewStorage
// ---------------------------------------------------------------------------

func TestRegister_AddsFactory(t *testing.T) {
	storage.Register("test-backend", func(_ *config.Config) (storage.Storage, error) {
		return nopStorage{}, nil
	})

	cfg := &config.Config{}
	cfg.Mirror.Backend = "test-backend"

	s, err := storage.NewStorage(cfg)
	if err != nil {
		t.Fatalf("NewStorage() error: %v", err)
	}
	if s == nil {
		t.Fatal("NewStorage() returned nil")
	}
}

func TestNewStorage_UnknownBackend(t *testing.T) {
	storage.Register("test-backend", func(_ *config.Config) (storage.Storage, error) {
		return nopStorage{}, nil
	})
	for _, name := range []string{"completely-unknown-backend", ""} {
		cfg := &config.Config{}
		cfg.Mirror.Backend = name
		_, err := storage.NewStorage(cfg)
		if err == nil {
			t.Errorf("NewStorage(%q) = nil error, want error for unregistered backend", name)
			continue
		}
		if !strings.Contains(err.Error(), "test-backend") {
			t.Errorf("error %q should list the registered backends", err)
		}
	}
}
