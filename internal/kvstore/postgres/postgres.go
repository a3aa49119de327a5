// Package postgres stores key/value pairs in the options table.
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/live-assets/asset-repository/internal/config"
	"github.com/live-assets/asset-repository/internal/db"
	"github.com/live-assets/asset-repository/internal/db/repositories"
	"github.com/live-assets/asset-repository/internal/kvstore"
	"github.com/live-assets/asset-repository/internal/telemetry"
)

func init() {
	kvstore.Register("postgres", func(cfg *config.Config) (kvstore.Store, error) {
		return New(cfg)
	})
}

// Store implements kvstore.Store over PostgreSQL.
type Store struct {
	conn *sqlx.DB
	repo *repositories.OptionRepository
}

// New connects to the configured database and applies pending migrations.
func New(cfg *config.Config) (*Store, error) {
	conn, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(conn.DB, "up"); err != nil {
		conn.Close()
		return nil, err
	}
	telemetry.StartDBStatsCollector(conn.DB)
	return NewWithDB(conn), nil
}

// NewWithDB wraps an existing connection. Migrations are the caller's concern.
func NewWithDB(conn *sqlx.DB) *Store {
	return &Store{conn: conn, repo: repositories.NewOptionRepository(conn)}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	opt, err := s.repo.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read option %s: %w", key, err)
	}
	if opt == nil {
		return "", kvstore.ErrNotFound
	}
	return opt.Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.repo.Upsert(ctx, key, value); err != nil {
		return fmt.Errorf("failed to write option %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.repo.InsertIfAbsent(ctx, key, value)
	if err != nil {
		return false, fmt.Errorf("failed to insert option %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete option %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.conn.Close()
}
