// Package repositories implements the sqlx queries behind the postgres stores.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/live-assets/asset-repository/internal/db/models"
)

// OptionRepository handles database operations for the options table
type OptionRepository struct {
	db *sqlx.DB
}

// NewOptionRepository creates a new option repository
func NewOptionRepository(db *sqlx.DB) *OptionRepository {
	return &OptionRepository{db: db}
}

// Get returns the option stored under key, or nil when it does not exist.
func (r *OptionRepository) Get(ctx context.Context, key string) (*models.Option, error) {
	var opt models.Option
	query := `SELECT option_key, option_value, created_at, updated_at FROM options WHERE option_key = $1`
	err := r.db.GetContext(ctx, &opt, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &opt, nil
}

// Upsert writes value under key, creating the row when needed.
func (r *OptionRepository) Upsert(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO options (option_key, option_value, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (option_key) DO UPDATE SET
			option_value = EXCLUDED.option_value,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// InsertIfAbsent writes value under key only when no row exists yet and
// reports whether the insert happened.
func (r *OptionRepository) InsertIfAbsent(ctx context.Context, key, value string) (bool, error) {
	query := `
		INSERT INTO options (option_key, option_value, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (option_key) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, key, value, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *OptionRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM options WHERE option_key = $1`, key)
	return err
}

// ListByPrefix returns every option whose key starts with prefix, ordered by key.
func (r *OptionRepository) ListByPrefix(ctx context.Context, prefix string) ([]models.Option, error) {
	var opts []models.Option
	query := `
		SELECT option_key, option_value, created_at, updated_at
		FROM options
		WHERE option_key LIKE $1
		ORDER BY option_key`
	if err := r.db.SelectContext(ctx, &opts, query, escapeLike(prefix)+"%"); err != nil {
		return nil, err
	}
	return opts, nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
