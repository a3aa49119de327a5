// Package models holds the database row types used by the repositories.
package models

import "time"

// Option is one key/value row of the options table.
type Option struct {
	Key       string    `db:"option_key" json:"key"`
	Value     string    `db:"option_value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
