// Package versions remembers the last version seen for every (kind, slug) so
// that a rebuild can tell whether the item actually changed.
package versions

import (
	"context"
	"errors"
	"fmt"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/kvstore"
)

// Tracker persists last-seen versions in a key/value store under
// "{kind}_version_{sanitized slug}".
type Tracker struct {
	store kvstore.Store
}

// NewTracker creates a tracker over store.
func NewTracker(store kvstore.Store) *Tracker {
	return &Tracker{store: store}
}

// RecordAndDiff stores current as the last-seen version and reports whether
// it differs from a previously stored value. The first observation of an
// item never counts as a change and returns an empty previous version.
//
// It must run before the item's archive is replaced.
func (t *Tracker) RecordAndDiff(ctx context.Context, kind asset.Kind, slug, current string) (changed bool, previous string, err error) {
	key := asset.VersionKey(kind, slug)

	previous, err = t.store.Get(ctx, key)
	found := true
	if errors.Is(err, kvstore.ErrNotFound) {
		found = false
		previous = ""
	} else if err != nil {
		return false, "", fmt.Errorf("failed to read last version of %s %s: %w", kind, slug, err)
	}

	if err := t.store.Set(ctx, key, current); err != nil {
		return false, previous, fmt.Errorf("failed to record version of %s %s: %w", kind, slug, err)
	}

	return found && previous != current, previous, nil
}

// Last returns the stored version, or "" when the item has never been seen.
func (t *Tracker) Last(ctx context.Context, kind asset.Kind, slug string) (string, error) {
	v, err := t.store.Get(ctx, asset.VersionKey(kind, slug))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Forget drops the stored version so the next observation counts as a first one.
func (t *Tracker) Forget(ctx context.Context, kind asset.Kind, slug string) error {
	return t.store.Delete(ctx, asset.VersionKey(kind, slug))
}

// Restore puts back a version returned as previous by RecordAndDiff. An
// empty previous forgets the item.
func (t *Tracker) Restore(ctx context.Context, kind asset.Kind, slug, previous string) error {
	if previous == "" {
		return t.Forget(ctx, kind, slug)
	}
	return t.store.Set(ctx, asset.VersionKey(kind, slug), previous)
}
