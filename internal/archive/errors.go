package archive

import (
	"fmt"

	"github.com/live-assets/asset-repository/internal/asset"
)

// Reason classifies why a build failed.
type Reason string

const (
	ReasonInvalidSlug           Reason = "invalid_slug"
	ReasonSourceMissing         Reason = "source_missing"
	ReasonSourceUnreadable      Reason = "source_unreadable"
	ReasonDestinationUnwritable Reason = "destination_unwritable"
	ReasonInvalidArchive        Reason = "invalid_archive"
	ReasonCanceled              Reason = "canceled"
)

// BuildError reports a failed build for a single item. It never affects
// other items in a batch; callers mark the item unavailable for download.
type BuildError struct {
	Kind   asset.Kind
	Slug   string
	Reason Reason
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s %q: %s: %v", e.Kind, e.Slug, e.Reason, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildErr(kind asset.Kind, slug string, reason Reason, err error) *BuildError {
	return &BuildError{Kind: kind, Slug: slug, Reason: reason, Err: err}
}
