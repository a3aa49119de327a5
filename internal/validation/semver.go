package validation

import (
	"github.com/hashicorp/go-version"
)

// Change directions reported by ClassifyChange.
const (
	ChangeInitial   = "initial"
	ChangeUpgrade   = "upgrade"
	ChangeDowngrade = "downgrade"
	ChangeOther     = "change"
	ChangeNone      = "none"
)

// ClassifyChange compares the previous and current version strings of an item.
//
// Plugin and theme versions are free-form, so anything hashicorp/go-version cannot
// parse is reported as ChangeOther instead of an error. Versions that differ as
// strings but compare equal ("1.0" and "1.0.0") are also ChangeOther.
func ClassifyChange(previous, current string) string {
	if previous == "" {
		return ChangeInitial
	}
	if previous == current {
		return ChangeNone
	}

	prev, err := version.NewVersion(previous)
	if err != nil {
		return ChangeOther
	}
	cur, err := version.NewVersion(current)
	if err != nil {
		return ChangeOther
	}

	switch prev.Compare(cur) {
	case -1:
		return ChangeUpgrade
	case 1:
		return ChangeDowngrade
	default:
		return ChangeOther
	}
}
