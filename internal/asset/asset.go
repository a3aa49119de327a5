// Package asset defines the identifiers shared by every component of the
// repository: the asset kind, slug sanitisation and the names derived from a
// (kind, slug) pair.
package asset

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two asset categories tracked by the repository.
type Kind string

const (
	KindPlugin Kind = "plugin"
	KindTheme  Kind = "theme"
)

// ArchiveExt is the extension of every archive in the download directory.
const ArchiveExt = ".zip"

// Kinds lists every supported kind in listing order.
var Kinds = []Kind{KindPlugin, KindTheme}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPlugin:
		return KindPlugin, nil
	case KindTheme:
		return KindTheme, nil
	}
	return "", fmt.Errorf("invalid kind %q (must be plugin or theme)", s)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPlugin || k == KindTheme
}

func (k Kind) String() string { return string(k) }

// SanitizeSlug normalises a slug for use in file names and store keys.
// Letters are lower-cased, anything outside [a-z0-9._-] becomes '-', runs of
// '-' collapse and leading or trailing '.', '-' and '_' are trimmed. An empty
// result means the slug is unusable.
func SanitizeSlug(slug string) string {
	var b strings.Builder
	b.Grow(len(slug))
	lastDash := false
	for _, r := range strings.ToLower(slug) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), ".-_")
}

// ArchiveFilename returns "{kind}-{sanitized slug}.zip", or an error when the
// slug sanitises to nothing.
func ArchiveFilename(kind Kind, slug string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid kind %q", kind)
	}
	s := SanitizeSlug(slug)
	if s == "" {
		return "", fmt.Errorf("slug %q is empty after sanitisation", slug)
	}
	return string(kind) + "-" + s + ArchiveExt, nil
}

// ParseArchiveFilename splits an archive filename back into its kind and
// sanitised slug.
func ParseArchiveFilename(name string) (Kind, string, bool) {
	base, ok := strings.CutSuffix(name, ArchiveExt)
	if !ok {
		return "", "", false
	}
	for _, k := range Kinds {
		if slug, found := strings.CutPrefix(base, string(k)+"-"); found && slug != "" {
			return k, slug, true
		}
	}
	return "", "", false
}

// VersionKey returns the store key holding the last-seen version of an item.
func VersionKey(kind Kind, slug string) string {
	return string(kind) + "_version_" + SanitizeSlug(slug)
}

// Item is an installed plugin or theme as reported by the catalog.
type Item struct {
	Kind    Kind   `json:"kind"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Source is the directory (or lone file) that gets archived.
	Source string `json:"-"`
}
