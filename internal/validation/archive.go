// Package validation checks built archives and classifies version changes
// before they are published or logged.
package validation

import (
	"archive/zip"
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// MaxArchiveSize is the maximum uncompressed size accepted for a built archive (2GB)
	MaxArchiveSize = 2 << 30
)

// ValidateZip opens the archive at zipPath and checks that every entry is a
// relative path below root, free of traversal segments, and that the total
// uncompressed size stays within maxSize.
func ValidateZip(zipPath, root string, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxArchiveSize
	}

	// ErrInsecurePath still yields a usable reader; the entry loop below
	// reports the offending name.
	zr, err := zip.OpenReader(zipPath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("invalid zip format: %w", err)
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return fmt.Errorf("archive is empty")
	}

	var totalSize uint64
	for _, f := range zr.File {
		if err := validatePath(f.Name); err != nil {
			return fmt.Errorf("invalid file path in archive: %w", err)
		}
		if root != "" && f.Name != root+"/" && f.Name != root && !strings.HasPrefix(f.Name, root+"/") {
			return fmt.Errorf("entry %s is outside archive root %s", f.Name, root)
		}
		totalSize += f.UncompressedSize64
		if totalSize > uint64(maxSize) {
			return fmt.Errorf("archive size exceeds maximum allowed size of %d bytes", maxSize)
		}
	}

	return nil
}

// validatePath checks a single entry name for traversal attacks. Entry names
// always use forward slashes.
func validatePath(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}
	// Windows drive letters, e.g. C:/...
	if len(name) >= 3 && name[1] == ':' && name[2] == '/' {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}
	for _, seg := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("path traversal not allowed: %s", name)
		}
	}
	if path.Clean("/"+name) == "/" {
		return fmt.Errorf("entry resolves to archive root: %s", name)
	}
	return nil
}
