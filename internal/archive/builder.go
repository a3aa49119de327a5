// Package archive builds the per-item ZIP archives served by the repository.
//
// Each (kind, slug) pair owns exactly one archive, {kind}-{slug}.zip, in the
// download directory. A build streams the source tree into a temporary file in
// the same directory and renames it over the previous archive, so readers
// always see either the old or the new archive and never a partial one.
// Builds, removals and existence checks for the same archive are serialised
// by a per-archive mutex.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/telemetry"
	"github.com/live-assets/asset-repository/internal/validation"
)

// ListingMarkers are written into the download directory to stop web servers
// from listing it when the directory is exposed directly.
var ListingMarkers = map[string]string{
	"index.html": "",
	".htaccess":  "Options -Indexes\nDeny from all\n",
}

const tempPrefix = ".building-"

// URLIssuer derives the public download URL for an archive filename.
type URLIssuer interface {
	IssueURL(filename string) string
}

// Result describes a freshly built archive.
type Result struct {
	Kind     asset.Kind `json:"kind"`
	Slug     string     `json:"slug"`
	Path     string     `json:"-"`
	Filename string     `json:"filename"`
	URL      string     `json:"url"`
	Size     int64      `json:"size"`
	BuiltAt  time.Time  `json:"built_at"`
}

// Builder writes archives into a single download directory.
type Builder struct {
	dir     string
	urls    URLIssuer
	locks   *keyedMutex
	maxSize int64
}

// NewBuilder creates a builder for dir. urls may be nil, in which case results
// carry no URL.
func NewBuilder(dir string, urls URLIssuer) *Builder {
	return &Builder{
		dir:     filepath.Clean(dir),
		urls:    urls,
		locks:   newKeyedMutex(),
		maxSize: validation.MaxArchiveSize,
	}
}

// Dir returns the download directory.
func (b *Builder) Dir() string { return b.dir }

// Prepare creates the download directory and its listing markers.
func (b *Builder) Prepare() error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	for name, content := range ListingMarkers {
		p := filepath.Join(b.dir, name)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// Path returns the archive path for (kind, slug).
func (b *Builder) Path(kind asset.Kind, slug string) (string, error) {
	filename, err := asset.ArchiveFilename(kind, slug)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.dir, filename), nil
}

// Exists reports whether an archive is present for (kind, slug). It waits for
// a build of the same archive in progress.
func (b *Builder) Exists(kind asset.Kind, slug string) bool {
	filename, err := asset.ArchiveFilename(kind, slug)
	if err != nil {
		return false
	}
	unlock := b.locks.Lock(filename)
	defer unlock()

	info, err := os.Stat(filepath.Join(b.dir, filename))
	return err == nil && info.Mode().IsRegular()
}

// URL returns the download URL for (kind, slug) regardless of whether the
// archive exists yet.
func (b *Builder) URL(kind asset.Kind, slug string) string {
	filename, err := asset.ArchiveFilename(kind, slug)
	if err != nil || b.urls == nil {
		return ""
	}
	return b.urls.IssueURL(filename)
}

// Build archives source, a directory tree or a single file, as the archive
// for (kind, slug), replacing any previous archive. Entry names are rooted at
// the base name of source and every directory, empty or not, gets its own
// entry. Symlinks and other non-regular files are skipped.
func (b *Builder) Build(ctx context.Context, kind asset.Kind, slug, source string) (*Result, error) {
	start := time.Now()
	res, err := b.build(ctx, kind, slug, source)

	result := "success"
	var be *BuildError
	if errors.As(err, &be) {
		result = string(be.Reason)
	}
	telemetry.ObserveBuild(string(kind), result, time.Since(start))
	return res, err
}

func (b *Builder) build(ctx context.Context, kind asset.Kind, slug, source string) (*Result, error) {
	filename, err := asset.ArchiveFilename(kind, slug)
	if err != nil {
		return nil, buildErr(kind, slug, ReasonInvalidSlug, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, buildErr(kind, slug, ReasonCanceled, err)
	}

	unlock := b.locks.Lock(filename)
	defer unlock()

	source = filepath.Clean(source)
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, buildErr(kind, slug, ReasonSourceMissing, err)
		}
		return nil, buildErr(kind, slug, ReasonSourceUnreadable, err)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, buildErr(kind, slug, ReasonDestinationUnwritable, err)
	}
	tmp, err := os.CreateTemp(b.dir, tempPrefix+filename+"-*")
	if err != nil {
		return nil, buildErr(kind, slug, ReasonDestinationUnwritable, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	root := filepath.Base(source)
	w := &treeWriter{zw: zip.NewWriter(tmp), parent: filepath.Dir(source)}
	if info.IsDir() {
		err = filepath.WalkDir(source, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return &sourceError{walkErr}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return w.add(p, d)
		})
	} else {
		err = w.add(source, fs.FileInfoToDirEntry(info))
	}
	if err == nil {
		err = w.zw.Close()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		var se *sourceError
		switch {
		case errors.As(err, &se):
			return nil, buildErr(kind, slug, ReasonSourceUnreadable, se.err)
		case ctx.Err() != nil:
			return nil, buildErr(kind, slug, ReasonCanceled, err)
		default:
			return nil, buildErr(kind, slug, ReasonDestinationUnwritable, err)
		}
	}

	if err := validation.ValidateZip(tmpPath, root, b.maxSize); err != nil {
		return nil, buildErr(kind, slug, ReasonInvalidArchive, err)
	}

	finalPath := filepath.Join(b.dir, filename)
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return nil, buildErr(kind, slug, ReasonDestinationUnwritable, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, buildErr(kind, slug, ReasonDestinationUnwritable, err)
	}
	committed = true

	res := &Result{
		Kind:     kind,
		Slug:     slug,
		Path:     finalPath,
		Filename: filename,
		Size:     w.size,
		BuiltAt:  time.Now().UTC(),
	}
	if b.urls != nil {
		res.URL = b.urls.IssueURL(filename)
	}
	slog.Debug("archive built", "kind", kind, "slug", slug, "filename", filename, "entries", w.entries, "bytes", w.size)
	return res, nil
}

// Remove deletes the archive for (kind, slug). A missing archive is not an error.
func (b *Builder) Remove(kind asset.Kind, slug string) error {
	filename, err := asset.ArchiveFilename(kind, slug)
	if err != nil {
		return err
	}
	return b.removeFile(filename)
}

// Archives returns the filenames of every archive in the download directory.
func (b *Builder) Archives() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read download directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, asset.ArchiveExt) || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// RemoveAll deletes every archive in the download directory and returns the
// filenames that were removed. Listing markers and the update log are left
// in place.
func (b *Builder) RemoveAll() ([]string, error) {
	names, err := b.Archives()
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for _, name := range names {
		if err := b.removeFile(name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	telemetry.ArchivesRemovedTotal.Add(float64(len(removed)))
	return removed, errors.Join(errs...)
}

func (b *Builder) removeFile(filename string) error {
	unlock := b.locks.Lock(filename)
	defer unlock()

	if err := os.Remove(filepath.Join(b.dir, filename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filename, err)
	}
	return nil
}

// sourceError marks failures reading the source tree.
type sourceError struct{ err error }

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// treeWriter adds filesystem entries to a zip stream, naming them relative
// to parent.
type treeWriter struct {
	zw      *zip.Writer
	parent  string
	entries int
	size    int64
}

func (w *treeWriter) add(p string, d fs.DirEntry) error {
	if d.Type()&fs.ModeSymlink != 0 {
		return nil
	}
	if !d.IsDir() && !d.Type().IsRegular() {
		return nil
	}

	rel, err := filepath.Rel(w.parent, p)
	if err != nil {
		return &sourceError{err}
	}
	name := filepath.ToSlash(rel)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return &sourceError{fmt.Errorf("entry %s escapes source root", p)}
	}

	info, err := d.Info()
	if err != nil {
		return &sourceError{err}
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return &sourceError{err}
	}
	hdr.Name = name

	if d.IsDir() {
		hdr.Name += "/"
		hdr.Method = zip.Store
		if _, err := w.zw.CreateHeader(hdr); err != nil {
			return err
		}
		w.entries++
		return nil
	}

	hdr.Method = zip.Deflate
	f, err := os.Open(p)
	if err != nil {
		return &sourceError{err}
	}
	defer f.Close()

	dst, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, readerOnly{f})
	if err != nil {
		return err
	}
	w.entries++
	w.size += n
	return nil
}

// readerOnly tags read failures so they are reported against the source
// rather than the destination.
type readerOnly struct{ f *os.File }

func (r readerOnly) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		return n, &sourceError{err}
	}
	return n, err
}
