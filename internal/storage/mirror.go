package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/telemetry"
	"github.com/live-assets/asset-repository/pkg/checksum"
)

// Mirror copies built archives to a backend under "{kind}s/{filename}".
type Mirror struct {
	backend Storage
	name    string
}

// NewMirror wraps backend; name labels metrics and logs.
func NewMirror(backend Storage, name string) *Mirror {
	return &Mirror{backend: backend, name: name}
}

// ObjectPath returns the object key for an archive.
func ObjectPath(kind asset.Kind, filename string) string {
	return string(kind) + "s/" + filename
}

// Name returns the backend name.
func (m *Mirror) Name() string { return m.name }

// Prepare lets the backend create its bucket or container if it supports that.
func (m *Mirror) Prepare(ctx context.Context) error {
	if p, ok := m.backend.(Preparer); ok {
		return p.Prepare(ctx)
	}
	return nil
}

// Put uploads the archive at localPath unless the mirrored object already
// carries the same checksum.
func (m *Mirror) Put(ctx context.Context, kind asset.Kind, filename, localPath string) (*UploadResult, error) {
	path := ObjectPath(kind, filename)

	// Rebuilds replace the archive by rename, so one handle sees one archive
	// for both the checksum and the upload.
	f, err := os.Open(localPath)
	if err != nil {
		m.observe("upload", "error")
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		m.observe("upload", "error")
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	sum, err := checksum.CalculateSHA256(f)
	if err != nil {
		m.observe("upload", "error")
		return nil, err
	}

	meta, err := m.backend.GetMetadata(ctx, path)
	switch {
	case err == nil && meta.Checksum == sum:
		m.observe("upload", "skipped")
		return &UploadResult{Path: path, Size: meta.Size, Checksum: sum, Skipped: true}, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		slog.Debug("mirror metadata lookup failed, uploading anyway", "backend", m.name, "path", path, "error", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		m.observe("upload", "error")
		return nil, fmt.Errorf("failed to rewind archive: %w", err)
	}
	res, err := m.backend.Upload(ctx, path, f, info.Size())
	if err != nil {
		m.observe("upload", "error")
		return nil, fmt.Errorf("mirror upload of %s failed: %w", path, err)
	}
	if res.Checksum == "" {
		res.Checksum = sum
	}
	m.observe("upload", "success")
	return res, nil
}

// Remove deletes the mirrored copy of an archive.
func (m *Mirror) Remove(ctx context.Context, kind asset.Kind, filename string) error {
	path := ObjectPath(kind, filename)
	if err := m.backend.Delete(ctx, path); err != nil {
		m.observe("delete", "error")
		return fmt.Errorf("mirror delete of %s failed: %w", path, err)
	}
	m.observe("delete", "success")
	return nil
}

func (m *Mirror) observe(operation, result string) {
	telemetry.MirrorUploadsTotal.WithLabelValues(m.name, operation, result).Inc()
}
