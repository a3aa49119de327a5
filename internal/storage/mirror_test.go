package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/pkg/checksum"
)

// memBackend keeps objects in memory and counts uploads.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	failPut error
	prep    int
	// onMetadata runs at the start of every GetMetadata call.
	onMetadata func()
}

func newMemBackend() *memBackend { return &memBackend{objects: map[string][]byte{}} }

func (m *memBackend) Upload(_ context.Context, path string, r io.Reader, _ int64) (*UploadResult, error) {
	if m.failPut != nil {
		return nil, m.failPut
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum, _ := checksum.CalculateSHA256(bytes.NewReader(data))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	m.uploads++
	return &UploadResult{Path: path, Size: int64(len(data)), Checksum: sum}, nil
}

func (m *memBackend) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memBackend) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBackend) GetMetadata(_ context.Context, path string) (*FileMetadata, error) {
	if m.onMetadata != nil {
		m.onMetadata()
	}
	m.mu.Lock()
	data, ok := m.objects[path]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	sum, _ := checksum.CalculateSHA256(bytes.NewReader(data))
	return &FileMetadata{Path: path, Size: int64(len(data)), Checksum: sum}, nil
}

func (m *memBackend) Prepare(context.Context) error {
	m.prep++
	return nil
}

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "plugin-demo.zip")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestObjectPath(t *testing.T) {
	assert.Equal(t, "plugins/plugin-demo.zip", ObjectPath(asset.KindPlugin, "plugin-demo.zip"))
	assert.Equal(t, "themes/theme-astra.zip", ObjectPath(asset.KindTheme, "theme-astra.zip"))
}

func TestMirror_PutUploadsAndSkipsUnchanged(t *testing.T) {
	be := newMemBackend()
	m := NewMirror(be, "mem")
	ctx := context.Background()
	p := writeArchive(t, "v1")

	res, err := m.Put(ctx, asset.KindPlugin, "plugin-demo.zip", p)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "plugins/plugin-demo.zip", res.Path)
	assert.Equal(t, 1, be.uploads)

	res, err = m.Put(ctx, asset.KindPlugin, "plugin-demo.zip", p)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, be.uploads)

	require.NoError(t, os.WriteFile(p, []byte("v2"), 0o644))
	res, err = m.Put(ctx, asset.KindPlugin, "plugin-demo.zip", p)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, be.uploads)
	assert.Equal(t, []byte("v2"), be.objects["plugins/plugin-demo.zip"])
}

func TestMirror_PutUploadsTheBytesItHashed(t *testing.T) {
	be := newMemBackend()
	m := NewMirror(be, "mem")
	p := writeArchive(t, "first build")

	// a rebuild renames a new archive into place mid-upload
	be.onMetadata = func() {
		next := p + ".tmp"
		require.NoError(t, os.WriteFile(next, []byte("second build"), 0o644))
		require.NoError(t, os.Rename(next, p))
	}

	res, err := m.Put(context.Background(), asset.KindPlugin, "plugin-demo.zip", p)
	require.NoError(t, err)

	uploaded := be.objects["plugins/plugin-demo.zip"]
	assert.Equal(t, []byte("first build"), uploaded)
	want, err := checksum.CalculateSHA256(bytes.NewReader(uploaded))
	require.NoError(t, err)
	assert.Equal(t, want, res.Checksum)
	assert.Equal(t, int64(len(uploaded)), res.Size)
}

func TestMirror_PutErrors(t *testing.T) {
	be := newMemBackend()
	m := NewMirror(be, "mem")
	ctx := context.Background()

	_, err := m.Put(ctx, asset.KindTheme, "theme-x.zip", filepath.Join(t.TempDir(), "missing.zip"))
	assert.Error(t, err)

	boom := errors.New("boom")
	be.failPut = boom
	_, err = m.Put(ctx, asset.KindTheme, "theme-x.zip", writeArchive(t, "x"))
	assert.ErrorIs(t, err, boom)
}

func TestMirror_RemoveAndPrepare(t *testing.T) {
	be := newMemBackend()
	m := NewMirror(be, "mem")
	ctx := context.Background()

	_, err := m.Put(ctx, asset.KindTheme, "theme-x.zip", writeArchive(t, "x"))
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, asset.KindTheme, "theme-x.zip"))
	ok, _ := be.Exists(ctx, "themes/theme-x.zip")
	assert.False(t, ok)

	require.NoError(t, m.Prepare(ctx))
	assert.Equal(t, 1, be.prep)
	assert.Equal(t, "mem", m.Name())
}
