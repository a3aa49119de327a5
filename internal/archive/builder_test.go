package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-assets/asset-repository/internal/asset"
)

type stubIssuer struct{}

func (stubIssuer) IssueURL(filename string) string {
	return "https://example.test/dl?filename=" + filename
}

// writeTree creates files (and directories for names ending in "/") below root.
func writeTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()
	for name, content := range entries {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(p, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// zipEntries returns the sorted entry names of a zip file and the contents of
// its regular files.
func zipEntries(t *testing.T, p string) ([]string, map[string]string) {
	t.Helper()
	zr, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	contents := make(map[string]string)
	for _, f := range zr.File {
		names = append(names, f.Name)
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[f.Name] = string(b)
	}
	sort.Strings(names)
	return names, contents
}

func newTestBuilder(t *testing.T) (*Builder, string) {
	t.Helper()
	dl := filepath.Join(t.TempDir(), "repo")
	return NewBuilder(dl, stubIssuer{}), t.TempDir()
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

func TestBuild_MirrorsTreeIncludingEmptyDirectories(t *testing.T) {
	b, src := newTestBuilder(t)
	pluginDir := filepath.Join(src, "demo")
	writeTree(t, pluginDir, map[string]string{
		"demo.php":        "<?php // Version: 1.0",
		"inc/helpers.php": "<?php",
		"assets/empty/":   "",
		"languages/":      "",
	})

	res, err := b.Build(context.Background(), asset.KindPlugin, "demo", pluginDir)
	require.NoError(t, err)

	assert.Equal(t, "plugin-demo.zip", res.Filename)
	assert.Equal(t, filepath.Join(b.Dir(), "plugin-demo.zip"), res.Path)
	assert.Equal(t, "https://example.test/dl?filename=plugin-demo.zip", res.URL)
	assert.True(t, b.Exists(asset.KindPlugin, "demo"))

	names, contents := zipEntries(t, res.Path)
	assert.Equal(t, []string{
		"demo/",
		"demo/assets/",
		"demo/assets/empty/",
		"demo/demo.php",
		"demo/inc/",
		"demo/inc/helpers.php",
		"demo/languages/",
	}, names)
	assert.Equal(t, "<?php // Version: 1.0", contents["demo/demo.php"])
}

func TestBuild_SingleFileSource(t *testing.T) {
	b, src := newTestBuilder(t)
	file := filepath.Join(src, "hello.php")
	require.NoError(t, os.WriteFile(file, []byte("<?php /* Plugin Name: Hello */"), 0o644))

	res, err := b.Build(context.Background(), asset.KindPlugin, "hello", file)
	require.NoError(t, err)

	names, contents := zipEntries(t, res.Path)
	assert.Equal(t, []string{"hello.php"}, names)
	assert.Contains(t, contents["hello.php"], "Plugin Name: Hello")
}

func TestBuild_ReplacesPreviousArchive(t *testing.T) {
	b, src := newTestBuilder(t)
	themeDir := filepath.Join(src, "astra")
	writeTree(t, themeDir, map[string]string{"style.css": "v1", "old.php": "gone soon"})

	_, err := b.Build(context.Background(), asset.KindTheme, "astra", themeDir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(themeDir, "old.php")))
	require.NoError(t, os.WriteFile(filepath.Join(themeDir, "style.css"), []byte("v2"), 0o644))

	res, err := b.Build(context.Background(), asset.KindTheme, "astra", themeDir)
	require.NoError(t, err)

	names, contents := zipEntries(t, res.Path)
	assert.Equal(t, []string{"astra/", "astra/style.css"}, names)
	assert.Equal(t, "v2", contents["astra/style.css"])
}

func TestBuild_SanitizesSlug(t *testing.T) {
	b, src := newTestBuilder(t)
	writeTree(t, filepath.Join(src, "x"), map[string]string{"x.php": "x"})

	res, err := b.Build(context.Background(), asset.KindPlugin, "../../Evil Plugin", filepath.Join(src, "x"))
	require.NoError(t, err)
	assert.Equal(t, "plugin-evil-plugin.zip", res.Filename)
	assert.Equal(t, b.Dir(), filepath.Dir(res.Path))
}

func TestBuild_Failures(t *testing.T) {
	b, src := newTestBuilder(t)

	tests := []struct {
		name   string
		slug   string
		source string
		ctx    func() context.Context
		reason Reason
	}{
		{
			name:   "missing source",
			slug:   "ghost",
			source: filepath.Join(src, "does-not-exist"),
			ctx:    context.Background,
			reason: ReasonSourceMissing,
		},
		{
			name:   "empty slug",
			slug:   "///",
			source: src,
			ctx:    context.Background,
			reason: ReasonInvalidSlug,
		},
		{
			name:   "canceled",
			slug:   "demo",
			source: src,
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			reason: ReasonCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.Build(tt.ctx(), asset.KindPlugin, tt.slug, tt.source)
			assert.Nil(t, res)

			var be *BuildError
			require.True(t, errors.As(err, &be), "expected *BuildError, got %T", err)
			assert.Equal(t, tt.reason, be.Reason)
			assert.Equal(t, asset.KindPlugin, be.Kind)
		})
	}
}

func TestBuild_UnwritableDestination(t *testing.T) {
	src := t.TempDir()
	writeTree(t, filepath.Join(src, "demo"), map[string]string{"demo.php": "x"})

	// a regular file where the download directory should be
	blocker := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	b := NewBuilder(filepath.Join(blocker, "repo"), nil)
	_, err := b.Build(context.Background(), asset.KindPlugin, "demo", filepath.Join(src, "demo"))

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ReasonDestinationUnwritable, be.Reason)
}

func TestBuild_SkipsSymlinks(t *testing.T) {
	b, src := newTestBuilder(t)
	pluginDir := filepath.Join(src, "linked")
	writeTree(t, pluginDir, map[string]string{"main.php": "x"})
	if err := os.Symlink("/etc/passwd", filepath.Join(pluginDir, "passwd")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	res, err := b.Build(context.Background(), asset.KindPlugin, "linked", pluginDir)
	require.NoError(t, err)

	names, _ := zipEntries(t, res.Path)
	assert.Equal(t, []string{"linked/", "linked/main.php"}, names)
}

func TestBuild_ConcurrentSameSlug(t *testing.T) {
	b, src := newTestBuilder(t)
	pluginDir := filepath.Join(src, "busy")
	writeTree(t, pluginDir, map[string]string{"a.php": strings.Repeat("a", 4096), "b/c.php": "c"})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Build(context.Background(), asset.KindPlugin, "busy", pluginDir)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	names, _ := zipEntries(t, filepath.Join(b.Dir(), "plugin-busy.zip"))
	assert.Equal(t, []string{"busy/", "busy/a.php", "busy/b/", "busy/b/c.php"}, names)

	left, err := os.ReadDir(b.Dir())
	require.NoError(t, err)
	for _, e := range left {
		assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), "temp file left behind: %s", e.Name())
	}
	assert.Equal(t, 0, b.locks.size())
}

func TestExists_WaitsForBuildInProgress(t *testing.T) {
	b, src := newTestBuilder(t)
	pluginDir := filepath.Join(src, "busy")
	writeTree(t, pluginDir, map[string]string{"busy.php": "x"})
	_, err := b.Build(context.Background(), asset.KindPlugin, "busy", pluginDir)
	require.NoError(t, err)

	unlock := b.locks.Lock("plugin-busy.zip")
	done := make(chan bool, 1)
	go func() { done <- b.Exists(asset.KindPlugin, "busy") }()

	select {
	case <-done:
		t.Fatal("Exists returned while the archive was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Exists did not return after unlock")
	}
	assert.Equal(t, 0, b.locks.size())
	assert.False(t, b.Exists(asset.KindPlugin, "///"))
}

// ---------------------------------------------------------------------------
// Prepare / Remove
// ---------------------------------------------------------------------------

func TestPrepare_WritesListingMarkers(t *testing.T) {
	b, _ := newTestBuilder(t)
	require.NoError(t, b.Prepare())

	for name, content := range ListingMarkers {
		got, err := os.ReadFile(filepath.Join(b.Dir(), name))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(got))
	}

	// existing markers are left untouched
	custom := filepath.Join(b.Dir(), "index.html")
	require.NoError(t, os.WriteFile(custom, []byte("custom"), 0o644))
	require.NoError(t, b.Prepare())
	got, _ := os.ReadFile(custom)
	assert.Equal(t, "custom", string(got))
}

func TestRemoveAndRemoveAll(t *testing.T) {
	b, src := newTestBuilder(t)
	require.NoError(t, b.Prepare())
	writeTree(t, filepath.Join(src, "one"), map[string]string{"one.php": "1"})
	writeTree(t, filepath.Join(src, "two"), map[string]string{"style.css": "2"})

	_, err := b.Build(context.Background(), asset.KindPlugin, "one", filepath.Join(src, "one"))
	require.NoError(t, err)
	_, err = b.Build(context.Background(), asset.KindTheme, "two", filepath.Join(src, "two"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(b.Dir(), "update-log.json"), []byte("[]"), 0o644))

	require.NoError(t, b.Remove(asset.KindPlugin, "one"))
	assert.False(t, b.Exists(asset.KindPlugin, "one"))
	// removing again is not an error
	require.NoError(t, b.Remove(asset.KindPlugin, "one"))

	_, err = b.Build(context.Background(), asset.KindPlugin, "one", filepath.Join(src, "one"))
	require.NoError(t, err)

	archives, err := b.Archives()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plugin-one.zip", "theme-two.zip"}, archives)

	removed, err := b.RemoveAll()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plugin-one.zip", "theme-two.zip"}, removed)
	assert.False(t, b.Exists(asset.KindTheme, "two"))

	for _, keep := range []string{"index.html", ".htaccess", "update-log.json"} {
		_, err := os.Stat(filepath.Join(b.Dir(), keep))
		assert.NoError(t, err, keep)
	}
}

func TestRemoveAll_MissingDirectory(t *testing.T) {
	b := NewBuilder(filepath.Join(t.TempDir(), "never-created"), nil)
	removed, err := b.RemoveAll()
	assert.NoError(t, err)
	assert.Empty(t, removed)
}

func TestURL(t *testing.T) {
	b, _ := newTestBuilder(t)
	assert.Equal(t, "https://example.test/dl?filename=theme-astra.zip", b.URL(asset.KindTheme, "astra"))
	assert.Empty(t, b.URL(asset.KindTheme, ""))
	assert.Empty(t, NewBuilder(t.TempDir(), nil).URL(asset.KindTheme, "astra"))
}
