// Package catalog discovers the installed plugins and themes on disk and
// reads the name and version headers they declare.
package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/live-assets/asset-repository/internal/asset"
)

// ErrNotFound is returned by Lookup when no installed item matches.
var ErrNotFound = errors.New("item not installed")

// headerScanLimit bounds how much of a file is scanned for headers.
const headerScanLimit = 8 << 10

const (
	headerPluginName = "Plugin Name"
	headerThemeName  = "Theme Name"
	headerVersion    = "Version"
)

// Catalog reads installed items from a plugins root and a themes root.
type Catalog struct {
	pluginsDir string
	themesDir  string
}

// New creates a catalog over the given roots. Either root may be empty, in
// which case that kind has no items.
func New(pluginsDir, themesDir string) *Catalog {
	return &Catalog{pluginsDir: pluginsDir, themesDir: themesDir}
}

// Root returns the directory that holds items of kind.
func (c *Catalog) Root(kind asset.Kind) string {
	if kind == asset.KindTheme {
		return c.themesDir
	}
	return c.pluginsDir
}

// List returns every installed plugin followed by every theme, each group
// sorted by slug.
func (c *Catalog) List(ctx context.Context) ([]asset.Item, error) {
	var items []asset.Item
	for _, kind := range asset.Kinds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := c.ListKind(kind)
		if err != nil {
			return nil, err
		}
		items = append(items, found...)
	}
	return items, nil
}

// ListKind returns the installed items of one kind sorted by slug. A missing
// root yields no items. At most one item is returned per sanitised slug.
func (c *Catalog) ListKind(kind asset.Kind) ([]asset.Item, error) {
	root := c.Root(kind)
	if root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	// Items whose slugs sanitise alike would share one archive and one
	// version key. A directory beats a lone file, otherwise the first entry
	// name wins.
	var items []asset.Item
	isDir := make(map[string]bool)
	index := make(map[string]int)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		item, ok := c.inspect(kind, filepath.Join(root, name), e)
		if !ok {
			continue
		}
		key := asset.SanitizeSlug(item.Slug)
		i, taken := index[key]
		if key == "" || !taken {
			index[key] = len(items)
			isDir[key] = e.IsDir()
			items = append(items, item)
			continue
		}
		kept, dropped := items[i], item
		if e.IsDir() && !isDir[key] {
			kept, dropped = item, items[i]
			items[i] = item
			isDir[key] = true
		}
		slog.Warn("ignoring item whose slug collides with another",
			"kind", kind, "slug", key, "kept", kept.Source, "ignored", dropped.Source)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Slug < items[j].Slug })
	return items, nil
}

// Lookup returns the installed item for (kind, slug). The slug is matched
// after sanitisation, so "My-Plugin" finds the directory "my-plugin".
func (c *Catalog) Lookup(kind asset.Kind, slug string) (asset.Item, error) {
	want := asset.SanitizeSlug(slug)
	if want == "" || !kind.Valid() {
		return asset.Item{}, fmt.Errorf("%w: %s %q", ErrNotFound, kind, slug)
	}
	items, err := c.ListKind(kind)
	if err != nil {
		return asset.Item{}, err
	}
	var match *asset.Item
	for i := range items {
		switch {
		case items[i].Slug == slug:
			return items[i], nil
		case match == nil && asset.SanitizeSlug(items[i].Slug) == want:
			match = &items[i]
		}
	}
	if match != nil {
		return *match, nil
	}
	return asset.Item{}, fmt.Errorf("%w: %s %q", ErrNotFound, kind, slug)
}

func (c *Catalog) inspect(kind asset.Kind, p string, d fs.DirEntry) (asset.Item, bool) {
	if d.Type()&fs.ModeSymlink != 0 {
		return asset.Item{}, false
	}
	name := d.Name()
	if kind == asset.KindTheme {
		if !d.IsDir() {
			return asset.Item{}, false
		}
		h, _ := ReadHeaders(filepath.Join(p, "style.css"), headerThemeName, headerVersion)
		return newItem(kind, name, p, h[headerThemeName], h[headerVersion]), true
	}

	if d.IsDir() {
		h := pluginHeaders(p)
		return newItem(kind, name, p, h[headerPluginName], h[headerVersion]), true
	}
	if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(name), ".php") {
		h, err := ReadHeaders(p, headerPluginName, headerVersion)
		if err != nil || h[headerPluginName] == "" {
			// loose PHP files without a header are not plugins
			return asset.Item{}, false
		}
		slug := strings.TrimSuffix(name, filepath.Ext(name))
		return newItem(kind, slug, p, h[headerPluginName], h[headerVersion]), true
	}
	return asset.Item{}, false
}

func newItem(kind asset.Kind, slug, source, name, version string) asset.Item {
	if name == "" {
		name = slug
	}
	return asset.Item{Kind: kind, Slug: slug, Name: name, Version: version, Source: source}
}

// pluginHeaders scans the top-level PHP files of a plugin directory for the
// main plugin file. The file named after the directory is preferred.
func pluginHeaders(dir string) map[string]string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	base := filepath.Base(dir)
	var candidates []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".php") {
			continue
		}
		if strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())) == base {
			candidates = append([]string{e.Name()}, candidates...)
			continue
		}
		candidates = append(candidates, e.Name())
	}
	for _, name := range candidates {
		h, err := ReadHeaders(filepath.Join(dir, name), headerPluginName, headerVersion)
		if err == nil && h[headerPluginName] != "" {
			return h
		}
	}
	return nil
}

// ReadHeaders scans the first 8 KiB of the file at path for "Field: value"
// header lines and returns the first value found for each requested field.
// Comment decoration such as "*", "#" or "//" before the field name is
// ignored and fields are matched case-insensitively.
func ReadHeaders(path string, fields ...string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHeaders(io.LimitReader(f, headerScanLimit), fields...)
}

// ParseHeaders is ReadHeaders over an arbitrary reader.
func ParseHeaders(r io.Reader, fields ...string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), headerScanLimit)
	for sc.Scan() && len(out) < len(fields) {
		line := strings.TrimLeft(sc.Text(), " \t/*#@")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		for _, field := range fields {
			if _, seen := out[field]; seen || !strings.EqualFold(key, field) {
				continue
			}
			out[field] = cleanHeaderValue(value)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return out, err
	}
	return out, nil
}

func cleanHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, "*/"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if i := strings.Index(v, "?>"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
