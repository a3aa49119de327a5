// Package updatelog keeps the append-only record of version changes observed
// while rebuilding plugins and themes.
package updatelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/telemetry"
	"github.com/live-assets/asset-repository/internal/validation"
)

// TimestampLayout is the human readable timestamp format stored with each entry.
const TimestampLayout = "2006-01-02 15:04:05"

// Entry is one recorded version change.
type Entry struct {
	Type          asset.Kind `json:"type"`
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	OldVersion    string     `json:"old_version"`
	NewVersion    string     `json:"new_version"`
	Timestamp     string     `json:"timestamp"`
	UnixTimestamp int64      `json:"unix_timestamp"`
}

// Log is a JSON array of entries kept in a single file.
type Log struct {
	path string
	loc  *time.Location
	now  func() time.Time
	mu   sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithLocation sets the location used to render Entry.Timestamp.
func WithLocation(loc *time.Location) Option {
	return func(l *Log) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns a Log stored at path. The file is created on first append.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, loc: time.UTC, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the location of the log document.
func (l *Log) Path() string { return l.path }

// NewEntry builds an entry stamped with the current time.
func (l *Log) NewEntry(kind asset.Kind, slug, name, oldVersion, newVersion string) Entry {
	now := l.now()
	return Entry{
		Type:          kind,
		Slug:          slug,
		Name:          name,
		OldVersion:    oldVersion,
		NewVersion:    newVersion,
		Timestamp:     now.In(l.loc).Format(TimestampLayout),
		UnixTimestamp: now.Unix(),
	}
}

// Append adds e to the end of the document. Entries without timestamps are
// stamped with the current time.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.UnixTimestamp == 0 {
		stamped := l.NewEntry(e.Type, e.Slug, e.Name, e.OldVersion, e.NewVersion)
		e.Timestamp, e.UnixTimestamp = stamped.Timestamp, stamped.UnixTimestamp
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read()
	entries = append(entries, e)
	if err := l.write(entries); err != nil {
		return err
	}

	telemetry.UpdateLogAppendsTotal.WithLabelValues(string(e.Type), validation.ClassifyChange(e.OldVersion, e.NewVersion)).Inc()
	slog.Info("version change recorded",
		"kind", e.Type, "slug", e.Slug, "old_version", e.OldVersion, "new_version", e.NewVersion)
	return nil
}

// List returns every entry, newest first. Entries sharing a timestamp keep
// their reverse insertion order.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	entries := l.read()
	l.mu.Unlock()

	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UnixTimestamp > out[j].UnixTimestamp
	})
	return out, nil
}

// read loads the document. A missing or unparseable document reads as empty.
func (l *Log) read() []Entry {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("update log unreadable, treating as empty", "path", l.path, "error", err)
		}
		return []Entry{}
	}
	if len(data) == 0 {
		return []Entry{}
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("update log corrupt, treating as empty", "path", l.path, "error", err)
		return []Entry{}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

func (l *Log) write(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode update log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create update log directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".update-log-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary update log: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(append(data, '\n'))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpPath, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpPath, l.path)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write update log: %w", err)
	}
	return nil
}
