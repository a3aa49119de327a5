// Package repository coordinates the archive builder, version tracker,
// update log and outbound notifications. It is the single place that decides
// when an item is rebuilt, when a version change is logged and who is told
// about it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/live-assets/asset-repository/internal/archive"
	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/catalog"
	"github.com/live-assets/asset-repository/internal/notify"
	"github.com/live-assets/asset-repository/internal/storage"
	"github.com/live-assets/asset-repository/internal/updatelog"
	"github.com/live-assets/asset-repository/internal/validation"
	"github.com/live-assets/asset-repository/internal/versions"
)

// ErrUnknownItem is returned when an event names an item that is not installed.
var ErrUnknownItem = errors.New("unknown item")

// ItemResult reports what happened to one item during a sync.
type ItemResult struct {
	Kind            asset.Kind `json:"kind"`
	Slug            string     `json:"slug"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Filename        string     `json:"filename,omitempty"`
	URL             string     `json:"url,omitempty"`
	ZipExists       bool       `json:"zip_exists"`
	Changed         bool       `json:"changed"`
	PreviousVersion string     `json:"previous_version,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ListItem is one row of the asset listing.
type ListItem struct {
	Kind      asset.Kind `json:"kind"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	Version   string     `json:"version"`
	URL       string     `json:"url"`
	ZipExists bool       `json:"zip_exists"`
}

// Report summarises a full regeneration. Success is always true: individual
// failures are reported per item.
type Report struct {
	Success  bool         `json:"success"`
	Total    int          `json:"total"`
	Built    int          `json:"built"`
	Failed   int          `json:"failed"`
	Changed  int          `json:"changed"`
	Canceled bool         `json:"canceled,omitempty"`
	Items    []ItemResult `json:"items"`
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sends a webhook after every event-triggered rebuild.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMirror copies every built archive to a secondary storage backend.
func WithMirror(m *storage.Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithSite sets the site identity reported in webhook payloads.
func WithSite(site string) Option {
	return func(s *Service) { s.site = site }
}

// WithLocation sets the location used for webhook timestamps.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Service is the repository orchestrator.
type Service struct {
	catalog  *catalog.Catalog
	builder  *archive.Builder
	tracker  *versions.Tracker
	log      *updatelog.Log
	notifier *notify.Notifier
	mirror   *storage.Mirror
	site     string
	loc      *time.Location
	now      func() time.Time
}

// NewService wires the core components together.
func NewService(cat *catalog.Catalog, builder *archive.Builder, tracker *versions.Tracker, log *updatelog.Log, opts ...Option) *Service {
	s := &Service{
		catalog: cat,
		builder: builder,
		tracker: tracker,
		log:     log,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// syncMode controls the side effects of a sync.
type syncMode struct {
	notify bool
}

// Sync rebuilds one installed item, recording its version and logging the
// change when the version differs from the last one seen.
func (s *Service) Sync(ctx context.Context, kind asset.Kind, slug string) (ItemResult, error) {
	item, err := s.catalog.Lookup(kind, slug)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ItemResult{Kind: kind, Slug: slug, Error: err.Error()}, fmt.Errorf("%w: %s %q", ErrUnknownItem, kind, slug)
		}
		return ItemResult{Kind: kind, Slug: slug, Error: err.Error()}, err
	}
	return s.syncItem(ctx, item, syncMode{notify: true})
}

func (s *Service) syncItem(ctx context.Context, item asset.Item, mode syncMode) (ItemResult, error) {
	res := ItemResult{Kind: item.Kind, Slug: item.Slug, Name: item.Name, Version: item.Version}

	changed, previous, err := s.tracker.RecordAndDiff(ctx, item.Kind, item.Slug, item.Version)
	if err != nil {
		res.Error = err.Error()
		res.ZipExists = s.builder.Exists(item.Kind, item.Slug)
		return res, err
	}
	res.Changed = changed
	res.PreviousVersion = previous

	built, err := s.builder.Build(ctx, item.Kind, item.Slug, item.Source)
	if err != nil {
		slog.Warn("archive unavailable for download", "kind", item.Kind, "slug", item.Slug, "error", err)
		res.Error = err.Error()
		// The version counts as seen only once its archive exists, so the
		// next successful build still logs and announces the change.
		if rErr := s.tracker.Restore(context.WithoutCancel(ctx), item.Kind, item.Slug, previous); rErr != nil {
			slog.Error("failed to restore last version", "kind", item.Kind, "slug", item.Slug, "error", rErr)
		}
		return res, err
	}
	res.Filename = built.Filename
	res.URL = built.URL
	res.ZipExists = true

	if changed {
		entry := s.log.NewEntry(item.Kind, item.Slug, item.Name, previous, item.Version)
		if err := s.log.Append(ctx, entry); err != nil {
			slog.Error("failed to append update log entry", "kind", item.Kind, "slug", item.Slug, "error", err)
		}
	}

	if s.mirror != nil {
		if _, err := s.mirror.Put(ctx, item.Kind, built.Filename, built.Path); err != nil {
			slog.Warn("archive mirror upload failed", "backend", s.mirror.Name(), "filename", built.Filename, "error", err)
		}
	}

	if mode.notify {
		s.notifier.Notify(notify.Payload{
			Site:       s.site,
			Type:       string(item.Kind),
			Slug:       item.Slug,
			Status:     notify.StatusRebuilt,
			Zipfile:    built.Filename,
			Time:       s.now().In(s.loc).Format(updatelog.TimestampLayout),
			OldVersion: previous,
			NewVersion: item.Version,
			Change:     validation.ClassifyChange(previous, item.Version),
		})
	}
	return res, nil
}

// RegenerateAll rebuilds every installed item. Failures are recorded per item
// and never stop the batch; cancellation is checked between items.
func (s *Service) RegenerateAll(ctx context.Context) (*Report, error) {
	items, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed items: %w", err)
	}

	report := &Report{Success: true, Total: len(items), Items: make([]ItemResult, 0, len(items))}
	for _, item := range items {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}
		res, err := s.syncItem(ctx, item, syncMode{})
		report.Items = append(report.Items, res)
		switch {
		case err != nil:
			report.Failed++
		default:
			report.Built++
		}
		if res.Changed {
			report.Changed++
		}
	}

	slog.Info("regeneration finished",
		"total", report.Total, "built", report.Built, "failed", report.Failed,
		"changed", report.Changed, "canceled", report.Canceled)
	return report, nil
}

// List returns every installed item with its download URL. Items without an
// archive are built on the spot; these builds neither touch the version
// tracker nor the update log.
func (s *Service) List(ctx context.Context) ([]ListItem, error) {
	items, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed items: %w", err)
	}

	out := make([]ListItem, 0, len(items))
	for _, item := range items {
		row := ListItem{Kind: item.Kind, Name: item.Name, Slug: item.Slug, Version: item.Version}
		row.ZipExists = s.builder.Exists(item.Kind, item.Slug)
		if !row.ZipExists && ctx.Err() == nil {
			if _, err := s.builder.Build(ctx, item.Kind, item.Slug, item.Source); err != nil {
				slog.Warn("archive unavailable for download", "kind", item.Kind, "slug", item.Slug, "error", err)
			} else {
				row.ZipExists = true
			}
		}
		if row.ZipExists {
			row.URL = s.builder.URL(item.Kind, item.Slug)
		}
		out = append(out, row)
	}
	return out, nil
}

// Cleanup removes every archive, locally and from the mirror, and returns
// how many local archives were deleted.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	removed, err := s.builder.RemoveAll()
	if s.mirror != nil {
		for _, name := range removed {
			kind, _, ok := asset.ParseArchiveFilename(name)
			if !ok {
				continue
			}
			if mErr := s.mirror.Remove(ctx, kind, name); mErr != nil {
				slog.Warn("archive mirror delete failed", "backend", s.mirror.Name(), "filename", name, "error", mErr)
			}
		}
	}
	slog.Info("archives removed", "count", len(removed))
	return len(removed), err
}

// History returns the update log newest-first.
func (s *Service) History(ctx context.Context) ([]updatelog.Entry, error) {
	return s.log.List(ctx)
}
