package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/telemetry"
)

// EventType names a lifecycle trigger.
type EventType string

const (
	// EventActivated builds every archive when the repository is switched on,
	// or a single item when a kind and slug are given.
	EventActivated EventType = "activated"
	// EventDeactivated removes every archive when the repository is switched
	// off. With a kind and slug it rebuilds that item.
	EventDeactivated       EventType = "deactivated"
	EventUpdated           EventType = "updated"
	EventPluginActivated   EventType = "plugin_activated"
	EventPluginDeactivated EventType = "plugin_deactivated"
	EventUpdateComplete    EventType = "update_complete"
)

// ErrInvalidEvent is returned for events that cannot be processed.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a lifecycle trigger for the repository. Slugs lists additional
// items of the same kind, as reported by a bulk update.
type Event struct {
	Type  EventType  `json:"type" binding:"required"`
	Kind  asset.Kind `json:"kind"`
	Slug  string     `json:"slug"`
	Slugs []string   `json:"slugs,omitempty"`
}

// EventResult reports the outcome of one event.
type EventResult struct {
	Type    EventType    `json:"type"`
	Items   []ItemResult `json:"items,omitempty"`
	Removed int          `json:"removed,omitempty"`
	Report  *Report      `json:"report,omitempty"`
}

// targets returns the slugs named by the event, in order and without duplicates.
func (e Event) targets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append([]string{e.Slug}, e.Slugs...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Validate checks the event type and, when items are named, the kind.
func (e Event) Validate() error {
	switch e.Type {
	case EventActivated, EventDeactivated, EventUpdated, EventPluginActivated, EventPluginDeactivated, EventUpdateComplete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	targets := e.targets()
	if len(targets) > 0 && !e.Kind.Valid() {
		return fmt.Errorf("%w: kind must be plugin or theme", ErrInvalidEvent)
	}
	switch e.Type {
	case EventUpdated, EventPluginActivated, EventPluginDeactivated:
		if len(targets) == 0 {
			return fmt.Errorf("%w: %s requires a slug", ErrInvalidEvent, e.Type)
		}
	}
	if (e.Type == EventPluginActivated || e.Type == EventPluginDeactivated) && e.Kind != asset.KindPlugin {
		return fmt.Errorf("%w: %s applies to plugins only", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Handle processes one event to completion. Per-item build failures are
// reported in the result and do not make Handle fail; an unknown item does.
func (s *Service) Handle(ctx context.Context, ev Event) (*EventResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	telemetry.LifecycleEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	slog.Info("lifecycle event", "type", ev.Type, "kind", ev.Kind, "slug", ev.Slug, "extra", len(ev.Slugs))

	result := &EventResult{Type: ev.Type}
	targets := ev.targets()

	if len(targets) == 0 {
		switch ev.Type {
		case EventDeactivated:
			n, err := s.Cleanup(ctx)
			result.Removed = n
			return result, err
		default:
			report, err := s.RegenerateAll(ctx)
			result.Report = report
			return result, err
		}
	}

	var unknown []string
	for _, slug := range targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := s.Sync(ctx, ev.Kind, slug)
		result.Items = append(result.Items, res)
		if errors.Is(err, ErrUnknownItem) {
			unknown = append(unknown, slug)
		}
	}
	if len(unknown) > 0 {
		return result, fmt.Errorf("%w: %s %v", ErrUnknownItem, ev.Kind, unknown)
	}
	return result, nil
}
