package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-assets/asset-repository/internal/asset"
)

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"repository activated", Event{Type: EventActivated}, false},
		{"repository deactivated", Event{Type: EventDeactivated}, false},
		{"bulk update", Event{Type: EventUpdateComplete, Kind: asset.KindTheme, Slugs: []string{"a", "b"}}, false},
		{"plugin activated", Event{Type: EventPluginActivated, Kind: asset.KindPlugin, Slug: "demo"}, false},
		{"unknown type", Event{Type: "installed"}, true},
		{"updated without slug", Event{Type: EventUpdated, Kind: asset.KindPlugin}, true},
		{"slug without kind", Event{Type: EventUpdated, Slug: "demo"}, true},
		{"plugin event for theme", Event{Type: EventPluginDeactivated, Kind: asset.KindTheme, Slug: "astra"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Handle
// ---------------------------------------------------------------------------

func TestHandle_RepositoryLifecycle(t *testing.T) {
	f := newFixture(t)
	f.plugin(t, "demo", "Demo", "1.0")
	f.theme(t, "astra", "Astra", "4.0")
	ctx := context.Background()

	res, err := f.svc.Handle(ctx, Event{Type: EventActivated})
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	assert.Equal(t, 2, res.Report.Built)

	res, err = f.svc.Handle(ctx, Event{Type: EventDeactivated})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.False(t, f.svc.builder.Exists(asset.KindPlugin, "demo"))
}

func TestHandle_ItemEvents(t *testing.T) {
	f := newFixture(t)
	f.plugin(t, "demo", "Demo", "1.0")
	f.theme(t, "astra", "Astra", "4.0")
	f.theme(t, "neve", "Neve", "3.0")
	ctx := context.Background()

	_, err := f.svc.Handle(ctx, Event{Type: EventPluginActivated, Kind: asset.KindPlugin, Slug: "demo"})
	require.NoError(t, err)

	f.plugin(t, "demo", "Demo", "1.1")
	res, err := f.svc.Handle(ctx, Event{Type: EventPluginDeactivated, Kind: asset.KindPlugin, Slug: "demo"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.True(t, res.Items[0].Changed)
	assert.True(t, f.svc.builder.Exists(asset.KindPlugin, "demo"), "plugin deactivation rebuilds, it does not delete")

	res, err = f.svc.Handle(ctx, Event{Type: EventUpdateComplete, Kind: asset.KindTheme, Slug: "astra", Slugs: []string{"neve", "astra"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "astra", res.Items[0].Slug)
	assert.Equal(t, "neve", res.Items[1].Slug)

	assert.Len(t, f.entries(t), 1)
}

func TestHandle_UnknownItemStillProcessesOthers(t *testing.T) {
	f := newFixture(t)
	f.theme(t, "astra", "Astra", "4.0")

	res, err := f.svc.Handle(context.Background(), Event{Type: EventUpdated, Kind: asset.KindTheme, Slugs: []string{"ghost", "astra"}})
	assert.ErrorIs(t, err, ErrUnknownItem)
	require.Len(t, res.Items, 2)
	assert.True(t, res.Items[1].ZipExists)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (h *recordingHandler) Handle(_ context.Context, ev Event) (*EventResult, error) {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if ev.Slug == "fail" {
		return nil, errors.New("boom")
	}
	return &EventResult{Type: ev.Type}, nil
}

func TestDispatcher_ProcessesInOrder(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h, 8)
	d.Start(context.Background())

	slugs := []string{"a", "fail", "b", "c"}
	for _, s := range slugs {
		require.NoError(t, d.Submit(Event{Type: EventUpdated, Kind: asset.KindPlugin, Slug: s}))
	}
	d.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, len(slugs))
	for i, s := range slugs {
		assert.Equal(t, s, h.events[i].Slug)
	}
	assert.ErrorIs(t, d.Submit(Event{Type: EventActivated}), ErrDispatcherClosed)
}

func TestDispatcher_QueueFull(t *testing.T) {
	h := &recordingHandler{block: make(chan struct{})}
	d := NewDispatcher(h, 1)
	d.Start(context.Background())

	ev := Event{Type: EventActivated}
	require.NoError(t, d.Submit(ev))
	// wait until the worker holds the first event so the queue is empty again
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Submit(ev))
	assert.ErrorIs(t, d.Submit(ev), ErrQueueFull)

	close(h.block)
	d.Close()
}

func TestDispatcher_RejectsInvalidEvents(t *testing.T) {
	d := NewDispatcher(&recordingHandler{}, 1)
	assert.ErrorIs(t, d.Submit(Event{Type: "bogus"}), ErrInvalidEvent)
	d.Close()
}
