package repository

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/live-assets/asset-repository/internal/safego"
	"github.com/live-assets/asset-repository/internal/telemetry"
)

// ErrQueueFull is returned by Submit when the dispatcher cannot take more events.
var ErrQueueFull = errors.New("event queue full")

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("event dispatcher closed")

// Handler processes a single event.
type Handler interface {
	Handle(ctx context.Context, ev Event) (*EventResult, error)
}

// Dispatcher feeds queued events to a Handler one at a time.
type Dispatcher struct {
	handler Handler
	queue   chan Event
	group   safego.Group

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher with room for size pending events.
func NewDispatcher(h Handler, size int) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{handler: h, queue: make(chan Event, size)}
}

// Start launches the worker. Each event runs to completion before the next
// is taken. The worker exits when Close is called or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.group.Go("event-dispatcher", func() {
		for {
			select {
			case ev, ok := <-d.queue:
				if !ok {
					return
				}
				telemetry.EventQueueDepth.Set(float64(len(d.queue)))
				if _, err := d.handler.Handle(ctx, ev); err != nil {
					slog.Error("lifecycle event failed", "type", ev.Type, "kind", ev.Kind, "slug", ev.Slug, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

// Submit queues ev without blocking.
func (d *Dispatcher) Submit(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- ev:
		telemetry.EventQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		slog.Warn("event queue full, dropping event", "type", ev.Type, "kind", ev.Kind, "slug", ev.Slug)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.group.Wait()
}
