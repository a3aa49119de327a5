// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"log/slog"
	"sync"
)

// Go launches fn in a new goroutine. A panic inside fn is recovered and logged
// with the goroutine name instead of crashing the process.
func Go(name string, fn func()) {
	go run(name, fn)
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "goroutine", name, "panic", r)
		}
	}()
	fn()
}

// Group tracks a set of named background goroutines so a component can wait
// for all of them during shutdown. The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go launches fn under the group. Panics are recovered as with Go.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(name, fn)
	}()
}

// Wait blocks until every goroutine started by the group has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
