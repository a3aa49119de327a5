package safego

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go("runs", func() { defer wg.Done() })
	waitOrFail(t, &wg)
}

func TestGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go("panics", func() {
		defer wg.Done()
		panic("intentional panic in test")
	})
	waitOrFail(t, &wg)
}

func TestGroup_WaitsForAll(t *testing.T) {
	var g Group
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		g.Go("worker", func() {
			time.Sleep(10 * time.Millisecond)
			count.Add(1)
		})
	}
	g.Wait()
	if got := count.Load(); got != 5 {
		t.Errorf("completed goroutines = %d, want 5", got)
	}
}

func TestGroup_PanicStillReleasesWait(t *testing.T) {
	var g Group
	g.Go("panics", func() { panic("boom") })

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after a panicking goroutine")
	}
}
