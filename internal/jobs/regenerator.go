// Package jobs contains the background workers of the asset repository.
// The regeneration job periodically rebuilds every archive; the source watcher
// turns filesystem changes below the plugin and theme roots into lifecycle
// events. Both are safe to re-run: a rebuild without version changes leaves
// the update log untouched.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/live-assets/asset-repository/internal/repository"
)

// Regenerator rebuilds every installed item.
type Regenerator interface {
	RegenerateAll(ctx context.Context) (*repository.Report, error)
}

// RegenerationJob periodically rebuilds every archive
type RegenerationJob struct {
	svc      Regenerator
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegenerationJob creates a new regeneration job
func NewRegenerationJob(svc Regenerator, interval time.Duration) *RegenerationJob {
	if interval <= 0 {
		interval = 24 * time.Hour // Default to daily
	}

	return &RegenerationJob{
		svc:      svc,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the job until Stop is called or ctx is cancelled. The first run
// happens one interval after start; build-on-start covers startup.
func (j *RegenerationJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("regeneration job started", "interval", j.interval)

	for {
		select {
		case <-ticker.C:
			j.run(ctx)
		case <-j.stopChan:
			slog.Info("regeneration job stopped")
			return
		case <-ctx.Done():
			slog.Info("regeneration job context cancelled")
			return
		}
	}
}

// Stop stops the job
func (j *RegenerationJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *RegenerationJob) run(ctx context.Context) {
	if j.svc == nil {
		slog.Warn("regeneration job: service not configured, skipping")
		return
	}
	report, err := j.svc.RegenerateAll(ctx)
	if err != nil {
		slog.Error("regeneration job: run failed", "error", err)
		return
	}
	if report.Failed > 0 {
		slog.Warn("regeneration job: some archives unavailable", "failed", report.Failed, "total", report.Total)
	}
}
