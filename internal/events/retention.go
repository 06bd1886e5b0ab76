package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Retention defaults
const (
	DefaultRetentionDays     = 30
	DefaultRetentionInterval = time.Hour
	retentionBatch           = 1000
)

// RetentionStats describes one cleanup cycle
type RetentionStats struct {
	EventsDeleted    int   `json:"events_deleted"`
	SnapshotsRemoved int   `json:"snapshots_removed"`
	BytesFreed       int64 `json:"bytes_freed"`
}

// Retention periodically deletes old events and their snapshot files
type Retention struct {
	mu       sync.Mutex
	service  *Service
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewRetention keeps events for days. Zero takes the default and a
// negative value keeps events forever.
func NewRetention(service *Service, days int, interval time.Duration) *Retention {
	if days == 0 {
		days = DefaultRetentionDays
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	return &Retention{
		service:  service,
		maxAge:   time.Duration(days) * 24 * time.Hour,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default().With("component", "retention"),
	}
}

// Start runs a cleanup now and then on every interval until Stop
func (r *Retention) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.maxAge <= 0 {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.runCleanupLoop(ctx, r.stopCh, r.doneCh)
}

// Stop stops the cleanup loop and waits for a running cycle to finish
func (r *Retention) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()
	<-done
}

func (r *Retention) runCleanupLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.RunCleanup(ctx); err != nil {
		r.logger.Error("Initial retention cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunCleanup(ctx); err != nil {
				r.logger.Error("Retention cleanup failed", "error", err)
			}
		}
	}
}

// RunCleanup deletes every event older than the retention period
func (r *Retention) RunCleanup(ctx context.Context) (*RetentionStats, error) {
	stats := &RetentionStats{}
	if r.maxAge <= 0 {
		return stats, nil
	}
	cutoff := r.now().Add(-r.maxAge)

	for {
		old, _, err := r.service.List(ctx, ListOptions{EndTime: cutoff, Limit: retentionBatch})
		if err != nil {
			return stats, fmt.Errorf("failed to list old events: %w", err)
		}
		if len(old) == 0 {
			break
		}

		for _, event := range old {
			if err := r.deleteEvent(ctx, event, stats); err != nil {
				return stats, err
			}
		}
		if len(old) < retentionBatch {
			break
		}
	}

	if stats.EventsDeleted > 0 {
		r.logger.Info("Retention cleanup completed",
			"events_deleted", stats.EventsDeleted,
			"snapshots_removed", stats.SnapshotsRemoved,
			"bytes_freed", stats.BytesFreed,
		)
	}
	return stats, nil
}

func (r *Retention) deleteEvent(ctx context.Context, event *Event, stats *RetentionStats) error {
	if err := r.service.Delete(ctx, event.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete event %s: %w", event.ID, err)
	}
	stats.EventsDeleted++

	if event.ThumbnailPath == "" {
		return nil
	}
	info, err := os.Stat(event.ThumbnailPath)
	if err != nil {
		return nil
	}
	if err := os.Remove(event.ThumbnailPath); err != nil {
		r.logger.Warn("Failed to remove snapshot", "path", event.ThumbnailPath, "error", err)
		return nil
	}
	stats.SnapshotsRemoved++
	stats.BytesFreed += info.Size()
	return nil
}
