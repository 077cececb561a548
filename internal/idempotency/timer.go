package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically removes expired idempotency records.
type Timer struct {
	guard    *Guard
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new idempotency purge timer.
func NewTimer(guard *Guard, logger *slog.Logger) *Timer {
	return &Timer{
		guard:    guard,
		interval: 10 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the purge loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safePurge(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safePurge(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in idempotency timer", "panic", fmt.Sprint(r))
		}
	}()

	removed, err := t.guard.PurgeExpired(ctx)
	if err != nil {
		t.logger.Warn("failed to purge idempotency records", "error", err)
		return
	}
	if removed > 0 {
		purgedTotal.Add(float64(removed))
		t.logger.Info("purged idempotency records", "removed", removed)
	}
}
