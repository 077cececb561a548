package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer drives block billing for active sessions and cancels pending
// sessions that were never answered.
type Timer struct {
	service     *Service
	store       Store
	interval    time.Duration
	ringTimeout time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates a new billing timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:     service,
		store:       store,
		interval:    5 * time.Second,
		ringTimeout: DefaultRingTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the billing loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in billing timer", "panic", fmt.Sprint(r))
		}
	}()
	t.billDue(ctx)
	t.cancelUnanswered(ctx)
}

func (t *Timer) billDue(ctx context.Context) {
	due, err := t.store.ListDue(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list due sessions", "error", err)
		return
	}

	for _, session := range due {
		updated, err := t.service.Tick(ctx, session.ID, time.Now())
		if err != nil {
			// Another caller may have ended the session since the list.
			if err == ErrInvalidStatus {
				continue
			}
			t.logger.Warn("failed to bill session block",
				"session", session.ID,
				"error", err)
			continue
		}
		if updated.Status == StatusEnded {
			t.logger.Info("session ended during billing sweep",
				"session", updated.ID,
				"reason", updated.EndReason,
				"blocks", updated.BlocksBilled)
		}
	}
}

func (t *Timer) cancelUnanswered(ctx context.Context) {
	stale, err := t.store.ListStalePending(ctx, time.Now().Add(-t.ringTimeout), 100)
	if err != nil {
		t.logger.Warn("failed to list stale pending sessions", "error", err)
		return
	}

	for _, session := range stale {
		if _, err := t.service.End(ctx, session.ID, EndReasonUnanswered); err != nil {
			if err == ErrInvalidStatus {
				continue
			}
			t.logger.Warn("failed to cancel unanswered session",
				"session", session.ID,
				"error", err)
			continue
		}
		t.logger.Info("cancelled unanswered session", "session", session.ID)
	}
}
