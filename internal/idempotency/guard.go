package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fanlink/tokenledger/internal/logging"
)

const (
	// DefaultAbandonAfter is how long a reservation may sit uncompleted
	// before a retry is allowed to take it over.
	DefaultAbandonAfter = 10 * time.Second
	// DefaultRetention is how long completed records are kept for replay.
	DefaultRetention = 24 * time.Hour
)

// Result is the outcome of a guarded operation: either the response the
// wrapped function just produced, or a replay of a previous execution.
type Result struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

// Guard wraps mutating operations so retries with the same key observe
// exactly-once semantics.
type Guard struct {
	store        Store
	abandonAfter time.Duration
	retention    time.Duration
}

// NewGuard creates a guard with default abandonment and retention windows.
func NewGuard(store Store) *Guard {
	return &Guard{
		store:        store,
		abandonAfter: DefaultAbandonAfter,
		retention:    DefaultRetention,
	}
}

// WithAbandonAfter overrides the reservation takeover window.
func (g *Guard) WithAbandonAfter(d time.Duration) *Guard {
	if d > 0 {
		g.abandonAfter = d
	}
	return g
}

// WithRetention overrides how long completed records are kept.
func (g *Guard) WithRetention(d time.Duration) *Guard {
	if d > 0 {
		g.retention = d
	}
	return g
}

// Retention returns the configured completed-record retention window.
func (g *Guard) Retention() time.Duration {
	return g.retention
}

// Do runs fn at most once per (operation, key). The first call executes fn
// and stores its JSON response; retries with the same key replay the stored
// response without running fn. A retry that lands while the first attempt
// is still running gets ErrInFlight. An empty key disables the guard and
// runs fn directly.
//
// fn's error is returned as-is and releases the reservation, so a failed
// operation can be retried with the same key.
func (g *Guard) Do(ctx context.Context, operation, key string, fn func(ctx context.Context) (int, interface{}, error)) (*Result, error) {
	if key == "" {
		code, body, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		return &Result{StatusCode: code, Body: raw}, nil
	}

	existing, acquired, err := g.store.Reserve(ctx, operation, key, g.abandonAfter)
	if err != nil {
		return nil, err
	}

	if !acquired {
		if existing != nil && existing.Status == StatusCompleted {
			replaysTotal.WithLabelValues(operation).Inc()
			logging.L(ctx).Info("idempotent replay",
				"operation", operation,
				"key", key)
			return &Result{
				StatusCode: existing.StatusCode,
				Body:       existing.Response,
				Replayed:   true,
			}, nil
		}
		conflictsTotal.WithLabelValues(operation).Inc()
		return nil, ErrInFlight
	}

	code, body, err := fn(ctx)
	if err != nil {
		if relErr := g.store.Release(ctx, operation, key); relErr != nil {
			logging.L(ctx).Error("failed to release idempotency key",
				"operation", operation,
				"key", key,
				"error", relErr)
		}
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		_ = g.store.Release(ctx, operation, key)
		return nil, fmt.Errorf("encode response: %w", err)
	}
	if err := g.store.Complete(ctx, operation, key, code, raw); err != nil {
		// The operation already happened; surface the response anyway and
		// log the bookkeeping failure.
		logging.L(ctx).Error("failed to complete idempotency record",
			"operation", operation,
			"key", key,
			"error", err)
	}
	return &Result{StatusCode: code, Body: raw}, nil
}

// PurgeExpired removes completed records older than the retention window.
func (g *Guard) PurgeExpired(ctx context.Context) (int, error) {
	return g.store.PurgeExpired(ctx, time.Now().Add(-g.retention))
}
