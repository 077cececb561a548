// Package idempotency makes client retries of mutating operations safe.
//
// Callers wrap an operation in Guard.Do with the client-supplied key. The
// first request reserves the key and runs; its JSON response is stored and
// replayed to any retry of the same key. A retry that arrives while the
// first attempt is still running gets ErrInFlight. A reservation that never
// completes is considered abandoned after a timeout and may be taken over
// by a later retry.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInFlight means another request holds a live reservation for the key.
	ErrInFlight = errors.New("idempotency: operation in flight")
	// ErrStorageUnavailable wraps storage failures.
	ErrStorageUnavailable = errors.New("idempotency: storage unavailable")
)

// Record statuses.
const (
	StatusReserved  = "reserved"
	StatusCompleted = "completed"
)

// Record is the stored state of one idempotency key.
type Record struct {
	Operation   string    `json:"operation"`
	Key         string    `json:"key"`
	Status      string    `json:"status"`
	StatusCode  int       `json:"status_code"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Store persists idempotency records. Keys are scoped per operation so the
// same client key may be reused across different endpoints.
type Store interface {
	// Reserve claims (operation, key) for the caller. It returns the
	// existing record when one is present. acquired is true when the
	// caller now owns the reservation, either because the key was free
	// or because the previous reservation is older than abandonAfter.
	Reserve(ctx context.Context, operation, key string, abandonAfter time.Duration) (existing *Record, acquired bool, err error)

	// Complete stores the operation's response against the reservation.
	Complete(ctx context.Context, operation, key string, statusCode int, response []byte) error

	// Release drops a reservation whose operation failed, so a later
	// retry can run it again.
	Release(ctx context.Context, operation, key string) error

	// PurgeExpired removes completed records older than the cutoff and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}
