// Package billing meters paid calls between fans and creators.
//
// Flow:
//  1. Fan initiates a call → session created in pending state
//  2. Creator answers → session activates and the first block is charged
//  3. Every block interval the next block is charged up front
//  4. Either party hangs up → session ends, remaining elapsed blocks settle
//  5. Fan cannot afford the next block → session ends automatically
//
// Charges are whole blocks. A call of t seconds costs ceil(t/blockSeconds)
// blocks, each priced at ceil(ratePerMin*blockSeconds/60) tokens.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("billing: session not found")
	ErrInvalidStatus   = errors.New("billing: invalid status for this operation")
	ErrInvalidRate     = errors.New("billing: rate must be positive")
	ErrSameAccount     = errors.New("billing: fan and creator cannot be the same account")
)

// Status represents the state of a call session.
type Status string

const (
	StatusPending Status = "pending" // Ringing, no charges yet
	StatusActive  Status = "active"  // Answered, blocks are billed
	StatusEnded   Status = "ended"   // Hung up or terminated
)

// End reasons recorded on terminated sessions.
const (
	EndReasonHangup       = "hangup"
	EndReasonInsufficient = "insufficient_funds"
	EndReasonUnanswered   = "unanswered"
)

const (
	// DefaultBlockSeconds is the billing granularity for calls.
	DefaultBlockSeconds = 30
	// DefaultRingTimeout is how long a pending session may ring before
	// it is cancelled without charge.
	DefaultRingTimeout = 60 * time.Second
)

// Session represents a metered call between a fan and a creator.
type Session struct {
	ID           string     `json:"id"`
	FanID        string     `json:"fan_id"`
	CreatorID    string     `json:"creator_id"`
	RatePerMin   int64      `json:"rate_per_min"` // Tokens per minute
	BlockSeconds int        `json:"block_seconds"`
	BlocksBilled int        `json:"blocks_billed"`
	TokensSpent  int64      `json:"tokens_spent"`
	Status       Status     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"` // Answer time
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsTerminal returns true if the session is in a final state.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusEnded
}

// BlockCost returns the price of one billing block in tokens, rounding up
// so a fractional-token block never undercharges.
func (s *Session) BlockCost() int64 {
	secs := int64(s.BlockSeconds)
	return (s.RatePerMin*secs + 59) / 60
}

// BlocksOwed returns how many blocks a session that has run for elapsed
// time must have billed. Any started block counts in full.
func (s *Session) BlocksOwed(now time.Time) int {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	elapsed := end.Sub(*s.StartedAt)
	if elapsed <= 0 {
		return 1
	}
	block := time.Duration(s.BlockSeconds) * time.Second
	return int((elapsed + block - 1) / block)
}

// NextBlockAt returns when the next unbilled block begins.
func (s *Session) NextBlockAt() time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return s.StartedAt.Add(time.Duration(s.BlocksBilled*s.BlockSeconds) * time.Second)
}

// Store persists call sessions.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Session, error)

	// ListDue returns active sessions whose next block boundary has
	// passed as of now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	// ListStalePending returns pending sessions created before the cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
}
