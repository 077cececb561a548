package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fanlink/tokenledger/internal/idgen"
	"github.com/fanlink/tokenledger/internal/ledger"
	"github.com/fanlink/tokenledger/internal/logging"
	"github.com/fanlink/tokenledger/internal/syncutil"
	"github.com/fanlink/tokenledger/internal/traces"
)

// LedgerService abstracts the token transfer used to bill call blocks.
type LedgerService interface {
	Transfer(ctx context.Context, t ledger.Transfer) (*ledger.TransferResult, error)
}

// EventEmitter pushes call lifecycle events to connected clients. The
// session argument is a private snapshot, safe to read from any goroutine.
type EventEmitter interface {
	EmitCallBilled(session *Session, block int, tokens int64)
	EmitCallEnded(session *Session)
}

// Service implements call metering business logic.
type Service struct {
	store        Store
	ledger       LedgerService
	emitter      EventEmitter
	blockSeconds int
	locks        syncutil.ShardedMutex
}

// NewService creates a new billing service.
func NewService(store Store, ledgerSvc LedgerService) *Service {
	return &Service{
		store:        store,
		ledger:       ledgerSvc,
		blockSeconds: DefaultBlockSeconds,
	}
}

// WithBlockSeconds overrides the billing block length.
func (s *Service) WithBlockSeconds(secs int) *Service {
	if secs > 0 {
		s.blockSeconds = secs
	}
	return s
}

// WithEmitter adds an event emitter for lifecycle notifications.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// StartRequest describes a new call.
type StartRequest struct {
	FanID      string `json:"fan_id" binding:"required"`
	CreatorID  string `json:"creator_id" binding:"required"`
	RatePerMin int64  `json:"rate_per_min" binding:"required"`
}

// Start creates a pending call session. Nothing is charged until the
// creator answers.
func (s *Service) Start(ctx context.Context, req StartRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "billing.Start",
		attribute.String("fan", req.FanID),
		attribute.String("creator", req.CreatorID),
		attribute.Int64("rate_per_min", req.RatePerMin),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if req.FanID == "" || req.CreatorID == "" {
		return nil, fmt.Errorf("both account ids are required")
	}
	if req.FanID == req.CreatorID {
		return nil, ErrSameAccount
	}
	if req.RatePerMin <= 0 {
		return nil, ErrInvalidRate
	}

	now := time.Now()
	session := &Session{
		ID:           idgen.WithPrefix("call_"),
		FanID:        req.FanID,
		CreatorID:    req.CreatorID,
		RatePerMin:   req.RatePerMin,
		BlockSeconds: s.blockSeconds,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	sessionsStarted.Inc()
	logging.L(ctx).Info("call session created",
		"session", session.ID,
		"fan", session.FanID,
		"creator", session.CreatorID,
		"rate_per_min", session.RatePerMin)
	return session, nil
}

// Activate marks a pending session as answered and charges the first
// block. If the fan cannot cover it the session ends immediately and
// ErrInsufficientFunds is returned.
func (s *Service) Activate(ctx context.Context, id string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "billing.Activate", traces.SessionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	session.Status = StatusActive
	session.StartedAt = &now
	session.UpdatedAt = now

	if err := s.billBlock(ctx, session); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			s.terminate(ctx, session, EndReasonInsufficient)
			if uerr := s.store.Update(ctx, session); uerr != nil {
				logging.L(ctx).Error("failed to persist terminated session",
					"session", session.ID, "error", uerr)
			}
		}
		return nil, err
	}

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	logging.L(ctx).Info("call session activated", "session", session.ID)
	return session, nil
}

// Tick charges any blocks the session has run into since the last charge.
// When the fan cannot afford the next block the session ends with no
// partial charge.
func (s *Service) Tick(ctx context.Context, id string, now time.Time) (*Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, ErrInvalidStatus
	}

	owed := session.BlocksOwed(now)
	for session.BlocksBilled < owed {
		if err := s.billBlock(ctx, session); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				s.terminate(ctx, session, EndReasonInsufficient)
				if uerr := s.store.Update(ctx, session); uerr != nil {
					return nil, uerr
				}
				return session, nil
			}
			return nil, err
		}
	}

	session.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

// End terminates a session. A pending session is cancelled without charge;
// an active one settles any elapsed blocks that have not been billed yet.
func (s *Service) End(ctx context.Context, id, reason string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "billing.End", traces.SessionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	if reason == "" {
		reason = EndReasonHangup
	}
	if session.Status == StatusPending {
		if reason == EndReasonHangup {
			reason = EndReasonUnanswered
		}
		s.terminate(ctx, session, reason)
		if err := s.store.Update(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}

	now := time.Now()
	session.EndedAt = &now
	owed := session.BlocksOwed(now)
	for session.BlocksBilled < owed {
		if err := s.billBlock(ctx, session); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				reason = EndReasonInsufficient
				break
			}
			return nil, err
		}
	}

	session.EndedAt = nil
	s.terminate(ctx, session, reason)
	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns recent sessions where the account is fan or creator.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// billBlock charges one block from fan to creator. The per-block dedup
// reference makes the charge replay-safe: if a previous attempt moved the
// tokens but the session update was lost, the ledger rejects the repeat
// and only the session counters catch up. Callers hold the session lock.
func (s *Service) billBlock(ctx context.Context, session *Session) error {
	block := session.BlocksBilled + 1
	cost := session.BlockCost()
	ref := fmt.Sprintf("%s#%d", session.ID, block)

	_, err := s.ledger.Transfer(ctx, ledger.Transfer{
		Kind:      ledger.TransferCall,
		FromID:    session.FanID,
		ToID:      session.CreatorID,
		Tokens:    cost,
		Reference: ref,
		DedupRef:  ref,
	})
	if errors.Is(err, ledger.ErrDuplicateRef) {
		session.BlocksBilled = block
		session.TokensSpent += cost
		logging.L(ctx).Warn("call block was already billed, counters reconciled",
			"session", session.ID,
			"block", block)
		return nil
	}
	if err != nil {
		return err
	}

	session.BlocksBilled = block
	session.TokensSpent += cost
	blocksBilledTotal.Inc()
	tokensBilled.Add(float64(cost))

	logging.L(ctx).Info("call block billed",
		"session", session.ID,
		"block", block,
		"tokens", cost)
	if s.emitter != nil {
		cp := *session
		go s.emitter.EmitCallBilled(&cp, block, cost)
	}
	return nil
}

// terminate moves a session to its final state. Callers hold the session
// lock and are responsible for persisting the update.
func (s *Service) terminate(ctx context.Context, session *Session, reason string) {
	now := time.Now()
	session.Status = StatusEnded
	session.EndedAt = &now
	session.EndReason = reason
	session.UpdatedAt = now

	sessionsEnded.WithLabelValues(reason).Inc()
	if session.StartedAt != nil {
		sessionDuration.Observe(now.Sub(*session.StartedAt).Seconds())
	}

	logging.L(ctx).Info("call session ended",
		"session", session.ID,
		"reason", reason,
		"blocks", session.BlocksBilled,
		"tokens", session.TokensSpent)
	if s.emitter != nil {
		cp := *session
		go s.emitter.EmitCallEnded(&cp)
	}
}
