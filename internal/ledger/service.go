package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fanlink/tokenledger/internal/logging"
	"github.com/fanlink/tokenledger/internal/traces"
)

const (
	// DefaultHistoryLimit is the page size used when the caller does not ask.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps the page size a caller may request.
	MaxHistoryLimit = 200
)

// Notifier pushes balance changes to connected clients.
type Notifier interface {
	NotifyBalance(accountID string, tokens int64)
}

// Service implements token ledger business logic on top of a Store.
type Service struct {
	store    Store
	notifier Notifier
}

// NewService creates a new ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithNotifier adds a notifier for realtime balance updates.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Store exposes the underlying store for wiring into other services.
func (s *Service) Store() Store {
	return s.store
}

// Balance returns the current token balance for an account. Accounts
// that have never transacted report a zero balance.
func (s *Service) Balance(ctx context.Context, accountID string) (*Balance, error) {
	defer observeOp("balance")()

	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	return s.store.GetBalance(ctx, accountID)
}

// History returns a page of ledger entries for an account, newest first.
func (s *Service) History(ctx context.Context, accountID, cursor string, limit int) ([]*Entry, string, error) {
	defer observeOp("history")()

	if accountID == "" {
		return nil, "", fmt.Errorf("account id is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.store.History(ctx, accountID, cursor, limit)
}

// Transfer moves tokens between two accounts, writing a matched debit and
// credit entry atomically. The debit fails with ErrInsufficientFunds when
// the sender holds fewer tokens than the transfer amount, and neither
// balance changes.
func (s *Service) Transfer(ctx context.Context, t Transfer) (_ *TransferResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Transfer",
		attribute.String("kind", string(t.Kind)),
		attribute.String("from", t.FromID),
		attribute.String("to", t.ToID),
		attribute.Int64("tokens", t.Tokens),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	defer observeOp("transfer_" + string(t.Kind))()

	if err := validateTransfer(t); err != nil {
		return nil, err
	}

	result, err := s.store.RecordTransfer(ctx, t)
	if err != nil {
		if err == ErrInsufficientFunds {
			InsufficientFundsTotal.WithLabelValues(string(t.Kind)).Inc()
		}
		return nil, err
	}

	TokensTransferred.WithLabelValues(string(t.Kind)).Add(float64(t.Tokens))
	logging.L(ctx).Info("tokens transferred",
		"kind", t.Kind,
		"from", t.FromID,
		"to", t.ToID,
		"tokens", t.Tokens,
		"reference", t.Reference)

	s.notify(t.FromID, result.FromBalance)
	s.notify(t.ToID, result.ToBalance)
	return result, nil
}

// Credit applies a one-sided credit keyed by external reference. A repeat
// delivery of the same reference returns the original entry and leaves the
// balance unchanged.
func (s *Service) Credit(ctx context.Context, c OneSided) (_ *Entry, _ int64, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Credit",
		attribute.String("account", c.AccountID),
		attribute.Int64("tokens", c.Tokens),
		attribute.String("external_ref", c.ExternalRef),
	)
	defer func() {
		if retErr != nil && retErr != ErrDuplicateRef {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	defer observeOp("credit")()

	if c.AccountID == "" {
		return nil, 0, fmt.Errorf("account id is required")
	}
	if c.Tokens <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	entry, balance, err := s.store.RecordCredit(ctx, c)
	if err == ErrDuplicateRef {
		logging.L(ctx).Info("duplicate credit suppressed",
			"account", c.AccountID,
			"external_ref", c.ExternalRef)
		return entry, balance, err
	}
	if err != nil {
		return nil, 0, err
	}

	logging.L(ctx).Info("tokens credited",
		"account", c.AccountID,
		"tokens", c.Tokens,
		"external_ref", c.ExternalRef)
	s.notify(c.AccountID, balance)
	return entry, balance, nil
}

// Debit applies a one-sided debit against an account, failing with
// ErrInsufficientFunds when the account holds fewer tokens than requested.
func (s *Service) Debit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	defer observeOp("debit")()

	if accountID == "" {
		return 0, fmt.Errorf("account id is required")
	}
	if tokens <= 0 {
		return 0, ErrInvalidAmount
	}

	balance, err := s.store.TryDebit(ctx, accountID, tokens, entry)
	if err != nil {
		if err == ErrInsufficientFunds {
			InsufficientFundsTotal.WithLabelValues("debit").Inc()
		}
		return 0, err
	}
	s.notify(accountID, balance)
	return balance, nil
}

// Adjust applies a signed administrative delta to an account balance.
// Negative deltas are bounded by the current balance.
func (s *Service) Adjust(ctx context.Context, accountID string, delta int64, reason string) (_ *Entry, _ int64, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Adjust",
		attribute.String("account", accountID),
		attribute.Int64("delta", delta),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	defer observeOp("adjust")()

	if accountID == "" {
		return nil, 0, fmt.Errorf("account id is required")
	}
	if delta == 0 {
		return nil, 0, ErrInvalidAmount
	}

	entry := &Entry{
		Kind:      KindAdjustment,
		Reference: reason,
		CreatedAt: time.Now(),
	}

	var (
		balance int64
		err     error
	)
	if delta > 0 {
		balance, err = s.store.Credit(ctx, accountID, delta, entry)
	} else {
		balance, err = s.store.TryDebit(ctx, accountID, -delta, entry)
	}
	if err != nil {
		return nil, 0, err
	}

	logging.L(ctx).Info("balance adjusted",
		"account", accountID,
		"delta", delta,
		"reason", reason)
	s.notify(accountID, balance)
	return entry, balance, nil
}

// SetBalance overwrites an account's balance with an explicit value,
// recording the signed difference as an adjustment entry in the same
// atomic unit.
func (s *Service) SetBalance(ctx context.Context, accountID string, tokens int64, reason string) (_ *Entry, _ int64, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.SetBalance",
		attribute.String("account", accountID),
		attribute.Int64("tokens", tokens),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	defer observeOp("set_balance")()

	if accountID == "" {
		return nil, 0, fmt.Errorf("account id is required")
	}
	if tokens < 0 {
		return nil, 0, ErrInvalidAmount
	}

	entry := &Entry{
		Kind:      KindAdjustment,
		Reference: reason,
		CreatedAt: time.Now(),
	}
	balance, err := s.store.SetBalance(ctx, accountID, tokens, entry)
	if err != nil {
		return nil, 0, err
	}

	logging.L(ctx).Info("balance overwritten",
		"account", accountID,
		"tokens", tokens,
		"reason", reason)
	s.notify(accountID, balance)
	return entry, balance, nil
}

// Drift describes an account whose balance row disagrees with the sum of
// its completed entries.
type Drift struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	EntrySum  int64  `json:"entry_sum"`
}

// Reconcile walks all balances and reports accounts whose balance row no
// longer equals the sum of their completed entries.
func (s *Service) Reconcile(ctx context.Context) ([]Drift, error) {
	defer observeOp("reconcile")()

	const pageSize = 500
	var drifts []Drift
	for offset := 0; ; offset += pageSize {
		balances, err := s.store.ListBalances(ctx, pageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, bal := range balances {
			sum, err := s.store.SumCompleted(ctx, bal.AccountID)
			if err != nil {
				return nil, err
			}
			if sum != bal.Tokens {
				drifts = append(drifts, Drift{
					AccountID: bal.AccountID,
					Balance:   bal.Tokens,
					EntrySum:  sum,
				})
			}
		}
		if len(balances) < pageSize {
			break
		}
	}

	ReconcileDrift.Set(float64(len(drifts)))
	if len(drifts) > 0 {
		logging.L(ctx).Warn("reconciliation found drift", "accounts", len(drifts))
	}
	return drifts, nil
}

func validateTransfer(t Transfer) error {
	if t.FromID == "" || t.ToID == "" {
		return fmt.Errorf("both account ids are required")
	}
	if t.FromID == t.ToID {
		return ErrSameAccount
	}
	if t.Tokens <= 0 {
		return ErrInvalidAmount
	}
	switch t.Kind {
	case TransferTip, TransferGift, TransferCall:
	default:
		return fmt.Errorf("unknown transfer kind %q", t.Kind)
	}
	return nil
}

func (s *Service) notify(accountID string, tokens int64) {
	if s.notifier != nil {
		go s.notifier.NotifyBalance(accountID, tokens)
	}
}
