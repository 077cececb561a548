package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fanlink/tokenledger/internal/idgen"
	"github.com/fanlink/tokenledger/internal/pagination"
	"github.com/fanlink/tokenledger/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Mutations on one account are serialized by a per-account sharded lock;
// the inner mutex only guards map and slice structure.
type MemoryStore struct {
	accounts syncutil.ShardedMutex
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
	byRef    map[string]*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		byRef:    make(map[string]*Entry),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[accountID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{AccountID: accountID, Tokens: 0, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) TryDebit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	unlock := m.accounts.Lock(accountID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(accountID)
	if bal.Tokens < tokens {
		return bal.Tokens, ErrInsufficientFunds
	}

	bal.Tokens -= tokens
	bal.UpdatedAt = time.Now()
	m.append(entry, accountID, -tokens)
	return bal.Tokens, nil
}

func (m *MemoryStore) Credit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	unlock := m.accounts.Lock(accountID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(accountID)
	bal.Tokens += tokens
	bal.UpdatedAt = time.Now()
	m.append(entry, accountID, tokens)
	return bal.Tokens, nil
}

func (m *MemoryStore) SetBalance(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	unlock := m.accounts.Lock(accountID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(accountID)
	delta := tokens - bal.Tokens
	bal.Tokens = tokens
	bal.UpdatedAt = time.Now()
	m.append(entry, accountID, delta)
	return bal.Tokens, nil
}

func (m *MemoryStore) RecordTransfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	unlock := m.accounts.LockPair(t.FromID, t.ToID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if t.DedupRef != "" {
		if _, ok := m.byRef[t.DedupRef]; ok {
			return nil, ErrDuplicateRef
		}
	}

	from := m.balance(t.FromID)
	if from.Tokens < t.Tokens {
		return nil, ErrInsufficientFunds
	}

	to := m.balance(t.ToID)
	now := time.Now()
	from.Tokens -= t.Tokens
	from.UpdatedAt = now
	to.Tokens += t.Tokens
	to.UpdatedAt = now

	debitKind, creditKind := t.Kind.EntryKinds()
	debit := &Entry{
		ID:             idgen.WithPrefix("ent_"),
		AccountID:      t.FromID,
		Kind:           debitKind,
		Amount:         -t.Tokens,
		ValueCents:     t.ValueCents,
		CounterpartyID: t.ToID,
		Reference:      t.Reference,
		ExternalRef:    t.DedupRef,
		IdempotencyKey: t.IdempotencyKey,
		Status:         StatusCompleted,
		CreatedAt:      now,
	}
	credit := &Entry{
		ID:             idgen.WithPrefix("ent_"),
		AccountID:      t.ToID,
		Kind:           creditKind,
		Amount:         t.Tokens,
		ValueCents:     t.ValueCents,
		CounterpartyID: t.FromID,
		Reference:      t.Reference,
		IdempotencyKey: t.IdempotencyKey,
		Status:         StatusCompleted,
		CreatedAt:      now,
	}
	m.entries = append(m.entries, debit, credit)
	if t.DedupRef != "" {
		m.byRef[t.DedupRef] = debit
	}

	return &TransferResult{
		DebitEntry:  debit,
		CreditEntry: credit,
		FromBalance: from.Tokens,
		ToBalance:   to.Tokens,
	}, nil
}

func (m *MemoryStore) RecordCredit(ctx context.Context, c OneSided) (*Entry, int64, error) {
	unlock := m.accounts.Lock(c.AccountID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ExternalRef != "" {
		if existing, ok := m.byRef[c.ExternalRef]; ok {
			switch existing.Status {
			case StatusCompleted:
				return existing, m.balance(c.AccountID).Tokens, ErrDuplicateRef
			case StatusPending, StatusFailed:
				// Complete the entry in place and apply the credit. Failed
				// entries can settle late when the payer retries the same
				// charge with the provider.
				existing.Status = StatusCompleted
				existing.IdempotencyKey = c.IdempotencyKey
				bal := m.balance(c.AccountID)
				bal.Tokens += c.Tokens
				bal.UpdatedAt = time.Now()
				return existing, bal.Tokens, nil
			}
		}
	}

	now := time.Now()
	entry := &Entry{
		ID:             idgen.WithPrefix("ent_"),
		AccountID:      c.AccountID,
		Kind:           c.Kind,
		Amount:         c.Tokens,
		ValueCents:     c.ValueCents,
		ExternalRef:    c.ExternalRef,
		IdempotencyKey: c.IdempotencyKey,
		Status:         StatusCompleted,
		CreatedAt:      now,
	}
	m.entries = append(m.entries, entry)
	if c.ExternalRef != "" {
		m.byRef[c.ExternalRef] = entry
	}

	bal := m.balance(c.AccountID)
	bal.Tokens += c.Tokens
	bal.UpdatedAt = now
	return entry, bal.Tokens, nil
}

func (m *MemoryStore) CreatePending(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ExternalRef != "" {
		if _, ok := m.byRef[e.ExternalRef]; ok {
			return ErrDuplicateRef
		}
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("ent_")
	}
	e.Status = StatusPending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, e)
	if e.ExternalRef != "" {
		m.byRef[e.ExternalRef] = e
	}
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, externalRef string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byRef[externalRef]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if entry.Status == StatusPending {
		entry.Status = StatusFailed
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, accountID, cursor string, limit int) ([]*Entry, string, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit+1; i-- {
		e := m.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if cur != nil && !beforeCursor(e, cur) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	page, next, _ := pagination.ComputePage(result, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) HasExternalRef(ctx context.Context, externalRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byRef[externalRef]
	return ok, nil
}

func (m *MemoryStore) ListBalances(ctx context.Context, limit, offset int) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []*Balance
	for i := offset; i < len(ids) && len(result) < limit; i++ {
		cp := *m.balances[ids[i]]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SumCompleted(ctx context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Status == StatusCompleted {
			sum += e.Amount
		}
	}
	return sum, nil
}

// balance returns the live balance struct, creating a zero row on first
// reference. Callers must hold m.mu.
func (m *MemoryStore) balance(accountID string) *Balance {
	bal, ok := m.balances[accountID]
	if !ok {
		bal = &Balance{AccountID: accountID, UpdatedAt: time.Now()}
		m.balances[accountID] = bal
	}
	return bal
}

// append records a completed entry for a single-sided mutation.
// Callers must hold m.mu.
func (m *MemoryStore) append(entry *Entry, accountID string, amount int64) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("ent_")
	}
	entry.AccountID = accountID
	entry.Amount = amount
	entry.Status = StatusCompleted
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, entry)
	if entry.ExternalRef != "" {
		m.byRef[entry.ExternalRef] = entry
	}
}
