package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fanlink/tokenledger/internal/idgen"
	"github.com/fanlink/tokenledger/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Per-account serialization
// comes from SELECT ... FOR UPDATE row locks on the balances table; the
// CHECK (tokens >= 0) constraint is a backstop against overdraft.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. cmd/migrate owns the canonical goose
// migrations; this exists so a fresh database can self-provision on boot.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			account_id  TEXT PRIMARY KEY,
			tokens      BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_tokens_nonneg CHECK (tokens >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id               TEXT PRIMARY KEY,
			account_id       TEXT NOT NULL,
			kind             TEXT NOT NULL,
			amount           BIGINT NOT NULL,
			value_cents      BIGINT NOT NULL DEFAULT 0,
			counterparty_id  TEXT,
			reference        TEXT,
			external_ref     TEXT,
			idempotency_key  TEXT,
			status           TEXT NOT NULL DEFAULT 'completed',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uq_entries_external_ref
			ON ledger_entries(external_ref)
			WHERE external_ref IS NOT NULL AND external_ref <> '';
		CREATE INDEX IF NOT EXISTS idx_entries_account
			ON ledger_entries(account_id, created_at DESC, id DESC);
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal := &Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		SELECT tokens, updated_at FROM balances WHERE account_id = $1
	`, accountID).Scan(&bal.Tokens, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{AccountID: accountID, Tokens: 0, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return bal, nil
}

func (p *PostgresStore) TryDebit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	var newBalance int64
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if current < tokens {
			return ErrInsufficientFunds
		}

		newBalance = current - tokens
		if err := writeBalance(ctx, tx, accountID, newBalance); err != nil {
			return err
		}
		if e := filled(entry, accountID, -tokens); e != nil {
			return insertEntry(ctx, tx, e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (p *PostgresStore) Credit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	var newBalance int64
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		newBalance = current + tokens
		if err := writeBalance(ctx, tx, accountID, newBalance); err != nil {
			return err
		}
		if e := filled(entry, accountID, tokens); e != nil {
			return insertEntry(ctx, tx, e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (p *PostgresStore) SetBalance(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error) {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, accountID, tokens); err != nil {
			return err
		}
		if e := filled(entry, accountID, tokens-current); e != nil {
			return insertEntry(ctx, tx, e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return tokens, nil
}

func (p *PostgresStore) RecordTransfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	var result *TransferResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if t.DedupRef != "" {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_ref = $1)
			`, t.DedupRef).Scan(&exists)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
			if exists {
				return ErrDuplicateRef
			}
		}

		// Lock both rows in account-id order so concurrent transfers
		// between the same pair cannot deadlock.
		first, second := t.FromID, t.ToID
		if second < first {
			first, second = second, first
		}
		balances := map[string]int64{}
		for _, id := range []string{first, second} {
			bal, err := lockBalance(ctx, tx, id)
			if err != nil {
				return err
			}
			balances[id] = bal
		}

		if balances[t.FromID] < t.Tokens {
			return ErrInsufficientFunds
		}

		fromBal := balances[t.FromID] - t.Tokens
		toBal := balances[t.ToID] + t.Tokens
		if err := writeBalance(ctx, tx, t.FromID, fromBal); err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, t.ToID, toBal); err != nil {
			return err
		}

		debitKind, creditKind := t.Kind.EntryKinds()
		now := time.Now()
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
		if err := insertEntry(ctx, tx, debit); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, credit); err != nil {
			return err
		}

		result = &TransferResult{
			DebitEntry:  debit,
			CreditEntry: credit,
			FromBalance: fromBal,
			ToBalance:   toBal,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) RecordCredit(ctx context.Context, c OneSided) (*Entry, int64, error) {
	var (
		entry      *Entry
		newBalance int64
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockBalance(ctx, tx, c.AccountID)
		if err != nil {
			return err
		}

		if c.ExternalRef != "" {
			existing, err := entryByRef(ctx, tx, c.ExternalRef)
			if err != nil && !errors.Is(err, ErrEntryNotFound) {
				return err
			}
			if existing != nil {
				switch existing.Status {
				case StatusCompleted:
					entry = existing
					newBalance = current
					return ErrDuplicateRef
				case StatusPending, StatusFailed:
					// A failed charge can settle late when the payer
					// retries it with the provider.
					_, err := tx.ExecContext(ctx, `
						UPDATE ledger_entries
						SET status = $2, idempotency_key = $3
						WHERE id = $1
					`, existing.ID, StatusCompleted, c.IdempotencyKey)
					if err != nil {
						return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
					}
					existing.Status = StatusCompleted
					existing.IdempotencyKey = c.IdempotencyKey
					entry = existing
					newBalance = current + c.Tokens
					return writeBalance(ctx, tx, c.AccountID, newBalance)
				}
			}
		}

		entry = &Entry{
			ID:             idgen.WithPrefix("ent_"),
			AccountID:      c.AccountID,
			Kind:           c.Kind,
			Amount:         c.Tokens,
			ValueCents:     c.ValueCents,
			ExternalRef:    c.ExternalRef,
			IdempotencyKey: c.IdempotencyKey,
			Status:         StatusCompleted,
			CreatedAt:      time.Now(),
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		newBalance = current + c.Tokens
		return writeBalance(ctx, tx, c.AccountID, newBalance)
	})
	if err != nil && !errors.Is(err, ErrDuplicateRef) {
		return nil, 0, err
	}
	return entry, newBalance, err
}

func (p *PostgresStore) CreatePending(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("ent_")
	}
	e.Status = StatusPending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return insertEntry(ctx, tx, e)
	})
}

func (p *PostgresStore) MarkFailed(ctx context.Context, externalRef string) (*Entry, error) {
	var entry *Entry
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := entryByRef(ctx, tx, externalRef)
		if err != nil {
			return err
		}
		if existing.Status == StatusPending {
			if _, err := tx.ExecContext(ctx, `
				UPDATE ledger_entries SET status = $2 WHERE id = $1
			`, existing.ID, StatusFailed); err != nil {
				return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
			existing.Status = StatusFailed
		}
		entry = existing
		return nil
	})
	return entry, err
}

func (p *PostgresStore) History(ctx context.Context, accountID, cursor string, limit int) ([]*Entry, string, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, account_id, kind, amount, value_cents, counterparty_id,
		       reference, external_ref, idempotency_key, status, created_at
		FROM ledger_entries
		WHERE account_id = $1
	`
	args := []interface{}{accountID}
	if cur != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func (p *PostgresStore) HasExternalRef(ctx context.Context, externalRef string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE external_ref = $1
	`, externalRef).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return count > 0, nil
}

func (p *PostgresStore) ListBalances(ctx context.Context, limit, offset int) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, tokens, updated_at
		FROM balances
		ORDER BY account_id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var balances []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(&b.AccountID, &b.Tokens, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (p *PostgresStore) SumCompleted(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND status = 'completed'
	`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return sum, nil
}

// filled completes the caller-supplied entry for a single-sided mutation.
func filled(e *Entry, accountID string, amount int64) *Entry {
	if e == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("ent_")
	}
	e.AccountID = accountID
	e.Amount = amount
	e.Status = StatusCompleted
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return e
}

// withTx runs fn inside a transaction, rolling back on error.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// lockBalance upserts the account's balance row and takes its row lock,
// returning the current token count. The upsert guarantees there is always
// a row to lock, so first-touch accounts serialize like existing ones.
func lockBalance(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, tokens, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var tokens int64
	err = tx.QueryRowContext(ctx, `
		SELECT tokens FROM balances WHERE account_id = $1 FOR UPDATE
	`, accountID).Scan(&tokens)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return tokens, nil
}

func writeBalance(ctx context.Context, tx *sql.Tx, accountID string, tokens int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances SET tokens = $2, updated_at = NOW() WHERE account_id = $1
	`, accountID, tokens)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, account_id, kind, amount, value_cents, counterparty_id,
			 reference, external_ref, idempotency_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''),
		        NULLIF($8, ''), NULLIF($9, ''), $10, $11)
	`, e.ID, e.AccountID, e.Kind, e.Amount, e.ValueCents, e.CounterpartyID,
		e.Reference, e.ExternalRef, e.IdempotencyKey, e.Status, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateRef
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func entryByRef(ctx context.Context, tx *sql.Tx, externalRef string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, account_id, kind, amount, value_cents, counterparty_id,
		       reference, external_ref, idempotency_key, status, created_at
		FROM ledger_entries
		WHERE external_ref = $1
	`, externalRef)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var counterparty, reference, externalRef, idemKey sql.NullString
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.ValueCents,
		&counterparty, &reference, &externalRef, &idemKey, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	e.CounterpartyID = counterparty.String
	e.Reference = reference.String
	e.ExternalRef = externalRef.String
	e.IdempotencyKey = idemKey.String
	return e, nil
}
