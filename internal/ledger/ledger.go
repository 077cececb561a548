// Package ledger tracks account token balances and the append-only entry log.
//
// Flow:
//  1. A fan buys tokens — credited only when the payment provider confirms
//  2. Tokens move between accounts via tips, gifts, and call billing blocks
//  3. Every balance change commits together with its ledger entry, so the
//     entry log always reconciles against the balance table
//
// Balances are integers in the smallest token unit and are never negative.
// Two-sided operations (tip, gift, call block) write exactly one debit and
// one matching credit entry in a single atomic unit, with equal magnitudes —
// the platform takes no fee on spend-side transfers.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrSameAccount        = errors.New("ledger: debit and credit account are the same")
	ErrDuplicateRef       = errors.New("ledger: external reference already recorded")
	ErrEntryNotFound      = errors.New("ledger: entry not found")
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")
)

// Kind identifies what a ledger entry represents.
type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindTipDebit   Kind = "tip_debit"
	KindTipCredit  Kind = "tip_credit"
	KindCallDebit  Kind = "call_debit"
	KindCallCredit Kind = "call_credit"
	KindGiftDebit  Kind = "gift_debit"
	KindGiftCredit Kind = "gift_credit"
	KindAdjustment Kind = "adjustment"
)

// Status tracks an entry's lifecycle. Completed entries are immutable;
// corrections are new adjustment entries, never edits.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one side of a balance-affecting event. Amount is signed:
// negative for debits, positive for credits.
type Entry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Kind           Kind      `json:"kind"`
	Amount         int64     `json:"amount"`
	ValueCents     int64     `json:"valueCents,omitempty"`
	CounterpartyID string    `json:"counterpartyId,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	ExternalRef    string    `json:"externalRef,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Balance is an account's current token balance. Accounts come into
// existence with a zero balance on first reference and are never deleted.
type Balance struct {
	AccountID string    `json:"accountId"`
	Tokens    int64     `json:"tokens"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TransferKind selects the entry kinds for a two-sided transfer.
type TransferKind string

const (
	TransferTip  TransferKind = "tip"
	TransferGift TransferKind = "gift"
	TransferCall TransferKind = "call"
)

// EntryKinds returns the debit and credit entry kinds for this transfer.
func (k TransferKind) EntryKinds() (debit, credit Kind) {
	switch k {
	case TransferGift:
		return KindGiftDebit, KindGiftCredit
	case TransferCall:
		return KindCallDebit, KindCallCredit
	default:
		return KindTipDebit, KindTipCredit
	}
}

// Transfer moves tokens between two accounts at zero fee: the sender's
// loss equals the recipient's gain.
type Transfer struct {
	Kind           TransferKind
	FromID         string
	ToID           string
	Tokens         int64
	ValueCents     int64
	Reference      string // billing session id, etc.
	IdempotencyKey string

	// DedupRef, when set, makes the transfer replay-safe: it becomes the
	// debit entry's external reference, and a second transfer carrying the
	// same value returns ErrDuplicateRef with no balance change.
	DedupRef string
}

// TransferResult reports the committed entries and the post-transfer balances.
type TransferResult struct {
	DebitEntry  *Entry `json:"debitEntry"`
	CreditEntry *Entry `json:"creditEntry"`
	FromBalance int64  `json:"fromBalance"`
	ToBalance   int64  `json:"toBalance"`
}

// OneSided credits or adjusts a single account. Used for provider-confirmed
// purchases and administrative corrections.
type OneSided struct {
	AccountID      string
	Kind           Kind
	Tokens         int64
	ValueCents     int64
	ExternalRef    string
	IdempotencyKey string
}

// Store persists balances and entries. Every mutating call is all-or-nothing:
// a balance never changes without its entry committing in the same unit.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (*Balance, error)

	// TryDebit atomically checks and decrements. On insufficient funds it
	// returns ErrInsufficientFunds with the balance unchanged.
	TryDebit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error)

	// Credit atomically increments, creating the balance row if needed.
	Credit(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error)

	// SetBalance overwrites an account's balance (admin correction) and
	// records the supplied adjustment entry in the same unit.
	SetBalance(ctx context.Context, accountID string, tokens int64, entry *Entry) (int64, error)

	// RecordTransfer commits both balance mutations and both entries
	// atomically, serialized against all other mutations on either account.
	RecordTransfer(ctx context.Context, t Transfer) (*TransferResult, error)

	// RecordCredit applies a one-sided credit keyed by external reference.
	// A completed entry with the same reference returns ErrDuplicateRef and
	// no balance change. A pending entry with the reference is completed in
	// place; otherwise a new completed entry is created.
	RecordCredit(ctx context.Context, c OneSided) (*Entry, int64, error)

	// CreatePending records a pending entry (no balance effect). The
	// external reference, when present, must be unique.
	CreatePending(ctx context.Context, e *Entry) error

	// MarkFailed transitions a pending entry to failed by external reference.
	MarkFailed(ctx context.Context, externalRef string) (*Entry, error)

	History(ctx context.Context, accountID, cursor string, limit int) ([]*Entry, string, error)
	HasExternalRef(ctx context.Context, externalRef string) (bool, error)

	// ListBalances and SumCompleted support the reconciliation sweep.
	ListBalances(ctx context.Context, limit, offset int) ([]*Balance, error)
	SumCompleted(ctx context.Context, accountID string) (int64, error)
}
