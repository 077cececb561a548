//go:build integration

package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fanlink/tokenledger/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)

	return store, cleanup
}

func TestPostgres_CreditAndGetBalance(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_1"

	_, _, err := store.RecordCredit(ctx, OneSided{
		AccountID:   account,
		Kind:        KindPurchase,
		Tokens:      100,
		ExternalRef: "pi_pg_1",
	})
	if err != nil {
		t.Fatalf("RecordCredit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, account)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}

	if bal.Tokens != 100 {
		t.Errorf("Expected 100 tokens, got %d", bal.Tokens)
	}
}

func TestPostgres_TryDebitInsufficientFunds(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_2"

	if _, err := store.Credit(ctx, account, 50, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	_, err := store.TryDebit(ctx, account, 80, &Entry{Kind: KindTipDebit})
	if err != ErrInsufficientFunds {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	// Balance and history both untouched by the failed debit.
	bal, _ := store.GetBalance(ctx, account)
	if bal.Tokens != 50 {
		t.Errorf("Expected 50 tokens after failed debit, got %d", bal.Tokens)
	}

	entries, _, err := store.History(ctx, account, "", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry after failed debit, got %d", len(entries))
	}
}

func TestPostgres_RecordTransfer(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	fan := "fan_pg_3"
	creator := "creator_pg_3"

	if _, err := store.Credit(ctx, fan, 100, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	res, err := store.RecordTransfer(ctx, Transfer{
		Kind:   TransferTip,
		FromID: fan,
		ToID:   creator,
		Tokens: 40,
	})
	if err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	if res.FromBalance != 60 {
		t.Errorf("Expected sender balance 60, got %d", res.FromBalance)
	}
	if res.ToBalance != 40 {
		t.Errorf("Expected recipient balance 40, got %d", res.ToBalance)
	}
	if res.DebitEntry.Amount != -40 || res.CreditEntry.Amount != 40 {
		t.Errorf("Expected matched entries -40/+40, got %d/%d", res.DebitEntry.Amount, res.CreditEntry.Amount)
	}
}

func TestPostgres_RecordTransferInsufficientFunds(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	fan := "fan_pg_4"
	creator := "creator_pg_4"

	if _, err := store.Credit(ctx, fan, 30, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	_, err := store.RecordTransfer(ctx, Transfer{
		Kind:   TransferTip,
		FromID: fan,
		ToID:   creator,
		Tokens: 31,
	})
	if err != ErrInsufficientFunds {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	fanBal, _ := store.GetBalance(ctx, fan)
	creatorBal, _ := store.GetBalance(ctx, creator)
	if fanBal.Tokens != 30 {
		t.Errorf("Sender balance should be unchanged at 30, got %d", fanBal.Tokens)
	}
	if creatorBal.Tokens != 0 {
		t.Errorf("Recipient balance should be unchanged at 0, got %d", creatorBal.Tokens)
	}
}

func TestPostgres_RecordCreditDedup(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_5"

	credit := OneSided{AccountID: account, Kind: KindPurchase, Tokens: 200, ExternalRef: "pi_pg_dedup"}
	if _, _, err := store.RecordCredit(ctx, credit); err != nil {
		t.Fatalf("RecordCredit failed: %v", err)
	}

	// Same external reference again: no second credit.
	_, _, err := store.RecordCredit(ctx, credit)
	if err != ErrDuplicateRef {
		t.Fatalf("Expected ErrDuplicateRef, got %v", err)
	}

	bal, _ := store.GetBalance(ctx, account)
	if bal.Tokens != 200 {
		t.Errorf("Expected 200 tokens after duplicate settlement, got %d", bal.Tokens)
	}
}

func TestPostgres_PendingEntryCompletesOnCredit(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_6"

	pending := &Entry{AccountID: account, Kind: KindPurchase, Amount: 500, ExternalRef: "pi_pg_pending"}
	if err := store.CreatePending(ctx, pending); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, account)
	if bal.Tokens != 0 {
		t.Errorf("Pending purchase should not credit, got %d tokens", bal.Tokens)
	}

	entry, tokens, err := store.RecordCredit(ctx, OneSided{
		AccountID:   account,
		Kind:        KindPurchase,
		Tokens:      500,
		ExternalRef: "pi_pg_pending",
	})
	if err != nil {
		t.Fatalf("RecordCredit failed: %v", err)
	}
	if entry.Status != StatusCompleted {
		t.Errorf("Expected completed entry, got %s", entry.Status)
	}
	if tokens != 500 {
		t.Errorf("Expected 500 tokens after settlement, got %d", tokens)
	}
}

func TestPostgres_MarkFailed(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_7"

	pending := &Entry{AccountID: account, Kind: KindPurchase, Amount: 100, ExternalRef: "pi_pg_failed"}
	if err := store.CreatePending(ctx, pending); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	if _, err := store.MarkFailed(ctx, "pi_pg_failed"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, account)
	if bal.Tokens != 0 {
		t.Errorf("Failed purchase should not credit, got %d tokens", bal.Tokens)
	}

	// A late settlement after failure still credits once.
	_, tokens, err := store.RecordCredit(ctx, OneSided{
		AccountID:   account,
		Kind:        KindPurchase,
		Tokens:      100,
		ExternalRef: "pi_pg_failed",
	})
	if err != nil {
		t.Fatalf("RecordCredit after failure: %v", err)
	}
	if tokens != 100 {
		t.Errorf("Expected 100 tokens after late settlement, got %d", tokens)
	}
}

func TestPostgres_HistoryPagination(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_8"

	for i := 0; i < 5; i++ {
		if _, err := store.Credit(ctx, account, 10, &Entry{Kind: KindPurchase}); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	first, next, err := store.History(ctx, account, "", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("Expected 3 entries on first page, got %d", len(first))
	}
	if next == "" {
		t.Fatal("Expected a next cursor")
	}

	rest, _, err := store.History(ctx, account, next, 3)
	if err != nil {
		t.Fatalf("History page 2 failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("Expected 2 entries on second page, got %d", len(rest))
	}

	seen := map[string]bool{}
	for _, e := range append(first, rest...) {
		if seen[e.ID] {
			t.Errorf("Entry %s appeared on both pages", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestPostgres_ConcurrentTipsNeverOverdraw(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	fan := "fan_pg_9"
	creator := "creator_pg_9"

	// Funds for exactly 9 of 10 tips.
	if _, err := store.Credit(ctx, fan, 90, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordTransfer(ctx, Transfer{
				Kind:   TransferTip,
				FromID: fan,
				ToID:   creator,
				Tokens: 10,
			})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 9 {
		t.Errorf("Expected exactly 9 successful tips, got %d", succeeded.Load())
	}

	fanBal, _ := store.GetBalance(ctx, fan)
	creatorBal, _ := store.GetBalance(ctx, creator)
	if fanBal.Tokens != 0 {
		t.Errorf("Expected sender drained to 0, got %d", fanBal.Tokens)
	}
	if creatorBal.Tokens != 90 {
		t.Errorf("Expected recipient at 90, got %d", creatorBal.Tokens)
	}
}

func TestPostgres_SumCompleted(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_10"

	if _, err := store.Credit(ctx, account, 100, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := store.TryDebit(ctx, account, 30, &Entry{Kind: KindTipDebit}); err != nil {
		t.Fatalf("TryDebit failed: %v", err)
	}
	// Pending entries do not count toward the completed sum.
	if err := store.CreatePending(ctx, &Entry{AccountID: account, Kind: KindPurchase, Amount: 999, ExternalRef: "pi_pg_sum"}); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	sum, err := store.SumCompleted(ctx, account)
	if err != nil {
		t.Fatalf("SumCompleted failed: %v", err)
	}
	if sum != 70 {
		t.Errorf("Expected completed sum 70, got %d", sum)
	}
}

func TestPostgres_TransferDedupRef(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	fan := "fan_pg_11"
	creator := "creator_pg_11"

	if _, err := store.Credit(ctx, fan, 100, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	transfer := Transfer{
		Kind:      TransferCall,
		FromID:    fan,
		ToID:      creator,
		Tokens:    30,
		Reference: "call_pg#1",
		DedupRef:  "call_pg#1",
	}
	if _, err := store.RecordTransfer(ctx, transfer); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	// A replay of the same charge must be rejected with no balance change.
	if _, err := store.RecordTransfer(ctx, transfer); err != ErrDuplicateRef {
		t.Fatalf("Expected ErrDuplicateRef on replay, got %v", err)
	}

	fanBal, _ := store.GetBalance(ctx, fan)
	creatorBal, _ := store.GetBalance(ctx, creator)
	if fanBal.Tokens != 70 {
		t.Errorf("Expected sender at 70 after one charge, got %d", fanBal.Tokens)
	}
	if creatorBal.Tokens != 30 {
		t.Errorf("Expected recipient at 30 after one charge, got %d", creatorBal.Tokens)
	}
}

func TestPostgres_SetBalance(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	account := "fan_pg_12"

	if _, err := store.Credit(ctx, account, 50, &Entry{Kind: KindPurchase}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	newBal, err := store.SetBalance(ctx, account, 120, &Entry{Kind: KindAdjustment, Reference: "correction"})
	if err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
	if newBal != 120 {
		t.Errorf("Expected balance 120, got %d", newBal)
	}

	// The adjustment entry records the signed difference, keeping the
	// entry sum equal to the overwritten balance.
	sum, err := store.SumCompleted(ctx, account)
	if err != nil {
		t.Fatalf("SumCompleted failed: %v", err)
	}
	if sum != 120 {
		t.Errorf("Expected completed sum 120, got %d", sum)
	}

	entries, _, err := store.History(ctx, account, "", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	var adjustment *Entry
	for _, e := range entries {
		if e.Kind == KindAdjustment {
			adjustment = e
		}
	}
	if adjustment == nil {
		t.Fatal("Expected an adjustment entry")
	}
	if adjustment.Amount != 70 {
		t.Errorf("Expected adjustment of +70, got %d", adjustment.Amount)
	}
}
