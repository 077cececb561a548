package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanlink/tokenledger/internal/ledger"
)

// fakeProvider settles in memory and verifies a shared-secret signature.
type fakeProvider struct {
	intents int
	fail    bool
}

func (f *fakeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if f.fail {
		return nil, ErrProviderFailure
	}
	f.intents++
	return &Intent{
		ID:           fmt.Sprintf("pi_test_%d", f.intents),
		ClientSecret: "secret",
		Status:       "requires_payment_method",
	}, nil
}

func (f *fakeProvider) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if signature != "valid" {
		return nil, ErrInvalidSignature
	}
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func newTestService() (*Service, *ledger.Service, *fakeProvider) {
	provider := &fakeProvider{}
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore())
	return NewService(provider, ledgerSvc).WithTokenPrice(5), ledgerSvc, provider
}

func settledPayload(t *testing.T, chargeID, accountID string, tokens int64) []byte {
	t.Helper()
	raw, err := json.Marshal(WebhookEvent{
		Type:        EventSettled,
		ExternalRef: chargeID,
		AccountID:   accountID,
		Tokens:      tokens,
		ValueCents:  tokens * 5,
	})
	require.NoError(t, err)
	return raw
}

func TestPurchaseCreatesPendingWithoutCredit(t *testing.T) {
	svc, ledgerSvc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.Purchase(ctx, PurchaseRequest{AccountID: "fan_1", Tokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "pi_test_1", resp.ChargeID)
	assert.Equal(t, int64(500), resp.AmountCents)

	bal, err := ledgerSvc.Balance(ctx, "fan_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Tokens, "tokens arrive only on settlement")

	entries, _, err := ledgerSvc.History(ctx, "fan_1", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusPending, entries[0].Status)
	assert.Equal(t, "pi_test_1", entries[0].ExternalRef)
}

func TestPurchaseValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Purchase(ctx, PurchaseRequest{AccountID: "fan_1", Tokens: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Purchase(ctx, PurchaseRequest{AccountID: "", Tokens: 10})
	assert.Error(t, err)
}

func TestPurchaseProviderFailure(t *testing.T) {
	svc, ledgerSvc, provider := newTestService()
	provider.fail = true

	_, err := svc.Purchase(context.Background(), PurchaseRequest{AccountID: "fan_1", Tokens: 100})
	require.ErrorIs(t, err, ErrProviderFailure)

	entries, _, err := ledgerSvc.History(context.Background(), "fan_1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "no pending entry without a provider charge")
}

func TestWebhookSettlementCreditsOnce(t *testing.T) {
	svc, ledgerSvc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.Purchase(ctx, PurchaseRequest{AccountID: "fan_1", Tokens: 100})
	require.NoError(t, err)

	payload := settledPayload(t, resp.ChargeID, "fan_1", 100)
	require.NoError(t, svc.HandleWebhook(ctx, payload, "valid"))

	bal, err := ledgerSvc.Balance(ctx, "fan_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Tokens)

	// Redelivery of the same charge must not credit again.
	require.NoError(t, svc.HandleWebhook(ctx, payload, "valid"))

	bal, err = ledgerSvc.Balance(ctx, "fan_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Tokens)

	entries, _, err := ledgerSvc.History(ctx, "fan_1", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusCompleted, entries[0].Status)
}

func TestWebhookConcurrentDeliveryCreditsOnce(t *testing.T) {
	svc, ledgerSvc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.Purchase(ctx, PurchaseRequest{AccountID: "fan_1", Tokens: 100})
	require.NoError(t, err)

	// The provider can deliver the same confirmation on two connections
	// at once; both must be acknowledged but only one may credit.
	payload := settledPayload(t, resp.ChargeID, "fan_1", 100)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.HandleWebhook(ctx, payload, "valid"))
		}()
	}
	wg.Wait()

	bal, err := ledgerSvc.Balance(ctx, "fan_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Tokens)

	entries, _, err := ledgerSvc.History(ctx, "fan_1", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusCompleted, entries[0].Status)
}

func TestWebhookSettlementWithoutPriorPurchase(t *testing.T) {
	// A confirmation can arrive for a charge this instance never saw,
	// e.g. after a crash between intent creation and pending insert.
	svc, ledgerSvc, _ := newTestService()
	ctx := context.Background()

	payload := settledPayload(t, "pi_orphan", "fan_1", 50)
	require.NoError(t, svc.HandleWebhook(ctx, payload, "valid"))

	bal, err := ledgerSvc.Balance(ctx, "fan_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Tokens)
}

func TestWebhookFailureMarksPendingFailed(t *testing.T) {
	svc, ledgerSvc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.Purchase(ctx, PurchaseRequest{AccountID: "fan_1", Tokens: 100})
	require.NoError(t, err)

	raw, err := json.Marshal(WebhookEvent{Type: EventFailed, ExternalRef: resp.ChargeID})
	require.NoError(t, err)
	require.NoError(t, svc.HandleWebhook(ctx, raw, "valid"))

	bal, err := ledgerSvc.Balance(ctx, "fan_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Tokens)

	entries, _, err := ledgerSvc.History(ctx, "fan_1", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)
}

func TestWebhookInvalidSignature(t *testing.T) {
	svc, _, _ := newTestService()

	err := svc.HandleWebhook(context.Background(), []byte(`{}`), "forged")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookIgnoredEvent(t *testing.T) {
	svc, _, _ := newTestService()

	raw, err := json.Marshal(WebhookEvent{Type: EventIgnored})
	require.NoError(t, err)
	assert.NoError(t, svc.HandleWebhook(context.Background(), raw, "valid"))
}
