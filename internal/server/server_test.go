package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fanlink/tokenledger/internal/config"
	"github.com/fanlink/tokenledger/internal/settlement"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeProvider implements settlement.Provider for testing. Webhook payloads
// are plain JSON events and the only valid signature is "valid".
type fakeProvider struct {
	intents int
}

func (p *fakeProvider) CreateIntent(ctx context.Context, req settlement.IntentRequest) (*settlement.Intent, error) {
	p.intents++
	return &settlement.Intent{
		ID:           fmt.Sprintf("pi_srv_%d", p.intents),
		ClientSecret: "secret",
		Status:       "requires_payment_method",
	}, nil
}

func (p *fakeProvider) VerifyWebhook(payload []byte, signature string) (*settlement.WebhookEvent, error) {
	if signature != "valid" {
		return nil, settlement.ErrInvalidSignature
	}
	var event settlement.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, settlement.ErrInvalidSignature
	}
	return &event, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		TokenPriceCents:     5,
		BillingBlockSeconds: 30,
		AdminSecret:         "test-admin-secret",
	}
}

// newTestServer creates a server with in-memory storage and a fake provider
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithProvider(&fakeProvider{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}

	// Both subsystem checks report, even before Run starts the timer.
	names := map[string]bool{}
	if checks, ok := resp["checks"].([]interface{}); ok {
		for _, c := range checks {
			if m, ok := c.(map[string]interface{}); ok {
				names[m["name"].(string)] = true
			}
		}
	}
	if !names["billing_timer"] {
		t.Errorf("Expected a billing_timer health check, got %v", names)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "", nil)
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"GET:/api/v1/accounts/:id/balance",
		"GET:/api/v1/accounts/:id/ledger",
		"POST:/api/v1/tips",
		"POST:/api/v1/gifts",
		"POST:/api/v1/calls",
		"POST:/api/v1/calls/:id/answer",
		"POST:/api/v1/calls/:id/end",
		"GET:/api/v1/accounts/:id/calls",
		"POST:/api/v1/purchases",
		"POST:/webhooks/stripe",
		"POST:/api/v1/admin/adjustments",
		"GET:/api/v1/admin/reconcile",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow: purchase settles, then a tip moves tokens
// ---------------------------------------------------------------------------

func TestPurchaseSettleTipFlow(t *testing.T) {
	s := newTestServer(t)

	// Start a purchase
	w := doJSON(s, "POST", "/api/v1/purchases",
		`{"account_id":"fan_1","tokens":100,"idempotency_key":"buy-1"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var purchase map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &purchase); err != nil {
		t.Fatalf("Failed to parse purchase response: %v", err)
	}
	chargeID, _ := purchase["charge_id"].(string)
	if chargeID == "" {
		t.Fatal("Expected a charge_id in purchase response")
	}

	// Balance untouched until the provider confirms
	w = doJSON(s, "GET", "/api/v1/accounts/fan_1/balance", "", nil)
	var bal map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal["tokens"].(float64) != 0 {
		t.Errorf("Expected 0 tokens before settlement, got %v", bal["tokens"])
	}

	// Provider confirmation webhook
	event := fmt.Sprintf(`{"Type":"settled","ExternalRef":"%s","AccountID":"fan_1","Tokens":100}`, chargeID)
	w = doJSON(s, "POST", "/webhooks/stripe", event, map[string]string{"Stripe-Signature": "valid"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for webhook, got %d: %s", w.Code, w.Body.String())
	}

	// Redelivery is acknowledged without a second credit
	w = doJSON(s, "POST", "/webhooks/stripe", event, map[string]string{"Stripe-Signature": "valid"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for redelivered webhook, got %d", w.Code)
	}

	w = doJSON(s, "GET", "/api/v1/accounts/fan_1/balance", "", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal["tokens"].(float64) != 100 {
		t.Errorf("Expected 100 tokens after settlement, got %v", bal["tokens"])
	}

	// Tip a creator
	w = doJSON(s, "POST", "/api/v1/tips",
		`{"from_id":"fan_1","to_id":"creator_1","tokens":40}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for tip, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/api/v1/accounts/creator_1/balance", "", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal["tokens"].(float64) != 40 {
		t.Errorf("Expected creator at 40 tokens, got %v", bal["tokens"])
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad signature, got %d", w.Code)
	}
}

func TestTipInsufficientFunds(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/api/v1/tips",
		`{"from_id":"fan_broke","to_id":"creator_1","tokens":10}`, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTipIdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	// Fund the fan through an admin adjustment
	w := doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_2","delta":100,"reason":"test funding"}`, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for adjustment, got %d: %s", w.Code, w.Body.String())
	}

	body := `{"from_id":"fan_2","to_id":"creator_2","tokens":30}`
	headers := map[string]string{"Idempotency-Key": "tip-once"}

	first := doJSON(s, "POST", "/api/v1/tips", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("Expected 200 for tip, got %d: %s", first.Code, first.Body.String())
	}

	// Retry with the same key replays the stored response, no second debit
	second := doJSON(s, "POST", "/api/v1/tips", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("Expected 200 for replay, got %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("Replay body differs from original:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	w = doJSON(s, "GET", "/api/v1/accounts/fan_2/balance", "", nil)
	var bal map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal["tokens"].(float64) != 70 {
		t.Errorf("Expected 70 tokens after one debit, got %v", bal["tokens"])
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_3","delta":100,"reason":"sneaky"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}

	w = doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_3","delta":100,"reason":"funding"}`,
		map[string]string{"X-Admin-Secret": "test-admin-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminSetBalanceMode(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	w := doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_5","delta":40,"reason":"test funding"}`, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Failed to fund account: %d %s", w.Code, w.Body.String())
	}

	// Overwrite the balance with an explicit value.
	w = doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_5","mode":"set","tokens":100,"reason":"support correction"}`, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for set mode, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"].(float64) != 100 {
		t.Errorf("Expected balance 100 after set, got %v", resp["balance"])
	}
	entry, _ := resp["entry"].(map[string]interface{})
	if entry["amount"].(float64) != 60 {
		t.Errorf("Expected adjustment entry of +60, got %v", entry["amount"])
	}

	w = doJSON(s, "GET", "/api/v1/accounts/fan_5/balance", "", nil)
	var bal map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal["tokens"].(float64) != 100 {
		t.Errorf("Expected 100 tokens, got %v", bal["tokens"])
	}

	// Unknown modes are rejected.
	w = doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_5","mode":"wipe","reason":"nope"}`, admin)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown mode, got %d", w.Code)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	w := doJSON(s, "GET", "/api/v1/admin/reconcile", "", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["consistent"] != true {
		t.Errorf("Expected consistent ledger, got %v", resp)
	}
}

// ---------------------------------------------------------------------------
// Call lifecycle through the API
// ---------------------------------------------------------------------------

func TestCallLifecycle(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	w := doJSON(s, "POST", "/api/v1/admin/adjustments",
		`{"account_id":"fan_4","delta":300,"reason":"test funding"}`, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Failed to fund fan: %d %s", w.Code, w.Body.String())
	}

	// Start a call at 60 tokens/min (30 per block)
	w = doJSON(s, "POST", "/api/v1/calls",
		`{"fan_id":"fan_4","creator_id":"creator_4","rate_per_min":60}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for call start, got %d: %s", w.Code, w.Body.String())
	}

	var session map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &session)
	id, _ := session["id"].(string)
	if id == "" {
		t.Fatal("Expected session id")
	}
	if session["status"] != "pending" {
		t.Errorf("Expected pending session, got %v", session["status"])
	}

	// Answer charges the first block
	w = doJSON(s, "POST", "/api/v1/calls/"+id+"/answer", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for answer, got %d: %s", w.Code, w.Body.String())
	}

	var bal map[string]interface{}
	w = doJSON(s, "GET", "/api/v1/accounts/fan_4/balance", "", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal["tokens"].(float64) != 270 {
		t.Errorf("Expected 270 tokens after first block, got %v", bal["tokens"])
	}

	// Hang up
	w = doJSON(s, "POST", "/api/v1/calls/"+id+"/end", `{}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for end, got %d: %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &session)
	if session["status"] != "ended" {
		t.Errorf("Expected ended session, got %v", session["status"])
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/api/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
