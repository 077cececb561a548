// Package settlement sells token packs for real money through an external
// payment provider.
//
// Flow:
//  1. Fan requests a purchase → provider intent created, pending ledger
//     entry recorded under the provider's charge id
//  2. Provider confirms asynchronously via webhook → pending entry
//     completes and the tokens are credited
//  3. Provider reports failure → pending entry marked failed, no credit
//
// Webhook deliveries are at-least-once; the charge id keys deduplication
// so a redelivered confirmation never credits twice.
package settlement

import (
	"context"
	"errors"
)

var (
	ErrInvalidSignature = errors.New("settlement: invalid webhook signature")
	ErrProviderFailure  = errors.New("settlement: provider request failed")
	ErrUnknownCharge    = errors.New("settlement: unknown charge reference")
)

// Webhook event kinds after provider-specific decoding.
const (
	EventSettled = "settled"
	EventFailed  = "failed"
	EventIgnored = "ignored"
)

// IntentRequest asks the provider to collect payment for a token pack.
type IntentRequest struct {
	AccountID      string
	Tokens         int64
	AmountCents    int64
	IdempotencyKey string
}

// Intent is the provider's handle for an in-progress payment.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status"`
}

// WebhookEvent is a provider notification decoded into ledger terms.
type WebhookEvent struct {
	Type        string
	ExternalRef string
	AccountID   string
	Tokens      int64
	ValueCents  int64
}

// Provider is the external settlement contract. Implementations must
// tolerate repeated webhook deliveries for the same charge.
type Provider interface {
	// CreateIntent starts a payment and returns the provider's charge
	// reference. The idempotency key makes client retries safe on the
	// provider side as well.
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)

	// VerifyWebhook authenticates a raw webhook delivery and decodes it.
	// Deliveries that do not concern token settlement return EventIgnored.
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
