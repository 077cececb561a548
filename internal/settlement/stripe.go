package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeProvider settles token purchases through Stripe PaymentIntents.
type StripeProvider struct {
	webhookSecret string
}

// NewStripeProvider configures the Stripe client. secretKey is the API key,
// webhookSecret signs incoming webhook deliveries.
func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{webhookSecret: webhookSecret}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		Metadata: map[string]string{
			"account_id": req.AccountID,
			"tokens":     strconv.FormatInt(req.Tokens, 10),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
	}, nil
}

func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		return &WebhookEvent{Type: EventIgnored}, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	tokens, err := strconv.ParseInt(pi.Metadata["tokens"], 10, 64)
	if err != nil {
		// Not one of ours; other products share the Stripe account.
		return &WebhookEvent{Type: EventIgnored}, nil
	}

	kind := EventSettled
	if event.Type == "payment_intent.payment_failed" {
		kind = EventFailed
	}
	return &WebhookEvent{
		Type:        kind,
		ExternalRef: pi.ID,
		AccountID:   pi.Metadata["account_id"],
		Tokens:      tokens,
		ValueCents:  pi.Amount,
	}, nil
}
