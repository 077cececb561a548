package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fanlink/tokenledger/internal/ledger"
	"github.com/fanlink/tokenledger/internal/logging"
	"github.com/fanlink/tokenledger/internal/traces"
)

// DefaultTokenPriceCents is the price of one token when not configured.
const DefaultTokenPriceCents = 5

// Service sells token packs and applies provider settlements to the ledger.
type Service struct {
	provider        Provider
	ledger          *ledger.Service
	tokenPriceCents int64
}

// NewService creates a new settlement service.
func NewService(provider Provider, ledgerSvc *ledger.Service) *Service {
	return &Service{
		provider:        provider,
		ledger:          ledgerSvc,
		tokenPriceCents: DefaultTokenPriceCents,
	}
}

// WithTokenPrice overrides the per-token price in cents.
func (s *Service) WithTokenPrice(cents int64) *Service {
	if cents > 0 {
		s.tokenPriceCents = cents
	}
	return s
}

// PurchaseRequest asks to buy a token pack.
type PurchaseRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	Tokens         int64  `json:"tokens" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// PurchaseResponse returns the provider handle the client completes
// payment with. Tokens arrive when the provider confirms.
type PurchaseResponse struct {
	ChargeID     string `json:"charge_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status"`
	Tokens       int64  `json:"tokens"`
	AmountCents  int64  `json:"amount_cents"`
}

// Purchase starts a token purchase: it opens a provider payment and records
// a pending ledger entry under the provider's charge id. The balance is
// untouched until the provider confirms settlement.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (_ *PurchaseResponse, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Purchase",
		traces.AccountID(req.AccountID),
		traces.Tokens(req.Tokens),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if req.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if req.Tokens <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	amountCents := req.Tokens * s.tokenPriceCents
	intent, err := s.provider.CreateIntent(ctx, IntentRequest{
		AccountID:      req.AccountID,
		Tokens:         req.Tokens,
		AmountCents:    amountCents,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		intentsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	pending := &ledger.Entry{
		AccountID:   req.AccountID,
		Kind:        ledger.KindPurchase,
		Amount:      req.Tokens,
		ValueCents:  amountCents,
		ExternalRef: intent.ID,
		CreatedAt:   time.Now(),
	}
	if err := s.ledger.Store().CreatePending(ctx, pending); err != nil {
		// A pending entry already exists for this charge, which happens
		// when the provider deduplicated a retried intent. Return the
		// same handle.
		if !errors.Is(err, ledger.ErrDuplicateRef) {
			return nil, err
		}
	}

	intentsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("token purchase initiated",
		"account", req.AccountID,
		"tokens", req.Tokens,
		"amount_cents", amountCents,
		"charge", intent.ID)
	return &PurchaseResponse{
		ChargeID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       intent.Status,
		Tokens:       req.Tokens,
		AmountCents:  amountCents,
	}, nil
}

// HandleWebhook authenticates and applies a provider notification. Repeat
// deliveries of a settlement credit the account exactly once.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.HandleWebhook")
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	event, err := s.provider.VerifyWebhook(payload, signature)
	if err != nil {
		webhooksTotal.WithLabelValues("rejected").Inc()
		return err
	}
	span.SetAttributes(attribute.String("event", event.Type))

	switch event.Type {
	case EventSettled:
		return s.confirm(ctx, event)
	case EventFailed:
		return s.fail(ctx, event)
	default:
		webhooksTotal.WithLabelValues("ignored").Inc()
		return nil
	}
}

// confirm credits the purchased tokens. The charge id is the dedup key:
// the ledger completes the matching pending entry on first delivery and
// reports a duplicate on any later one.
func (s *Service) confirm(ctx context.Context, event *WebhookEvent) error {
	_, _, err := s.ledger.Credit(ctx, ledger.OneSided{
		AccountID:   event.AccountID,
		Kind:        ledger.KindPurchase,
		Tokens:      event.Tokens,
		ValueCents:  event.ValueCents,
		ExternalRef: event.ExternalRef,
	})
	if errors.Is(err, ledger.ErrDuplicateRef) {
		webhooksTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	if err != nil {
		webhooksTotal.WithLabelValues("error").Inc()
		return err
	}

	webhooksTotal.WithLabelValues("settled").Inc()
	tokensSettled.Add(float64(event.Tokens))
	return nil
}

func (s *Service) fail(ctx context.Context, event *WebhookEvent) error {
	entry, err := s.ledger.Store().MarkFailed(ctx, event.ExternalRef)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		// Failure for a charge we never recorded; log and acknowledge so
		// the provider stops retrying.
		logging.L(ctx).Warn("failure webhook for unknown charge",
			"charge", event.ExternalRef)
		webhooksTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	if err != nil {
		webhooksTotal.WithLabelValues("error").Inc()
		return err
	}

	webhooksTotal.WithLabelValues("failed").Inc()
	logging.L(ctx).Info("token purchase failed",
		"account", entry.AccountID,
		"charge", event.ExternalRef)
	return nil
}
