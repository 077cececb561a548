package settlement

import (
	"context"
	"time"

	"github.com/fanlink/tokenledger/internal/circuitbreaker"
	"github.com/fanlink/tokenledger/internal/retry"
)

const breakerKey = "provider"

// ResilientProvider wraps a Provider with retries and a circuit breaker on
// outbound payment calls. Webhook verification is local signature math and
// passes through untouched.
type ResilientProvider struct {
	inner       Provider
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewResilientProvider wraps the provider with a 2-attempt retry and a
// breaker that trips after 5 consecutive failures for 30 seconds.
func NewResilientProvider(inner Provider) *ResilientProvider {
	return &ResilientProvider{
		inner:       inner,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 2,
		baseDelay:   200 * time.Millisecond,
	}
}

func (r *ResilientProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !r.breaker.Allow(breakerKey) {
		return nil, ErrProviderFailure
	}

	var intent *Intent
	err := retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		var err error
		intent, err = r.inner.CreateIntent(ctx, req)
		return err
	})
	if err != nil {
		r.breaker.RecordFailure(breakerKey)
		return nil, err
	}
	r.breaker.RecordSuccess(breakerKey)
	return intent, nil
}

func (r *ResilientProvider) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	return r.inner.VerifyWebhook(payload, signature)
}
