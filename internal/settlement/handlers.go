package settlement

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fanlink/tokenledger/internal/idempotency"
	"github.com/fanlink/tokenledger/internal/ledger"
	"github.com/fanlink/tokenledger/internal/logging"
)

// Handler provides HTTP endpoints for token purchases and provider webhooks.
type Handler struct {
	service *Service
	guard   *idempotency.Guard
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service, guard *idempotency.Guard) *Handler {
	return &Handler{service: service, guard: guard}
}

// RegisterRoutes sets up purchase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.Purchase)
}

// RegisterWebhookRoutes sets up provider callback routes. These sit outside
// the authenticated API group; the signature check is the auth.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Webhook)
}

// Purchase handles POST /purchases
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res, err := h.guard.Do(c.Request.Context(), "purchase", req.IdempotencyKey,
		func(ctx context.Context) (int, interface{}, error) {
			resp, err := h.service.Purchase(ctx, req)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusAccepted, resp, nil
		})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(res.StatusCode, "application/json", res.Body)
}

// Webhook handles POST /webhooks/stripe
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read body"})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}
		// Tell the provider to retry later.
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, idempotency.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "operation_in_flight",
			"message": "A request with this idempotency key is already being processed",
		})
	case errors.Is(err, ErrProviderFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_failure", "message": "Payment provider rejected the request"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_failed", "message": err.Error()})
	}
}
