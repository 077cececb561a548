package ledger

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fanlink/tokenledger/internal/idempotency"
)

// Handler provides HTTP endpoints for balances, transfers, and admin tools.
type Handler struct {
	service *Service
	guard   *idempotency.Guard
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, guard *idempotency.Guard) *Handler {
	return &Handler{service: service, guard: guard}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
	r.POST("/tips", h.Tip)
	r.POST("/gifts", h.Gift)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/adjustments", h.Adjust)
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetBalance handles GET /accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.service.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// GetHistory handles GET /accounts/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := intQuery(c, "limit", DefaultHistoryLimit)
	entries, next, err := h.service.History(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"next_cursor": next,
	})
}

// TransferRequest is the body for tips and gifts.
type TransferRequest struct {
	FromID         string `json:"from_id" binding:"required"`
	ToID           string `json:"to_id" binding:"required"`
	Tokens         int64  `json:"tokens" binding:"required"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Tip handles POST /tips
func (h *Handler) Tip(c *gin.Context) {
	h.transfer(c, TransferTip, "tip")
}

// Gift handles POST /gifts
func (h *Handler) Gift(c *gin.Context) {
	h.transfer(c, TransferGift, "gift")
}

func (h *Handler) transfer(c *gin.Context, kind TransferKind, operation string) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	key := idempotencyKey(c, req.IdempotencyKey)
	res, err := h.guard.Do(c.Request.Context(), operation, key, func(ctx context.Context) (int, interface{}, error) {
		result, err := h.service.Transfer(ctx, Transfer{
			Kind:           kind,
			FromID:         req.FromID,
			ToID:           req.ToID,
			Tokens:         req.Tokens,
			Reference:      req.Reference,
			IdempotencyKey: key,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{
			"debit_entry":  result.DebitEntry,
			"credit_entry": result.CreditEntry,
			"from_balance": result.FromBalance,
			"to_balance":   result.ToBalance,
		}, nil
	})
	writeGuarded(c, res, err)
}

// AdjustRequest is the body for admin balance adjustments. In the default
// delta mode the signed delta is applied; in set mode the balance is
// overwritten with tokens.
type AdjustRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	Mode           string `json:"mode"` // "delta" (default) or "set"
	Delta          int64  `json:"delta"`
	Tokens         int64  `json:"tokens"`
	Reason         string `json:"reason" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Adjust handles POST /admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Mode != "" && req.Mode != "delta" && req.Mode != "set" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "mode must be delta or set"})
		return
	}

	key := idempotencyKey(c, req.IdempotencyKey)
	res, err := h.guard.Do(c.Request.Context(), "adjustment", key, func(ctx context.Context) (int, interface{}, error) {
		var (
			entry   *Entry
			balance int64
			err     error
		)
		if req.Mode == "set" {
			entry, balance, err = h.service.SetBalance(ctx, req.AccountID, req.Tokens, req.Reason)
		} else {
			entry, balance, err = h.service.Adjust(ctx, req.AccountID, req.Delta, req.Reason)
		}
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"entry": entry, "balance": balance}, nil
	})
	writeGuarded(c, res, err)
}

// Reconcile handles GET /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	drifts, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consistent": len(drifts) == 0,
		"drift":      drifts,
	})
}

// idempotencyKey prefers the Idempotency-Key header, falling back to the
// request body field.
func idempotencyKey(c *gin.Context, bodyKey string) string {
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		return key
	}
	return bodyKey
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// writeGuarded writes a guarded operation's result or maps its error.
func writeGuarded(c *gin.Context, res *idempotency.Result, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(res.StatusCode, "application/json", res.Body)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Account holds too few tokens for this operation",
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, idempotency.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "operation_in_flight",
			"message": "A request with this idempotency key is already being processed",
		})
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, idempotency.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": "Try again later"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_failed", "message": err.Error()})
	}
}
