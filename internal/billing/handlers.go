package billing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fanlink/tokenledger/internal/ledger"
)

// Handler provides HTTP endpoints for call sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new billing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up call session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/calls", h.Start)
	r.GET("/calls/:id", h.Get)
	r.POST("/calls/:id/answer", h.Answer)
	r.POST("/calls/:id/end", h.End)
	r.GET("/accounts/:id/calls", h.ListByAccount)
}

// Start handles POST /calls
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	session, err := h.service.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// Get handles GET /calls/:id
func (h *Handler) Get(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Answer handles POST /calls/:id/answer
func (h *Handler) Answer(c *gin.Context) {
	session, err := h.service.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// EndRequest is the optional body for ending a call.
type EndRequest struct {
	Reason string `json:"reason"`
}

// End handles POST /calls/:id/end
func (h *Handler) End(c *gin.Context) {
	var req EndRequest
	_ = c.ShouldBindJSON(&req)

	session, err := h.service.End(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListByAccount handles GET /accounts/:id/calls
func (h *Handler) ListByAccount(c *gin.Context) {
	sessions, err := h.service.ListByAccount(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Fan holds too few tokens for the first billing block",
		})
	case errors.Is(err, ErrInvalidRate), errors.Is(err, ErrSameAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_failed", "message": err.Error()})
	}
}
