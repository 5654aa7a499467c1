package orders

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nkolo/marketpay/internal/paygate"
)

// Handler provides HTTP endpoints for draft orders and the gateway webhook.
type Handler struct {
	service  *Service
	verifier paygate.WebhookVerifier
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, verifier paygate.WebhookVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/users/:userId/orders", h.ListOrders)
	r.POST("/orders/:id/pay", h.PayOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/webhooks/gateway", h.GatewayWebhook)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "customerId, sellerId, currency and totalAmount are required",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/users/:userId/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByParty(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// PayRequest is the body for POST /v1/orders/:id/pay.
type PayRequest struct {
	Method string `json:"method" binding:"required"`
}

// PayOrder handles POST /v1/orders/:id/pay
func (h *Handler) PayOrder(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "method is required",
		})
		return
	}

	o, err := h.service.Pay(c.Request.Context(), c.Param("id"), req.Method)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GatewayWebhook handles POST /v1/webhooks/gateway. The body is the raw
// processor payload; verification happens before anything is trusted.
func (h *Handler) GatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unreadable payload",
		})
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "webhook verification failed",
		})
		return
	}

	if err := h.service.HandleWebhook(c.Request.Context(), event); err != nil {
		// Non-2xx makes the processor redeliver; handling is idempotent.
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// respondError maps service errors to specific, user-facing responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrOrderExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "order_expired",
			"message": "This order expired before payment",
		})
	case errors.Is(err, ErrOrderNotPayable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "order_not_payable",
			"message": "This order is not in a payable state",
		})
	case errors.Is(err, ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, paygate.ErrPaymentDeclined):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_declined",
			"message": "The payment was declined",
		})
	case errors.Is(err, paygate.ErrGatewayTimeout),
		errors.Is(err, paygate.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_unavailable",
			"message": "The payment gateway is unavailable, try again shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Order operation failed",
		})
	}
}
