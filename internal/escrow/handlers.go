package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nkolo/marketpay/internal/money"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:userId/escrows", h.ListEscrows)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/refund", h.Refund)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	e, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DisputeRequest is the body for POST /v1/escrows/:id/dispute.
type DisputeRequest struct {
	Reason   string `json:"reason" binding:"required"`
	RaisedBy string `json:"raisedBy" binding:"required"`
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason and raisedBy are required",
		})
		return
	}

	e, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req.Reason, req.RaisedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveRequest is the body for POST /v1/escrows/:id/resolve.
type ResolveRequest struct {
	Outcome  string `json:"outcome" binding:"required"` // release_to_seller, refund_to_customer, split
	Ratio    string `json:"ratio"`                      // seller share, required for split
	Resolver string `json:"resolver" binding:"required"`
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome and resolver are required",
		})
		return
	}

	outcome := Outcome{Kind: OutcomeKind(req.Outcome)}
	if outcome.Kind == SplitSettlement {
		ratio, err := money.ParseRate(req.Ratio)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "ratio must be a decimal in [0,1] for split outcomes",
			})
			return
		}
		outcome.Ratio = ratio
	}

	e, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), outcome, req.Resolver)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundRequest is the body for POST /v1/escrows/:id/refund.
type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// respondError maps service errors to specific, user-facing responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrEscrowNotHeld):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_not_held",
			"message": "This order was already settled or is under dispute",
		})
	case errors.Is(err, ErrEscrowNotDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_not_disputed",
			"message": "This escrow has no open dispute to resolve",
		})
	case errors.Is(err, ErrUnauthorizedResolver):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only an arbiter may resolve disputes",
		})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the customer or seller may open a dispute",
		})
	case errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrInvalidCommission),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrSameParty),
		errors.Is(err, money.ErrInvalidRatio):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Escrow operation failed",
		})
	}
}
