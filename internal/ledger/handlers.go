package ledger

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nkolo/marketpay/internal/money"
)

// Handler provides HTTP endpoints for wallet balances and ledger history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet and ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId/:currency", h.GetBalance)
	r.GET("/wallets/:userId/:currency/entries", h.GetHistory)
	r.GET("/ledger/escrows/:id", h.GetEscrowEntries)
}

// GetBalance handles GET /v1/wallets/:userId/:currency
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")
	currency := c.Param("currency")
	if !money.ValidCurrency(currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "currency must be an ISO 4217 code",
		})
		return
	}

	wallet, err := h.ledger.BalanceOf(c.Request.Context(), userID, currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read wallet balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":  wallet,
		"display": money.Format(wallet.Available, wallet.Currency),
	})
}

// GetHistory handles GET /v1/wallets/:userId/:currency/entries
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("userId")
	currency := c.Param("currency")
	if !money.ValidCurrency(currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "currency must be an ISO 4217 code",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, next, more, err := h.ledger.HistoryPage(
		c.Request.Context(), userID, currency, c.Query("cursor"), limit)
	if err != nil {
		if strings.Contains(err.Error(), "invalid cursor") {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read ledger history",
		})
		return
	}

	resp := gin.H{"entries": entries, "count": len(entries), "hasMore": more}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetEscrowEntries handles GET /v1/ledger/escrows/:id — the audit trail of
// every movement tied to one escrow.
func (h *Handler) GetEscrowEntries(c *gin.Context) {
	entries, err := h.ledger.EntriesByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read escrow entries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
