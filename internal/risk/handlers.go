package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for transaction scoring and verdict
// lookup. Routing and serialization only; all logic lives in Service.
type Handler struct {
	service *Service
}

// NewHandler creates a new risk handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the risk API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.SubmitTransaction)
	r.GET("/risk/:transactionID", h.GetRisk)
	r.GET("/flags", h.ListFlags)
}

// SubmitRequest is the POST /v1/transactions body.
type SubmitRequest struct {
	TransactionID string            `json:"transactionId" binding:"required"`
	UserID        string            `json:"userId" binding:"required"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency" binding:"required"`
	MerchantID    string            `json:"merchantId" binding:"required"`
	Timestamp     time.Time         `json:"timestamp" binding:"required"`
	Location      *Location         `json:"location,omitempty"`
	DeviceID      string            `json:"deviceId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SubmitTransaction handles POST /v1/transactions.
// Resubmitting the same transaction ID returns the original verdict.
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx := &Transaction{
		ID:         req.TransactionID,
		UserID:     req.UserID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		MerchantID: req.MerchantID,
		Timestamp:  req.Timestamp,
		Location:   req.Location,
		DeviceID:   req.DeviceID,
		Metadata:   req.Metadata,
	}

	eval, err := h.service.Evaluate(c.Request.Context(), tx)
	if err != nil {
		if errors.Is(err, ErrInvalidTransaction) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		// Everything else is a dependency failure: retryable, caller's call.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Evaluation could not be completed; retry later",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"evaluation": eval})
}

// GetRisk handles GET /v1/risk/:transactionID.
func (h *Handler) GetRisk(c *gin.Context) {
	eval, err := h.service.Get(c.Request.Context(), c.Param("transactionID"))
	if err != nil {
		if errors.Is(err, ErrEvaluationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No risk evaluation for that transaction",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Lookup could not be completed; retry later",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"evaluation": eval})
}

// ListFlags handles GET /v1/flags?min_score=50&limit=50.
func (h *Handler) ListFlags(c *gin.Context) {
	minScore := intQuery(c, "min_score", DefaultFlagThreshold)
	limit := intQuery(c, "limit", 50)

	flagged, err := h.service.ListFlagged(c.Request.Context(), minScore, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Listing could not be completed; retry later",
		})
		return
	}
	if flagged == nil {
		flagged = []*FlaggedTransaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"flags": flagged,
		"count": len(flagged),
	})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
