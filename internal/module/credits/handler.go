package credits

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/uniedit/batchgen/internal/utils/errors"
	"github.com/uniedit/batchgen/internal/utils/middleware"
)

// Handler handles HTTP requests for credits.
type Handler struct {
	service *Service
}

// NewHandler creates a new credits handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the credits routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	credits := r.Group("/credits")
	{
		credits.GET("", h.GetCredits)
		credits.GET("/transactions", h.ListTransactions)
	}
}

// GetCredits returns the caller's balance.
func (h *Handler) GetCredits(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		respondError(c, apperrors.Unauthorized("unauthorized"))
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperrors.Internal("failed to get balance", err))
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// ListTransactions returns the caller's ledger entries.
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		respondError(c, apperrors.Unauthorized("unauthorized"))
		return
	}

	var q ListTransactionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, apperrors.Validation("invalid query parameters"))
		return
	}
	if q.Limit <= 0 || q.Limit > maxListLimit {
		q.Limit = defaultListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	txs, total, err := h.service.ListTransactions(c.Request.Context(), userID, q.Limit, q.Offset)
	if err != nil {
		respondError(c, apperrors.Internal("failed to list transactions", err))
		return
	}

	out := make([]*TransactionResponse, len(txs))
	for i, tx := range txs {
		out[i] = tx.ToResponse()
	}
	c.JSON(http.StatusOK, ListTransactionsResponse{
		Transactions: out,
		Total:        total,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
}

func respondError(c *gin.Context, err *apperrors.AppError) {
	c.JSON(err.StatusCode, err.ToResponse())
}
