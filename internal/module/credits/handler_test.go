package credits

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/utils/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(s *Service, userID uuid.UUID) *gin.Engine {
	router := gin.New()
	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set(middleware.UserIDKey, userID)
		}
		c.Next()
	})
	NewHandler(s).RegisterRoutes(api)
	return router
}

func TestHandler_GetCredits(t *testing.T) {
	s, _ := newTestService(t)
	user := uuid.New()
	_, err := s.Earn(context.Background(), user, 42, "grant")
	require.NoError(t, err)

	t.Run("returns balance", func(t *testing.T) {
		w := httptest.NewRecorder()
		newTestRouter(s, user).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/credits", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp BalanceResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(42), resp.Balance)
		assert.Equal(t, user, resp.UserID)
	})

	t.Run("requires user", func(t *testing.T) {
		w := httptest.NewRecorder()
		newTestRouter(s, uuid.Nil).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/credits", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandler_ListTransactions(t *testing.T) {
	s, _ := newTestService(t)
	user := uuid.New()
	ctx := context.Background()
	_, err := s.Earn(ctx, user, 10, "grant")
	require.NoError(t, err)
	res, err := s.Reserve(ctx, user, 4, "item", nil)
	require.NoError(t, err)
	require.NoError(t, s.Refund(ctx, res.ID, "failed"))

	w := httptest.NewRecorder()
	newTestRouter(s, user).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/credits/transactions?limit=2", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ListTransactionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Transactions, 2)
	assert.Equal(t, TransactionRefunded, resp.Transactions[0].Type)
	assert.Equal(t, int64(4), resp.Transactions[0].Signed)
	assert.Equal(t, int64(-4), resp.Transactions[1].Signed)
}
