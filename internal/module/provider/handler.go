package provider

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the model catalog.
type Handler struct {
	registry *ModelRegistry
}

// NewHandler creates a new catalog handler.
func NewHandler(registry *ModelRegistry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers the catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.ListModels)
}

// ListModelsResponse is the response for GET /models.
type ListModelsResponse struct {
	Models []*ModelDescriptor `json:"models"`
}

// ListModels returns every generation model with its credit cost.
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, ListModelsResponse{Models: h.registry.List()})
}
