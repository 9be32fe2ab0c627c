package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/infra/config"
)

func TestNewRegistryFromConfig(t *testing.T) {
	t.Run("built-in catalog", func(t *testing.T) {
		r, err := NewRegistryFromConfig(nil, nil)
		require.NoError(t, err)

		keys := make([]string, 0)
		for _, m := range r.List() {
			keys = append(keys, m.Key)
		}
		assert.Equal(t, []string{"dall-e-3", "flux-schnell", "gen3a-turbo"}, keys)
		assert.Equal(t, []string{ProviderOpenAI, ProviderReplicate, ProviderRunway}, r.Providers())

		m, adapter, err := r.Resolve("gen3a-turbo")
		require.NoError(t, err)
		assert.Equal(t, int64(10), m.CreditCost)
		assert.Equal(t, 2, m.MaxConcurrencyHint)
		assert.Equal(t, ProviderRunway, adapter.ProviderID())
	})

	t.Run("configured catalog replaces built-ins", func(t *testing.T) {
		r, err := NewRegistryFromConfig(nil, []config.ModelConfig{{
			Key:        "sdxl",
			Provider:   ProviderReplicate,
			CreditCost: 2,
			Parameters: map[string]config.ParameterConfig{
				"num_outputs": {Type: "int", Default: "1", Min: 1, Max: 2},
			},
		}})
		require.NoError(t, err)

		m, err := r.Get("sdxl")
		require.NoError(t, err)
		assert.Equal(t, "sdxl", m.UpstreamModel)
		assert.Equal(t, ParameterInt, m.ParameterSchema["num_outputs"].Type)

		_, err = r.Get("dall-e-3")
		assert.ErrorIs(t, err, ErrModelNotFound)
	})

	t.Run("unknown provider is rejected", func(t *testing.T) {
		_, err := NewRegistryFromConfig(nil, []config.ModelConfig{{Key: "x", Provider: "midjourney", CreditCost: 1}})
		assert.ErrorIs(t, err, ErrAdapterNotFound)
	})

	t.Run("non-positive cost is rejected", func(t *testing.T) {
		r := NewModelRegistry()
		r.RegisterAdapter(NewOpenAIImageAdapter(config.ProviderConfig{}))
		assert.Error(t, r.RegisterModel(&ModelDescriptor{Key: "free", ProviderID: ProviderOpenAI}))
	})
}

func TestHandler_ListModels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, err := NewRegistryFromConfig(nil, nil)
	require.NoError(t, err)

	router := gin.New()
	NewHandler(r).RegisterRoutes(router.Group("/api/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 3)
	assert.Equal(t, "dall-e-3", resp.Models[0].Key)
	assert.Equal(t, int64(4), resp.Models[0].CreditCost)
}
