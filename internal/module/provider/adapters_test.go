package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/infra/config"
)

func modelByKey(t *testing.T, key string) *ModelDescriptor {
	t.Helper()
	for _, m := range DefaultModels() {
		if m.Key == key {
			return m
		}
	}
	t.Fatalf("model %s not in default catalog", key)
	return nil
}

func decodeBody(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestOpenAIImageAdapter(t *testing.T) {
	a := NewOpenAIImageAdapter(config.ProviderConfig{BaseURL: "https://api.test/", APIKey: "sk"})
	model := modelByKey(t, "dall-e-3")

	t.Run("builds request with defaults", func(t *testing.T) {
		req, err := a.BuildRequest(context.Background(), model, "a fox", nil, "01HX")
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "https://api.test/v1/images/generations", req.URL.String())
		assert.Equal(t, "Bearer sk", req.Header.Get("Authorization"))
		assert.Equal(t, "01HX", req.Header.Get(IdempotencyKeyHeader))

		body := decodeBody(t, req)
		assert.Equal(t, "dall-e-3", body["model"])
		assert.Equal(t, "a fox", body["prompt"])
		assert.Equal(t, float64(1), body["n"])
		assert.Equal(t, "1024x1024", body["size"])
		assert.Equal(t, "url", body["response_format"])
		assert.Equal(t, "standard", body["quality"])
	})

	t.Run("clamps unsupported size", func(t *testing.T) {
		req, err := a.BuildRequest(context.Background(), model, "a fox", map[string]any{"size": "4096x4096"}, "")
		require.NoError(t, err)
		assert.Equal(t, "1024x1024", decodeBody(t, req)["size"])
		assert.Empty(t, req.Header.Get(IdempotencyKeyHeader))
	})

	t.Run("normalizes data array", func(t *testing.T) {
		res, err := a.Normalize([]byte(`{"created":1700000000,"data":[{"url":"https://cdn/img.png","revised_prompt":"a red fox"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/img.png", res.AssetURL)
		assert.Equal(t, "a red fox", res.Metadata["revised_prompt"])
	})

	t.Run("empty data is an error", func(t *testing.T) {
		_, err := a.Normalize([]byte(`{"data":[]}`))
		assert.Error(t, err)
	})
}

func TestReplicateAdapter(t *testing.T) {
	a := NewReplicateAdapter(config.ProviderConfig{BaseURL: "https://replicate.test"})
	model := modelByKey(t, "flux-schnell")

	t.Run("builds waiting prediction", func(t *testing.T) {
		req, err := a.BuildRequest(context.Background(), model, "a boat", map[string]any{"num_outputs": 9}, "k1")
		require.NoError(t, err)

		assert.Equal(t, "https://replicate.test/v1/predictions", req.URL.String())
		assert.Equal(t, "wait", req.Header.Get("Prefer"))
		assert.Empty(t, req.Header.Get("Authorization"))

		body := decodeBody(t, req)
		assert.Equal(t, "black-forest-labs/flux-schnell", body["version"])
		input := body["input"].(map[string]any)
		assert.Equal(t, "a boat", input["prompt"])
		assert.Equal(t, float64(4), input["num_outputs"])
		assert.Equal(t, "1:1", input["aspect_ratio"])
	})

	t.Run("output string", func(t *testing.T) {
		res, err := a.Normalize([]byte(`{"id":"p1","status":"succeeded","output":"https://cdn/o.webp"}`))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/o.webp", res.AssetURL)
		assert.Equal(t, "p1", res.Metadata["prediction_id"])
	})

	t.Run("output array uses second as thumbnail", func(t *testing.T) {
		res, err := a.Normalize([]byte(`{"status":"succeeded","output":["https://cdn/a.mp4","https://cdn/a.jpg"]}`))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/a.mp4", res.AssetURL)
		assert.Equal(t, "https://cdn/a.jpg", res.ThumbnailURL)
	})

	t.Run("failed prediction is permanent", func(t *testing.T) {
		_, err := a.Normalize([]byte(`{"status":"failed","error":"NSFW"}`))
		assert.ErrorIs(t, err, ErrPermanent)
	})

	t.Run("unfinished prediction is transient", func(t *testing.T) {
		_, err := a.Normalize([]byte(`{"status":"processing","output":null}`))
		assert.ErrorIs(t, err, ErrTransient)
	})
}

func TestRunwayVideoAdapter(t *testing.T) {
	a := NewRunwayVideoAdapter(config.ProviderConfig{BaseURL: "https://runway.test", APIKey: "rk"})
	model := modelByKey(t, "gen3a-turbo")

	t.Run("text to video with defaults", func(t *testing.T) {
		req, err := a.BuildRequest(context.Background(), model, "waves", nil, "k")
		require.NoError(t, err)

		assert.Equal(t, "https://runway.test/v1/text_to_video", req.URL.String())
		assert.Equal(t, runwayAPIVersion, req.Header.Get("X-Runway-Version"))

		body := decodeBody(t, req)
		assert.Equal(t, "gen3a_turbo", body["model"])
		assert.Equal(t, "waves", body["promptText"])
		assert.Equal(t, float64(5), body["duration"])
		assert.Equal(t, "1280:768", body["ratio"])
	})

	t.Run("image to video with clamped values", func(t *testing.T) {
		req, err := a.BuildRequest(context.Background(), model, "waves", map[string]any{
			"image":      "https://cdn/still.png",
			"duration":   8,
			"resolution": "768:1280",
		}, "k")
		require.NoError(t, err)

		assert.Equal(t, "https://runway.test/v1/image_to_video", req.URL.String())
		body := decodeBody(t, req)
		assert.Equal(t, "https://cdn/still.png", body["promptImage"])
		assert.Equal(t, float64(10), body["duration"])
		assert.Equal(t, "768:1280", body["ratio"])
	})

	t.Run("unknown ratio falls back", func(t *testing.T) {
		req, err := a.BuildRequest(context.Background(), model, "waves", map[string]any{"ratio": "1:1", "duration": 1}, "k")
		require.NoError(t, err)
		body := decodeBody(t, req)
		assert.Equal(t, "1280:768", body["ratio"])
		assert.Equal(t, float64(5), body["duration"])
	})

	t.Run("normalizes output and url forms", func(t *testing.T) {
		res, err := a.Normalize([]byte(`{"id":"task-1","output":["https://cdn/v.mp4"]}`))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/v.mp4", res.AssetURL)
		assert.Equal(t, "task-1", res.Metadata["task_id"])

		res, err = a.Normalize([]byte(`{"url":"https://cdn/w.mp4"}`))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/w.mp4", res.AssetURL)
	})

	t.Run("failed task is permanent", func(t *testing.T) {
		_, err := a.Normalize([]byte(`{"status":"FAILED","failure":"moderation"}`))
		assert.ErrorIs(t, err, ErrPermanent)
	})
}

func TestNearestInt(t *testing.T) {
	assert.Equal(t, 5, nearestInt(1, []int{5, 10}))
	assert.Equal(t, 5, nearestInt(7, []int{5, 10}))
	assert.Equal(t, 10, nearestInt(8, []int{5, 10}))
	assert.Equal(t, 10, nearestInt(60, []int{5, 10}))
}
