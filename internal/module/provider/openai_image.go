package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/uniedit/batchgen/internal/infra/config"
)

// ProviderOpenAI is the provider id for the OpenAI images API.
const ProviderOpenAI = "openai"

var openAISizes = []string{"256x256", "512x512", "1024x1024", "1792x1024", "1024x1792"}

// OpenAIImageAdapter implements the Adapter interface for OpenAI DALL-E.
type OpenAIImageAdapter struct {
	endpoint
}

// NewOpenAIImageAdapter creates a new OpenAI image adapter.
func NewOpenAIImageAdapter(cfg config.ProviderConfig) *OpenAIImageAdapter {
	return &OpenAIImageAdapter{endpoint: newEndpoint(cfg)}
}

// ProviderID returns the provider id.
func (a *OpenAIImageAdapter) ProviderID() string {
	return ProviderOpenAI
}

type openAIImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format"`
	User           string `json:"user,omitempty"`
}

type openAIImageResponse struct {
	Created int64        `json:"created"`
	Data    AssetPayload `json:"data"`
}

// BuildRequest builds a POST /v1/images/generations request.
func (a *OpenAIImageAdapter) BuildRequest(ctx context.Context, model *ModelDescriptor, prompt string, settings map[string]any, idempotencyKey string) (*http.Request, error) {
	settings = model.NormalizeSettings(settings)

	req := &openAIImageRequest{
		Model:          model.UpstreamModel,
		Prompt:         prompt,
		N:              1,
		Size:           "1024x1024",
		ResponseFormat: "url",
		User:           idempotencyKey,
	}
	if size, ok := stringSetting(settings, "size"); ok {
		req.Size = clampEnum(size, openAISizes, "1024x1024")
	}
	if quality, ok := stringSetting(settings, "quality"); ok {
		req.Quality = quality
	}
	if style, ok := stringSetting(settings, "style"); ok {
		req.Style = style
	}

	return a.newJSONRequest(ctx, "/v1/images/generations", req, idempotencyKey)
}

// Normalize extracts the first generated image.
func (a *OpenAIImageAdapter) Normalize(body []byte) (*Result, error) {
	var resp openAIImageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Data.Primary() == "" {
		return nil, fmt.Errorf("response contains no image url")
	}

	meta := map[string]any{"provider": ProviderOpenAI}
	if resp.Created != 0 {
		meta["created"] = resp.Created
	}
	if revised, ok := resp.Data.Fields["revised_prompt"].(string); ok {
		meta["revised_prompt"] = revised
	}

	return &Result{
		AssetURL:     resp.Data.Primary(),
		ThumbnailURL: resp.Data.Thumbnail(),
		Metadata:     meta,
	}, nil
}

// Classify classifies an OpenAI response.
func (a *OpenAIImageAdapter) Classify(status int, body []byte, err error) *GenerationError {
	return classifyResponse(ProviderOpenAI, status, body, err)
}

var _ Adapter = (*OpenAIImageAdapter)(nil)
