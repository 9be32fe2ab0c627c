package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/uniedit/batchgen/internal/infra/config"
)

// ProviderRunway is the provider id for Runway video generation.
const ProviderRunway = "runway"

const runwayAPIVersion = "2024-11-06"

var (
	runwayDurations = []int{5, 10}
	runwayRatios    = []string{"1280:768", "768:1280"}
)

// RunwayVideoAdapter generates videos through Runway.
type RunwayVideoAdapter struct {
	endpoint
}

// NewRunwayVideoAdapter creates a new Runway adapter.
func NewRunwayVideoAdapter(cfg config.ProviderConfig) *RunwayVideoAdapter {
	return &RunwayVideoAdapter{endpoint: newEndpoint(cfg)}
}

// ProviderID returns the provider id.
func (a *RunwayVideoAdapter) ProviderID() string {
	return ProviderRunway
}

type runwayRequest struct {
	Model       string `json:"model"`
	PromptText  string `json:"promptText"`
	PromptImage string `json:"promptImage,omitempty"`
	Duration    int    `json:"duration"`
	Ratio       string `json:"ratio"`
	Seed        *int   `json:"seed,omitempty"`
}

// BuildRequest posts to image_to_video when a prompt image is supplied and
// to text_to_video otherwise.
func (a *RunwayVideoAdapter) BuildRequest(ctx context.Context, model *ModelDescriptor, prompt string, settings map[string]any, idempotencyKey string) (*http.Request, error) {
	settings = model.NormalizeSettings(settings)

	req := &runwayRequest{
		Model:      model.UpstreamModel,
		PromptText: prompt,
		Duration:   runwayDurations[0],
		Ratio:      runwayRatios[0],
	}
	if d, ok := intSetting(settings, "duration"); ok {
		req.Duration = nearestInt(d, runwayDurations)
	}
	if r, ok := stringSetting(settings, "resolution", "aspect_ratio", "ratio"); ok {
		req.Ratio = clampEnum(r, runwayRatios, runwayRatios[0])
	}
	if seed, ok := intSetting(settings, "seed"); ok {
		req.Seed = &seed
	}

	path := "/v1/text_to_video"
	if img, ok := stringSetting(settings, "image", "prompt_image", "input_image"); ok {
		req.PromptImage = img
		path = "/v1/image_to_video"
	}

	httpReq, err := a.newJSONRequest(ctx, path, req, idempotencyKey)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Runway-Version", runwayAPIVersion)
	return httpReq, nil
}

// Normalize accepts {output: [...]} or {url: ...}.
func (a *RunwayVideoAdapter) Normalize(body []byte) (*Result, error) {
	var payload AssetPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if status, _ := payload.Fields["status"].(string); strings.EqualFold(status, "failed") {
		reason, _ := payload.Fields["failure"].(string)
		return nil, newError(KindPermanent, ProviderRunway, 0, "task failed: "+reason, ErrPermanent)
	}
	if payload.Primary() == "" {
		return nil, fmt.Errorf("response contains no video url")
	}

	meta := map[string]any{"provider": ProviderRunway}
	if id, ok := payload.Fields["id"].(string); ok {
		meta["task_id"] = id
	}
	return &Result{
		AssetURL:     payload.Primary(),
		ThumbnailURL: payload.Thumbnail(),
		Metadata:     meta,
	}, nil
}

// Classify classifies a Runway response.
func (a *RunwayVideoAdapter) Classify(status int, body []byte, err error) *GenerationError {
	return classifyResponse(ProviderRunway, status, body, err)
}

var _ Adapter = (*RunwayVideoAdapter)(nil)
