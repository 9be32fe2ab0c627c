package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/uniedit/batchgen/internal/infra/config"
)

// ProviderReplicate is the provider id for Replicate predictions.
const ProviderReplicate = "replicate"

// ReplicateAdapter runs synchronous predictions on Replicate.
type ReplicateAdapter struct {
	endpoint
}

// NewReplicateAdapter creates a new Replicate adapter.
func NewReplicateAdapter(cfg config.ProviderConfig) *ReplicateAdapter {
	return &ReplicateAdapter{endpoint: newEndpoint(cfg)}
}

// ProviderID returns the provider id.
func (a *ReplicateAdapter) ProviderID() string {
	return ProviderReplicate
}

type replicateRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type replicateResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output AssetPayload `json:"output"`
	Error  any          `json:"error"`
}

// BuildRequest builds a POST /v1/predictions request that waits for the
// prediction to finish.
func (a *ReplicateAdapter) BuildRequest(ctx context.Context, model *ModelDescriptor, prompt string, settings map[string]any, idempotencyKey string) (*http.Request, error) {
	settings = model.NormalizeSettings(settings)

	input := make(map[string]any, len(settings)+1)
	for k, v := range settings {
		input[k] = v
	}
	input["prompt"] = prompt

	req, err := a.newJSONRequest(ctx, "/v1/predictions", &replicateRequest{
		Version: model.UpstreamModel,
		Input:   input,
	}, idempotencyKey)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "wait")
	return req, nil
}

// Normalize accepts output as a single URL or a list of URLs. The second
// element, when present, is used as the thumbnail.
func (a *ReplicateAdapter) Normalize(body []byte) (*Result, error) {
	var resp replicateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	switch resp.Status {
	case "failed", "canceled":
		return nil, newError(KindPermanent, ProviderReplicate, 0,
			fmt.Sprintf("prediction %s: %v", resp.Status, resp.Error), ErrPermanent)
	case "starting", "processing":
		return nil, newError(KindTransient, ProviderReplicate, 0,
			"prediction did not finish in time", ErrTransient)
	}

	if resp.Output.Primary() == "" {
		return nil, fmt.Errorf("prediction %s has no output", resp.ID)
	}

	meta := map[string]any{"provider": ProviderReplicate}
	if resp.ID != "" {
		meta["prediction_id"] = resp.ID
	}
	return &Result{
		AssetURL:     resp.Output.Primary(),
		ThumbnailURL: resp.Output.Thumbnail(),
		Metadata:     meta,
	}, nil
}

// Classify classifies a Replicate response.
func (a *ReplicateAdapter) Classify(status int, body []byte, err error) *GenerationError {
	return classifyResponse(ProviderReplicate, status, body, err)
}

var _ Adapter = (*ReplicateAdapter)(nil)
