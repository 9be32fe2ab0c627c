package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/uniedit/batchgen/internal/infra/config"
)

// IdempotencyKeyHeader carries the per-item dispatch key upstream.
const IdempotencyKeyHeader = "Idempotency-Key"

// Adapter translates between the engine and one provider's HTTP API.
type Adapter interface {
	// ProviderID returns the provider this adapter serves.
	ProviderID() string

	// BuildRequest maps a prompt and settings onto the provider's endpoint.
	// Unsupported values are clamped or defaulted, never rejected.
	BuildRequest(ctx context.Context, model *ModelDescriptor, prompt string, settings map[string]any, idempotencyKey string) (*http.Request, error)

	// Normalize extracts the Result from a successful response body.
	Normalize(body []byte) (*Result, error)

	// Classify returns nil for a successful exchange and the classified
	// failure otherwise. err is the transport error, if any.
	Classify(status int, body []byte, err error) *GenerationError
}

// endpoint holds the connection details shared by the built-in adapters.
type endpoint struct {
	baseURL string
	apiKey  string
}

func newEndpoint(cfg config.ProviderConfig) endpoint {
	return endpoint{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

func (e endpoint) newJSONRequest(ctx context.Context, path string, payload any, idempotencyKey string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	return req, nil
}

func stringSetting(settings map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := toString(settings[k]); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func intSetting(settings map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		if n, ok := toInt(settings[k]); ok {
			return n, true
		}
	}
	return 0, false
}

// clampEnum returns v if allowed, else def.
func clampEnum(v string, allowed []string, def string) string {
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return a
		}
	}
	return def
}

// nearestInt returns the allowed value closest to v. Ties go to the smaller.
func nearestInt(v int, allowed []int) int {
	best := allowed[0]
	for _, a := range allowed[1:] {
		if abs(a-v) < abs(best-v) {
			best = a
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
