package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Capability is the kind of asset a model produces.
type Capability string

const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

// ParameterType is the value type of a tunable parameter.
type ParameterType string

const (
	ParameterEnum   ParameterType = "enum"
	ParameterInt    ParameterType = "int"
	ParameterString ParameterType = "string"
)

// ParameterSpec describes one tunable generation parameter.
type ParameterSpec struct {
	Type    ParameterType `json:"type"`
	Allowed []string      `json:"allowed,omitempty"`
	Default string        `json:"default,omitempty"`
	Min     int           `json:"min,omitempty"`
	Max     int           `json:"max,omitempty"`
}

// Normalize coerces v into the parameter's domain. Missing or out-of-range
// values fall back to the default or the nearest bound; nothing is rejected.
// It reports false when the parameter should be omitted.
func (p ParameterSpec) Normalize(v any, present bool) (any, bool) {
	switch p.Type {
	case ParameterEnum:
		if s, ok := toString(v); present && ok && slices.Contains(p.Allowed, s) {
			return s, true
		}
		if p.Default != "" {
			return p.Default, true
		}
		if len(p.Allowed) > 0 {
			return p.Allowed[0], true
		}
		return nil, false

	case ParameterInt:
		n, ok := toInt(v)
		if !present || !ok {
			d, err := strconv.Atoi(p.Default)
			if err != nil {
				return nil, false
			}
			n = d
		}
		if p.Max > 0 && n > p.Max {
			n = p.Max
		}
		if n < p.Min {
			n = p.Min
		}
		return n, true

	default:
		if s, ok := toString(v); present && ok && s != "" {
			return s, true
		}
		if p.Default != "" {
			return p.Default, true
		}
		return nil, false
	}
}

// ModelDescriptor is a read-only catalog entry.
type ModelDescriptor struct {
	Key                string                   `json:"key"`
	ProviderID         string                   `json:"provider"`
	UpstreamModel      string                   `json:"upstream_model"`
	Capability         Capability               `json:"capability"`
	CreditCost         int64                    `json:"credit_cost"`
	MaxConcurrencyHint int                      `json:"max_concurrency_hint,omitempty"`
	ParameterSchema    map[string]ParameterSpec `json:"parameters,omitempty"`
}

// NormalizeSettings applies the parameter schema to settings. Keys outside
// the schema are passed through unchanged.
func (m *ModelDescriptor) NormalizeSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings)+len(m.ParameterSchema))
	for k, v := range settings {
		out[k] = v
	}
	for name, spec := range m.ParameterSchema {
		v, present := settings[name]
		if nv, ok := spec.Normalize(v, present); ok {
			out[name] = nv
		} else {
			delete(out, name)
		}
	}
	return out
}

// Result is the normalized outcome of a successful generation.
type Result struct {
	AssetURL     string         `json:"asset_url"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AssetPayload decodes the asset portion of a provider response, which may
// be a bare URL string, an array of URLs or objects, or an object carrying
// the URL in one of several fields.
type AssetPayload struct {
	URLs []string
	// Fields holds the members of the object form, or of the first object
	// in the array form.
	Fields map[string]any
}

var assetURLKeys = []string{"url", "uri", "output", "image", "video", "video_url", "image_url"}

// UnmarshalJSON switches on the first JSON token.
func (p *AssetPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		p.URLs = collectURLs(s)

	case '[':
		var elems []any
		if err := json.Unmarshal(data, &elems); err != nil {
			return err
		}
		p.URLs = collectURLs(elems)
		for _, e := range elems {
			if obj, ok := e.(map[string]any); ok {
				p.Fields = obj
				break
			}
		}

	case '{':
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		p.Fields = obj
		p.URLs = collectURLs(obj)

	default:
		return fmt.Errorf("unsupported asset payload starting with %q", data[0])
	}
	return nil
}

// Primary returns the first asset URL.
func (p *AssetPayload) Primary() string {
	if len(p.URLs) == 0 {
		return ""
	}
	return p.URLs[0]
}

// Thumbnail returns the second URL, or an explicit thumbnail field.
func (p *AssetPayload) Thumbnail() string {
	if len(p.URLs) > 1 {
		return p.URLs[1]
	}
	for _, k := range []string{"thumbnail_url", "thumbnail"} {
		if s, ok := p.Fields[k].(string); ok {
			return s
		}
	}
	return ""
}

func collectURLs(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, collectURLs(e)...)
		}
		return out
	case map[string]any:
		for _, k := range assetURLKeys {
			if inner, ok := t[k]; ok {
				if urls := collectURLs(inner); len(urls) > 0 {
					return urls
				}
			}
		}
	}
	return nil
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case fmt.Stringer:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}
