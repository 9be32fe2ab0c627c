package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uniedit/batchgen/internal/infra/config"
)

// ModelRegistry maps model keys to descriptors and provider ids to adapters.
type ModelRegistry struct {
	mu       sync.RWMutex
	models   map[string]*ModelDescriptor
	adapters map[string]Adapter
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models:   make(map[string]*ModelDescriptor),
		adapters: make(map[string]Adapter),
	}
}

// NewRegistryFromConfig registers the built-in adapters and the configured
// catalog, or the built-in catalog when none is configured.
func NewRegistryFromConfig(providers map[string]config.ProviderConfig, models []config.ModelConfig) (*ModelRegistry, error) {
	r := NewModelRegistry()
	r.RegisterAdapter(NewOpenAIImageAdapter(providers[ProviderOpenAI]))
	r.RegisterAdapter(NewReplicateAdapter(providers[ProviderReplicate]))
	r.RegisterAdapter(NewRunwayVideoAdapter(providers[ProviderRunway]))

	descriptors := DefaultModels()
	if len(models) > 0 {
		descriptors = DescriptorsFromConfig(models)
	}
	for _, m := range descriptors {
		if err := r.RegisterModel(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterAdapter registers an adapter under its provider id.
func (r *ModelRegistry) RegisterAdapter(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ProviderID()] = adapter
}

// RegisterModel adds a descriptor. Its provider must already have an adapter.
func (r *ModelRegistry) RegisterModel(m *ModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Key == "" {
		return fmt.Errorf("model key is required")
	}
	if m.CreditCost <= 0 {
		return fmt.Errorf("model %s: credit cost must be positive", m.Key)
	}
	if _, ok := r.adapters[m.ProviderID]; !ok {
		return fmt.Errorf("model %s: %w: %s", m.Key, ErrAdapterNotFound, m.ProviderID)
	}
	r.models[m.Key] = m
	return nil
}

// Get returns the descriptor for a model key.
func (r *ModelRegistry) Get(key string) (*ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}
	return m, nil
}

// Resolve returns the descriptor and the adapter that serves it.
func (r *ModelRegistry) Resolve(key string) (*ModelDescriptor, Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}
	adapter, ok := r.adapters[m.ProviderID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, m.ProviderID)
	}
	return m, adapter, nil
}

// List returns all descriptors sorted by key.
func (r *ModelRegistry) List() []*ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ModelDescriptor, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Providers returns the registered provider ids.
func (r *ModelRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DescriptorsFromConfig converts configured models to descriptors.
func DescriptorsFromConfig(models []config.ModelConfig) []*ModelDescriptor {
	out := make([]*ModelDescriptor, 0, len(models))
	for _, mc := range models {
		d := &ModelDescriptor{
			Key:                mc.Key,
			ProviderID:         mc.Provider,
			UpstreamModel:      mc.UpstreamModel,
			Capability:         Capability(mc.Capability),
			CreditCost:         mc.CreditCost,
			MaxConcurrencyHint: mc.MaxConcurrencyHint,
		}
		if d.UpstreamModel == "" {
			d.UpstreamModel = mc.Key
		}
		if len(mc.Parameters) > 0 {
			d.ParameterSchema = make(map[string]ParameterSpec, len(mc.Parameters))
			for name, p := range mc.Parameters {
				d.ParameterSchema[name] = ParameterSpec{
					Type:    ParameterType(p.Type),
					Allowed: p.Allowed,
					Default: p.Default,
					Min:     p.Min,
					Max:     p.Max,
				}
			}
		}
		out = append(out, d)
	}
	return out
}

// DefaultModels returns the built-in catalog.
func DefaultModels() []*ModelDescriptor {
	return []*ModelDescriptor{
		{
			Key:           "dall-e-3",
			ProviderID:    ProviderOpenAI,
			UpstreamModel: "dall-e-3",
			Capability:    CapabilityImage,
			CreditCost:    4,
			ParameterSchema: map[string]ParameterSpec{
				"size":    {Type: ParameterEnum, Allowed: []string{"1024x1024", "1792x1024", "1024x1792"}, Default: "1024x1024"},
				"quality": {Type: ParameterEnum, Allowed: []string{"standard", "hd"}, Default: "standard"},
				"style":   {Type: ParameterEnum, Allowed: []string{"vivid", "natural"}, Default: "vivid"},
			},
		},
		{
			Key:           "flux-schnell",
			ProviderID:    ProviderReplicate,
			UpstreamModel: "black-forest-labs/flux-schnell",
			Capability:    CapabilityImage,
			CreditCost:    1,
			ParameterSchema: map[string]ParameterSpec{
				"aspect_ratio":  {Type: ParameterEnum, Allowed: []string{"1:1", "16:9", "9:16", "4:3", "3:4"}, Default: "1:1"},
				"num_outputs":   {Type: ParameterInt, Default: "1", Min: 1, Max: 4},
				"output_format": {Type: ParameterEnum, Allowed: []string{"webp", "png", "jpg"}, Default: "webp"},
			},
		},
		{
			Key:                "gen3a-turbo",
			ProviderID:         ProviderRunway,
			UpstreamModel:      "gen3a_turbo",
			Capability:         CapabilityVideo,
			CreditCost:         10,
			MaxConcurrencyHint: 2,
			ParameterSchema: map[string]ParameterSpec{
				"duration": {Type: ParameterInt, Default: "5", Min: 5, Max: 10},
				"ratio":    {Type: ParameterEnum, Allowed: runwayRatios, Default: runwayRatios[0]},
			},
		},
	}
}
