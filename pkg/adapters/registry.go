package adapters

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Registry is the process-wide adapter lookup. It is populated at startup
// and read-mostly afterwards; lookups perform no I/O.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With().Str("component", "adapter-registry").Logger(),
	}
}

// Register adds an adapter keyed by its metadata type. Registering a
// duplicate type is an error so wiring mistakes fail at startup.
func (r *Registry) Register(adapter Adapter) error {
	meta := adapter.Metadata()
	if meta.Type == "" {
		return fmt.Errorf("adapter metadata has no type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[meta.Type]; exists {
		return fmt.Errorf("adapter %s is already registered", meta.Type)
	}
	r.adapters[meta.Type] = adapter

	r.logger.Info().
		Str("type", meta.Type).
		Str("lifecycle", string(meta.Lifecycle)).
		Msg("Adapter registered")
	return nil
}

// Get returns the adapter for a deployment type.
func (r *Registry) Get(deploymentType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[deploymentType]
	if !ok {
		return nil, fleet.NewNotFound("no adapter registered for deployment type " + deploymentType)
	}
	return adapter, nil
}

// List returns the metadata of every registered adapter, sorted by type.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		out = append(out, adapter.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Negotiate checks a dispatch against the adapter's declared capabilities
// before any backend call: lifecycle, tier, and credential requirements.
// It returns the adapter on success.
func (r *Registry) Negotiate(deploymentType string, req CreateRequest) (Adapter, error) {
	adapter, err := r.Get(deploymentType)
	if err != nil {
		return nil, err
	}
	meta := adapter.Metadata()

	if meta.Lifecycle == LifecycleComingSoon {
		return nil, fleet.NewInvalidState("adapter " + deploymentType + " is not yet available")
	}

	if req.Tier != "" {
		if _, ok := meta.Tiers[req.Tier]; !ok {
			return nil, fleet.NewInvalidState(fmt.Sprintf("adapter %s has no tier %q", deploymentType, req.Tier))
		}
	}

	for _, cred := range meta.Credentials {
		value, present := req.Credentials[cred.Key]
		if !present || value == "" {
			if cred.Required {
				return nil, fleet.NewInvalidState(fmt.Sprintf("adapter %s requires credential %s", deploymentType, cred.Key))
			}
			continue
		}
		if cred.Pattern != "" {
			matched, err := regexp.MatchString(cred.Pattern, value)
			if err != nil {
				return nil, fleet.NewInternal("bad credential pattern for "+cred.Key, err)
			}
			if !matched {
				return nil, fleet.NewInvalidState(fmt.Sprintf("credential %s for adapter %s has an invalid format", cred.Key, deploymentType))
			}
		}
	}

	return adapter, nil
}
