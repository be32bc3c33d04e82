package adapters

import (
	"context"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// CloudRunAdapter is a descriptor-only placeholder for GCP Cloud Run. The
// registry rejects dispatch to coming_soon adapters before any method is
// reached; the method bodies guard direct callers.
type CloudRunAdapter struct{}

// NewCloudRunAdapter creates the gcp-cloudrun descriptor.
func NewCloudRunAdapter() *CloudRunAdapter {
	return &CloudRunAdapter{}
}

// Metadata returns the adapter descriptor.
func (a *CloudRunAdapter) Metadata() Metadata {
	return Metadata{
		Type:        "gcp-cloudrun",
		DisplayName: "GCP Cloud Run",
		Description: "Runs agents as Cloud Run services",
		Lifecycle:   LifecycleComingSoon,
		Capabilities: Capabilities{
			Scaling:       true,
			Sandboxing:    true,
			HTTPSEndpoint: true,
			LogStreaming:  true,
		},
		Tiers: map[string]TierSpec{
			"starter":     {CPUs: 1, MemoryMB: 512},
			"standard":    {CPUs: 2, MemoryMB: 2048},
			"performance": {CPUs: 4, MemoryMB: 8192},
		},
	}
}

func (a *CloudRunAdapter) CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error) {
	return nil, fleet.NewInvalidState("gcp-cloudrun is not yet available")
}

func (a *CloudRunAdapter) Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error) {
	return nil, fleet.NewInvalidState("gcp-cloudrun is not yet available")
}

func (a *CloudRunAdapter) Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	return fleet.NewInvalidState("gcp-cloudrun is not yet available")
}

func (a *CloudRunAdapter) Exists(ctx context.Context, name string) (bool, error) {
	return false, fleet.NewInvalidState("gcp-cloudrun is not yet available")
}
