// Package adapters defines the deployment adapter contract and the registry
// that dispatches reconciliation to the backend matching an instance's
// deployment type.
package adapters

import (
	"context"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Lifecycle is the maturity of an adapter. Only ready and beta adapters
// accept dispatch; coming_soon descriptors exist for discovery only.
type Lifecycle string

const (
	LifecycleReady      Lifecycle = "ready"
	LifecycleBeta       Lifecycle = "beta"
	LifecycleComingSoon Lifecycle = "coming_soon"
)

// Capabilities describes what a backend can do. The registry negotiates
// these before dispatch.
type Capabilities struct {
	// Scaling means the backend can resize a live deployment.
	Scaling bool `json:"scaling"`

	// Sandboxing means workloads run isolated from the host.
	Sandboxing bool `json:"sandboxing"`

	// PersistentStorage means the backend offers durable volumes.
	PersistentStorage bool `json:"persistent_storage"`

	// HTTPSEndpoint means the backend exposes a public HTTPS URL.
	HTTPSEndpoint bool `json:"https_endpoint"`

	// LogStreaming means the backend can stream workload logs.
	LogStreaming bool `json:"log_streaming"`
}

// CredentialRequirement declares one credential key an adapter needs.
type CredentialRequirement struct {
	// Key is the secret-store key the adapter reads.
	Key string `json:"key"`

	// DisplayName is shown to operators configuring the adapter.
	DisplayName string `json:"display_name"`

	// Required blocks dispatch when the key is absent.
	Required bool `json:"required"`

	// Sensitive marks values that must never be logged.
	Sensitive bool `json:"sensitive"`

	// Pattern optionally constrains the value format (regular expression).
	Pattern string `json:"pattern,omitempty"`
}

// TierSpec is the concrete sizing behind a named resource tier.
type TierSpec struct {
	CPUs     float64 `json:"cpus"`
	MemoryMB int     `json:"memory_mb"`
	DiskGB   int     `json:"disk_gb"`
}

// Metadata describes one adapter for discovery and negotiation.
type Metadata struct {
	// Type is the deployment type id instances reference.
	Type string `json:"type"`

	// DisplayName is the human-readable adapter name.
	DisplayName string `json:"display_name"`

	// Description summarizes the backend.
	Description string `json:"description"`

	// Lifecycle is the adapter maturity.
	Lifecycle Lifecycle `json:"lifecycle"`

	// Capabilities is what the backend supports.
	Capabilities Capabilities `json:"capabilities"`

	// Credentials are the credential keys the adapter reads.
	Credentials []CredentialRequirement `json:"credentials,omitempty"`

	// Tiers maps named resource tiers to concrete sizing.
	Tiers map[string]TierSpec `json:"tiers"`
}

// ResourceRef identifies one provisioned deployment on a backend.
type ResourceRef struct {
	// DeploymentType is the adapter that owns the resource.
	DeploymentType string `json:"deployment_type"`

	// TargetID is the backend-native identifier (machine id, container id,
	// task ARN).
	TargetID string `json:"target_id"`

	// Region is the backend region or zone, if any.
	Region string `json:"region,omitempty"`
}

// ResourceState reports the observed state of a provisioned deployment.
type ResourceState struct {
	// Status is the backend-native status string.
	Status string `json:"status"`

	// Healthy is the adapter's interpretation of Status.
	Healthy bool `json:"healthy"`

	// Outputs carries backend-specific details (address, URL, image).
	Outputs map[string]string `json:"outputs,omitempty"`
}

// CreateRequest carries one provisioning dispatch.
type CreateRequest struct {
	// InstanceID is the control-plane instance being deployed.
	InstanceID string

	// Name is the workload name on the backend.
	Name string

	// Config is the effective manifest after preprocessing.
	Config *fleet.ManifestDocument

	// Tier is the resolved resource tier name.
	Tier string

	// Credentials are the resolved credential values keyed by requirement
	// key. Values never outlive the dispatch.
	Credentials map[string]string
}

// DeleteOptions tunes teardown behavior.
type DeleteOptions struct {
	// Force skips graceful shutdown.
	Force bool

	// KeepVolumes preserves persistent volumes where the backend supports
	// them.
	KeepVolumes bool
}

// Adapter provisions and manages agent deployments on one backend. All
// operations are idempotent: CreateOrUpdate converges to the requested
// config whether or not the workload already exists.
type Adapter interface {
	// Metadata returns the adapter descriptor. Must not perform I/O.
	Metadata() Metadata

	// CreateOrUpdate converges the backend workload to the given config
	// and returns a reference to it.
	CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error)

	// Describe reports the observed state of a provisioned workload.
	Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error)

	// Delete tears a workload down. Deleting a missing workload is a no-op.
	Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error

	// Exists reports whether a workload with the given name exists.
	Exists(ctx context.Context, name string) (bool, error)
}
