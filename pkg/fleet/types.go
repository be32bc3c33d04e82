// Package fleet provides the core types shared by the MoltHub control plane:
// instances, manifest versions, status and health enums, policy violations,
// and the classified error taxonomy used across reconciliation.
package fleet

import (
	"encoding/json"
	"time"
)

// InstanceStatus represents the lifecycle state of a deployed agent instance.
type InstanceStatus string

const (
	// StatusPending indicates the instance exists but has never been deployed.
	StatusPending InstanceStatus = "PENDING"

	// StatusCreating indicates the first deployment is in progress.
	StatusCreating InstanceStatus = "CREATING"

	// StatusRunning indicates the instance converged to its desired manifest.
	StatusRunning InstanceStatus = "RUNNING"

	// StatusReconciling indicates an update to an already-deployed instance
	// is in progress.
	StatusReconciling InstanceStatus = "RECONCILING"

	// StatusDegraded indicates the instance is serving but unhealthy.
	StatusDegraded InstanceStatus = "DEGRADED"

	// StatusStopped indicates the instance was stopped by an operator.
	StatusStopped InstanceStatus = "STOPPED"

	// StatusDeleting indicates teardown is in progress.
	StatusDeleting InstanceStatus = "DELETING"

	// StatusError indicates the last reconcile attempt failed.
	StatusError InstanceStatus = "ERROR"

	// StatusPaused is an administrative state entered and exited explicitly
	// by operators, never by the control loop.
	StatusPaused InstanceStatus = "PAUSED"
)

// IsTransitional returns true for states the control loop must eventually
// leave. The stuck-instance sweep watches these.
func (s InstanceStatus) IsTransitional() bool {
	return s == StatusCreating || s == StatusReconciling || s == StatusDeleting
}

// IsTerminal returns true for states with no automatic outbound transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusDeleting
}

// DriftEligible returns true if drift detection is meaningful for the state.
// Only instances that have converged at least once are compared against
// their desired fingerprint.
func (s InstanceStatus) DriftEligible() bool {
	return s == StatusRunning || s == StatusDegraded
}

// HealthState represents the last observed health of an instance.
type HealthState string

const (
	HealthHealthy   HealthState = "HEALTHY"
	HealthUnhealthy HealthState = "UNHEALTHY"
	HealthDegraded  HealthState = "DEGRADED"
	HealthUnknown   HealthState = "UNKNOWN"
)

// InstanceError records the most recent failure observed for an instance.
type InstanceError struct {
	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Stack optionally carries a stack trace or adapter error detail.
	Stack string `json:"stack,omitempty"`

	// OccurredAt is when the failure was recorded.
	OccurredAt time.Time `json:"occurred_at"`
}

// Instance is one deployed agent. Identity fields are immutable after
// creation; the reconciliation engine is the sole writer of Status.
type Instance struct {
	// ID is the unique identifier for this instance.
	ID string `json:"id"`

	// Name is the human-readable instance name.
	Name string `json:"name"`

	// WorkspaceID is the owning workspace (immutable).
	WorkspaceID string `json:"workspace_id"`

	// FleetID is the owning fleet (immutable).
	FleetID string `json:"fleet_id"`

	// DesiredManifestID points at the ManifestVersion the instance should
	// converge to. Nil until the first manifest is created.
	DesiredManifestID *string `json:"desired_manifest_id,omitempty"`

	// ConfigFingerprint is the hash of the effective configuration most
	// recently applied. Empty until the first successful reconcile.
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`

	// DeploymentType selects the adapter used to provision infrastructure
	// (e.g. "fly-machines", "local-docker").
	DeploymentType string `json:"deployment_type"`

	// DeploymentTargetID identifies the provisioned resource, if any.
	DeploymentTargetID string `json:"deployment_target_id,omitempty"`

	// Status is the current lifecycle state.
	Status InstanceStatus `json:"status"`

	// Health is the last observed health state.
	Health HealthState `json:"health"`

	// LastReconcileAt is when the last reconcile attempt finished.
	LastReconcileAt *time.Time `json:"last_reconcile_at,omitempty"`

	// LastHealthCheckAt is when health was last observed over the gateway.
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`

	// LastError is the most recent recorded failure, if any.
	LastError *InstanceError `json:"last_error,omitempty"`

	// ErrorCount is a lifetime failure counter. It is incremented on every
	// failed reconcile and never reset automatically.
	ErrorCount int `json:"error_count"`

	// CreatedAt is when the instance record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the instance record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// ManifestVersion is an immutable, append-only record of declared intent.
// For a given instance, versions form a contiguous sequence starting at 1.
type ManifestVersion struct {
	// ID is the unique identifier for this version record.
	ID string `json:"id"`

	// InstanceID is the instance this manifest belongs to.
	InstanceID string `json:"instance_id"`

	// Version is the positive, strictly increasing sequence number.
	Version int `json:"version"`

	// Content is the raw manifest document as submitted.
	Content json.RawMessage `json:"content"`

	// Description is an optional operator-supplied change note.
	Description string `json:"description,omitempty"`

	// CreatedBy identifies the operator or system that created the version.
	CreatedBy string `json:"created_by"`

	// CreatedAt is when the version was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// ViolationSeverity classifies a policy violation.
type ViolationSeverity string

const (
	// SeverityError blocks manifest creation.
	SeverityError ViolationSeverity = "ERROR"

	// SeverityWarning is surfaced to the caller but does not block.
	SeverityWarning ViolationSeverity = "WARNING"
)

// PolicyViolation is one finding from manifest validation. Violations are
// transient output, never persisted.
type PolicyViolation struct {
	// Code is a stable identifier for the violated rule.
	Code string `json:"code"`

	// Message is the human-readable violation description.
	Message string `json:"message"`

	// Severity determines whether the violation blocks creation.
	Severity ViolationSeverity `json:"severity"`
}

// HasBlocking returns true if any violation in the list has ERROR severity.
func HasBlocking(violations []PolicyViolation) bool {
	for i := range violations {
		if violations[i].Severity == SeverityError {
			return true
		}
	}
	return false
}

// ManifestDocument is the structured form of a manifest's content. The raw
// document is decoded into this shape for validation and preprocessing.
type ManifestDocument struct {
	// Name is the agent display name.
	Name string `json:"name" yaml:"name" validate:"required,min=3,max=63"`

	// Model is the model identifier the agent runs on.
	Model string `json:"model" yaml:"model" validate:"required"`

	// SystemPrompt is the base instruction text.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`

	// Channels lists the chat surfaces the agent is linked to.
	Channels []ChannelConfig `json:"channels,omitempty" yaml:"channels" validate:"dive"`

	// Tools configures tool permissions.
	Tools ToolsConfig `json:"tools,omitempty" yaml:"tools"`

	// Delegation configures agent-to-agent delegation targets.
	Delegation DelegationConfig `json:"delegation,omitempty" yaml:"delegation"`

	// Resources selects the named resource tier to provision.
	Resources ResourcesConfig `json:"resources,omitempty" yaml:"resources"`

	// Env carries plain (non-secret) environment values.
	Env map[string]string `json:"env,omitempty" yaml:"env"`

	// Gateway tunes the agent-side gateway channel behavior.
	Gateway GatewaySettings `json:"gateway,omitempty" yaml:"gateway"`
}

// ChannelConfig declares one chat channel for an instance.
type ChannelConfig struct {
	// Type is the channel kind: slack, discord, or telegram.
	Type string `json:"type" yaml:"type" validate:"required,oneof=slack discord telegram"`

	// TokenSecretKey names the secret-store key holding the channel token.
	TokenSecretKey string `json:"token_secret_key" yaml:"token_secret_key" validate:"required"`
}

// ToolsConfig carries tool permission lists. Allow is the user-supplied
// primary allow-list; AdditiveAllow is appended to by preprocessors and is
// never written by users directly.
type ToolsConfig struct {
	Allow         []string `json:"allow,omitempty" yaml:"allow"`
	AdditiveAllow []string `json:"additive_allow,omitempty" yaml:"additive_allow"`
}

// DelegationConfig lists instance IDs this agent may delegate work to.
type DelegationConfig struct {
	Targets []string `json:"targets,omitempty" yaml:"targets"`
}

// ResourcesConfig selects a named tier defined by the adapter.
type ResourcesConfig struct {
	Tier string `json:"tier,omitempty" yaml:"tier"`
}

// GatewaySettings tunes the agent's gateway channel.
type GatewaySettings struct {
	// HeartbeatSeconds is the keepalive interval. Zero means unset; the
	// pipeline injects the default.
	HeartbeatSeconds int `json:"heartbeat_seconds,omitempty" yaml:"heartbeat_seconds"`
}

// Clone returns a deep copy of the document. Preprocessors mutate working
// copies, never the decoded original.
func (d *ManifestDocument) Clone() *ManifestDocument {
	out := *d
	out.Channels = append([]ChannelConfig(nil), d.Channels...)
	out.Tools.Allow = append([]string(nil), d.Tools.Allow...)
	out.Tools.AdditiveAllow = append([]string(nil), d.Tools.AdditiveAllow...)
	out.Delegation.Targets = append([]string(nil), d.Delegation.Targets...)
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return &out
}
