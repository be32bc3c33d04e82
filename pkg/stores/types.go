// Package stores provides the durable record store for the control plane:
// instances, append-only manifest versions, and the audit event sink.
package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// AuditEvent is one append-only audit record. Events are never updated or
// deleted.
type AuditEvent struct {
	ID           int64     `json:"id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"` // e.g. "manifest.created", "instance.reconciled"
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	DiffSummary  string    `json:"diff_summary,omitempty"`
	Metadata     string    `json:"metadata,omitempty"` // JSON blob
	Timestamp    time.Time `json:"timestamp"`
}

// CreateManifestParams carries the inputs for the atomic manifest-create
// write. The store assigns the next version number inside the transaction.
type CreateManifestParams struct {
	InstanceID  string
	Content     json.RawMessage
	Description string
	CreatedBy   string

	// NextStatus is the instance status to set alongside the new version
	// (CREATING on first deploy, RECONCILING otherwise).
	NextStatus fleet.InstanceStatus

	// Audit is the audit record appended in the same transaction.
	Audit AuditEvent
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Instance operations
	CreateInstance(ctx context.Context, inst *fleet.Instance) error
	GetInstance(ctx context.Context, id string) (*fleet.Instance, error)
	UpdateInstance(ctx context.Context, inst *fleet.Instance) error
	ListInstancesByStatus(ctx context.Context, statuses []fleet.InstanceStatus) ([]*fleet.Instance, error)

	// ListStaleInstances returns instances in any of the given statuses
	// whose updated_at is strictly older than the cutoff. Used by the
	// stuck-instance sweep.
	ListStaleInstances(ctx context.Context, statuses []fleet.InstanceStatus, updatedBefore time.Time) ([]*fleet.Instance, error)

	// Manifest version operations. CreateManifestVersion performs the
	// version insert, the instance desired-manifest re-point and status
	// update, and the audit append as a single all-or-nothing transaction.
	// Version numbers are assigned inside the transaction so concurrent
	// creates for the same instance serialize without gaps or reuse.
	CreateManifestVersion(ctx context.Context, params CreateManifestParams) (*fleet.ManifestVersion, error)
	GetManifestVersion(ctx context.Context, id string) (*fleet.ManifestVersion, error)
	GetLatestManifestVersion(ctx context.Context, instanceID string) (*fleet.ManifestVersion, error)
	ListManifestVersions(ctx context.Context, instanceID string) ([]*fleet.ManifestVersion, error)

	// Audit operations
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, resourceID string, limit, offset int) ([]*AuditEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
