package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "molthub.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func seedInstance(t *testing.T, store *SQLiteStore, id string, status fleet.InstanceStatus) *fleet.Instance {
	t.Helper()
	now := time.Now().UTC()
	inst := &fleet.Instance{
		ID:             id,
		Name:           "support-bot",
		WorkspaceID:    "ws-1",
		FleetID:        "fleet-1",
		DeploymentType: "fly-machines",
		Status:         status,
		Health:         fleet.HealthUnknown,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance(%s) error = %v", id, err)
	}
	return inst
}

func TestInstanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedInstance(t, store, "inst-1", fleet.StatusPending)

	got, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Name != "support-bot" || got.Status != fleet.StatusPending || got.DeploymentType != "fly-machines" {
		t.Errorf("GetInstance() = %+v", got)
	}
	if got.LastError != nil {
		t.Errorf("LastError = %+v, want nil", got.LastError)
	}

	// Mutate reconcile bookkeeping, including the JSON-encoded last error.
	now := time.Now().UTC()
	got.Status = fleet.StatusError
	got.ConfigFingerprint = "abc123"
	got.DeploymentTargetID = "mach-1"
	got.LastReconcileAt = &now
	got.ErrorCount = 3
	got.LastError = &fleet.InstanceError{Message: "machine create failed", OccurredAt: now}
	if err := store.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}

	got, err = store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance() after update error = %v", err)
	}
	if got.Status != fleet.StatusError || got.ConfigFingerprint != "abc123" || got.ErrorCount != 3 {
		t.Errorf("updated instance = %+v", got)
	}
	if got.LastError == nil || got.LastError.Message != "machine create failed" {
		t.Errorf("LastError = %+v", got.LastError)
	}

	if _, err := store.GetInstance(ctx, "ghost"); !fleet.IsNotFound(err) {
		t.Errorf("GetInstance(ghost) error = %v, want NOT_FOUND", err)
	}
	if err := store.UpdateInstance(ctx, &fleet.Instance{ID: "ghost"}); !fleet.IsNotFound(err) {
		t.Errorf("UpdateInstance(ghost) error = %v, want NOT_FOUND", err)
	}
}

func TestListInstancesByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedInstance(t, store, "inst-running", fleet.StatusRunning)
	seedInstance(t, store, "inst-degraded", fleet.StatusDegraded)
	seedInstance(t, store, "inst-stopped", fleet.StatusStopped)

	got, err := store.ListInstancesByStatus(ctx, []fleet.InstanceStatus{fleet.StatusRunning, fleet.StatusDegraded})
	if err != nil {
		t.Fatalf("ListInstancesByStatus() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListInstancesByStatus() returned %d, want 2", len(got))
	}
	// Ordered by id.
	if got[0].ID != "inst-degraded" || got[1].ID != "inst-running" {
		t.Errorf("order = [%s %s]", got[0].ID, got[1].ID)
	}

	empty, err := store.ListInstancesByStatus(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("ListInstancesByStatus(nil) = %v, %v", empty, err)
	}
}

func TestListStaleInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := seedInstance(t, store, "inst-stale", fleet.StatusCreating)
	seedInstance(t, store, "inst-fresh", fleet.StatusCreating)
	seedInstance(t, store, "inst-running-old", fleet.StatusRunning)

	// Backdate the stale instance past the cutoff; UpdateInstance refreshes
	// updated_at, so write the timestamp directly.
	old := time.Now().UTC().Add(-30 * time.Minute)
	if _, err := store.db.ExecContext(ctx, `UPDATE instances SET updated_at = ? WHERE id = ?`, old, stale.ID); err != nil {
		t.Fatalf("backdate error = %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE instances SET updated_at = ? WHERE id = ?`, old, "inst-running-old"); err != nil {
		t.Fatalf("backdate error = %v", err)
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	got, err := store.ListStaleInstances(ctx, []fleet.InstanceStatus{
		fleet.StatusCreating, fleet.StatusReconciling, fleet.StatusDeleting,
	}, cutoff)
	if err != nil {
		t.Fatalf("ListStaleInstances() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "inst-stale" {
		t.Errorf("ListStaleInstances() = %+v, want just inst-stale", got)
	}
}

func manifestParams(instanceID string, payload string) CreateManifestParams {
	return CreateManifestParams{
		InstanceID: instanceID,
		Content:    json.RawMessage(payload),
		CreatedBy:  "operator@example.com",
		NextStatus: fleet.StatusCreating,
		Audit: AuditEvent{
			Actor:        "operator@example.com",
			Action:       "manifest.created",
			ResourceType: "manifest",
			ResourceID:   instanceID,
		},
	}
}

func TestCreateManifestVersionAssignsContiguousVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, store, "inst-1", fleet.StatusPending)

	for want := 1; want <= 3; want++ {
		mv, err := store.CreateManifestVersion(ctx, manifestParams("inst-1", fmt.Sprintf(`{"rev":%d}`, want)))
		if err != nil {
			t.Fatalf("CreateManifestVersion() error = %v", err)
		}
		if mv.Version != want {
			t.Errorf("Version = %d, want %d", mv.Version, want)
		}
	}

	// Instance re-pointed to the newest version, status moved.
	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.Status != fleet.StatusCreating {
		t.Errorf("Status = %s, want CREATING", inst.Status)
	}
	latest, err := store.GetLatestManifestVersion(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetLatestManifestVersion() error = %v", err)
	}
	if inst.DesiredManifestID == nil || *inst.DesiredManifestID != latest.ID {
		t.Errorf("DesiredManifestID = %v, want %s", inst.DesiredManifestID, latest.ID)
	}
	if latest.Version != 3 {
		t.Errorf("latest Version = %d, want 3", latest.Version)
	}

	versions, err := store.ListManifestVersions(ctx, "inst-1")
	if err != nil {
		t.Fatalf("ListManifestVersions() error = %v", err)
	}
	for i, mv := range versions {
		if mv.Version != i+1 {
			t.Errorf("versions[%d].Version = %d, want %d", i, mv.Version, i+1)
		}
	}

	// The audit record landed in the same transaction.
	events, err := store.ListAuditEvents(ctx, "inst-1", 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("audit events = %d, want 3", len(events))
	}
}

func TestCreateManifestVersionUnknownInstance(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateManifestVersion(context.Background(), manifestParams("ghost", `{}`))
	if !fleet.IsNotFound(err) {
		t.Fatalf("CreateManifestVersion(ghost) error = %v, want NOT_FOUND", err)
	}
}

func TestCreateManifestVersionConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, store, "inst-1", fleet.StatusPending)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.CreateManifestVersion(ctx, manifestParams("inst-1", fmt.Sprintf(`{"writer":%d}`, i)))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		// Losing a write race must surface as CONFLICT, never as a
		// half-applied transaction.
		if !fleet.IsConflict(err) {
			t.Errorf("writer %d error = %v, want nil or CONFLICT", i, err)
		}
	}
	if succeeded == 0 {
		t.Fatal("no writer succeeded")
	}

	// Version numbers are contiguous from 1 regardless of who won.
	versions, err := store.ListManifestVersions(ctx, "inst-1")
	if err != nil {
		t.Fatalf("ListManifestVersions() error = %v", err)
	}
	if len(versions) != succeeded {
		t.Errorf("stored versions = %d, successful writers = %d", len(versions), succeeded)
	}
	for i, mv := range versions {
		if mv.Version != i+1 {
			t.Errorf("versions[%d].Version = %d, want %d", i, mv.Version, i+1)
		}
	}
}

func TestAuditEventsAppendOnlyOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := store.AppendAuditEvent(ctx, &AuditEvent{
			Actor:        "system",
			Action:       fmt.Sprintf("instance.event_%d", i),
			ResourceType: "instance",
			ResourceID:   "inst-1",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendAuditEvent() error = %v", err)
		}
	}

	events, err := store.ListAuditEvents(ctx, "inst-1", 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	// Newest first.
	if events[0].Action != "instance.event_2" || events[2].Action != "instance.event_0" {
		t.Errorf("order = [%s %s %s]", events[0].Action, events[1].Action, events[2].Action)
	}

	page, err := store.ListAuditEvents(ctx, "inst-1", 1, 1)
	if err != nil {
		t.Fatalf("ListAuditEvents(paged) error = %v", err)
	}
	if len(page) != 1 || page[0].Action != "instance.event_1" {
		t.Errorf("page = %+v", page)
	}
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
