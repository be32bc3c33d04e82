package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/stores"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	instances map[string]*fleet.Instance
	versions  []*fleet.ManifestVersion
	audits    []*stores.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{instances: make(map[string]*fleet.Instance)}
}

func (s *fakeStore) Init(ctx context.Context) error    { return nil }
func (s *fakeStore) Close() error                      { return nil }
func (s *fakeStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return nil, fmt.Errorf("not supported")
}

func (s *fakeStore) CreateInstance(ctx context.Context, inst *fleet.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *fakeStore) GetInstance(ctx context.Context, id string) (*fleet.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fleet.NewNotFound("instance not found").WithInstance(id)
	}
	copied := *inst
	return &copied, nil
}

func (s *fakeStore) UpdateInstance(ctx context.Context, inst *fleet.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return fleet.NewNotFound("instance not found").WithInstance(inst.ID)
	}
	copied := *inst
	s.instances[inst.ID] = &copied
	return nil
}

func (s *fakeStore) ListInstancesByStatus(ctx context.Context, statuses []fleet.InstanceStatus) ([]*fleet.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fleet.Instance
	for _, inst := range s.instances {
		for _, status := range statuses {
			if inst.Status == status {
				copied := *inst
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ListStaleInstances(ctx context.Context, statuses []fleet.InstanceStatus, updatedBefore time.Time) ([]*fleet.Instance, error) {
	insts, err := s.ListInstancesByStatus(ctx, statuses)
	if err != nil {
		return nil, err
	}
	var out []*fleet.Instance
	for _, inst := range insts {
		if inst.UpdatedAt.Before(updatedBefore) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateManifestVersion(ctx context.Context, params stores.CreateManifestParams) (*fleet.ManifestVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[params.InstanceID]
	if !ok {
		return nil, fleet.NewNotFound("instance not found").WithInstance(params.InstanceID)
	}

	next := 1
	for _, v := range s.versions {
		if v.InstanceID == params.InstanceID && v.Version >= next {
			next = v.Version + 1
		}
	}

	version := &fleet.ManifestVersion{
		ID:          uuid.New().String(),
		InstanceID:  params.InstanceID,
		Version:     next,
		Content:     params.Content,
		Description: params.Description,
		CreatedBy:   params.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}
	s.versions = append(s.versions, version)

	inst.DesiredManifestID = &version.ID
	inst.Status = params.NextStatus
	inst.UpdatedAt = version.CreatedAt

	audit := params.Audit
	s.audits = append(s.audits, &audit)
	return version, nil
}

func (s *fakeStore) GetManifestVersion(ctx context.Context, id string) (*fleet.ManifestVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, fleet.NewNotFound("manifest version not found")
}

func (s *fakeStore) GetLatestManifestVersion(ctx context.Context, instanceID string) (*fleet.ManifestVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *fleet.ManifestVersion
	for _, v := range s.versions {
		if v.InstanceID == instanceID && (latest == nil || v.Version > latest.Version) {
			latest = v
		}
	}
	if latest == nil {
		return nil, fleet.NewNotFound("no manifest versions").WithInstance(instanceID)
	}
	return latest, nil
}

func (s *fakeStore) ListManifestVersions(ctx context.Context, instanceID string) ([]*fleet.ManifestVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fleet.ManifestVersion
	for _, v := range s.versions {
		if v.InstanceID == instanceID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendAuditEvent(ctx context.Context, event *stores.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, event)
	return nil
}

func (s *fakeStore) ListAuditEvents(ctx context.Context, resourceID string, limit, offset int) ([]*stores.AuditEvent, error) {
	return nil, nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }

// fakeTrigger records enqueued instance IDs.
type fakeTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (t *fakeTrigger) Enqueue(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, instanceID)
}

func (t *fakeTrigger) enqueued() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

func newTestEngine(t *testing.T, store stores.Store) (*Engine, *fakeTrigger) {
	t.Helper()
	policies, err := NewPolicyEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPolicyEngine() error = %v", err)
	}
	engine := NewEngine(store, policies, zerolog.Nop())
	trigger := &fakeTrigger{}
	engine.SetTrigger(trigger)
	return engine, trigger
}

func seedInstance(t *testing.T, store *fakeStore, id string, fingerprint string) *fleet.Instance {
	t.Helper()
	inst := &fleet.Instance{
		ID:                id,
		Name:              "support-bot",
		WorkspaceID:       "ws-1",
		FleetID:           "fleet-1",
		ConfigFingerprint: fingerprint,
		DeploymentType:    "local-docker",
		Status:            fleet.StatusPending,
		Health:            fleet.HealthUnknown,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return inst
}

func validContent() []byte {
	return []byte(`{
		"name": "support-bot",
		"model": "claude-sonnet-4",
		"channels": [{"type": "slack", "token_secret_key": "slack-token"}],
		"tools": {"allow": ["web_search", "calendar"]}
	}`)
}

func TestDecodeDocument(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "valid JSON",
			content: `{"name": "support-bot", "model": "claude-sonnet-4"}`,
		},
		{
			name: "valid YAML",
			content: "name: support-bot\nmodel: claude-sonnet-4\nchannels:\n" +
				"  - type: slack\n    token_secret_key: slack-token\n",
		},
		{
			name:    "unknown field rejected",
			content: `{"name": "support-bot", "model": "claude-sonnet-4", "bogus": true}`,
			wantErr: true,
		},
		{
			name:    "empty content",
			content: "   ",
			wantErr: true,
		},
		{
			name:    "malformed JSON",
			content: `{"name": `,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := DecodeDocument([]byte(tt.content))
			if tt.wantErr {
				if err == nil {
					t.Fatal("DecodeDocument() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDocument() error = %v", err)
			}
			if doc.Name != "support-bot" {
				t.Errorf("Name = %q, want support-bot", doc.Name)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(t, store)
	ctx := context.Background()

	t.Run("valid manifest", func(t *testing.T) {
		result, err := engine.Validate(ctx, validContent())
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if !result.Valid {
			t.Errorf("Valid = false, violations = %+v", result.Violations)
		}
	})

	t.Run("uppercase name is a blocking violation", func(t *testing.T) {
		content := []byte(`{"name": "SupportBot", "model": "claude-sonnet-4"}`)
		result, err := engine.Validate(ctx, content)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if result.Valid {
			t.Error("Valid = true, want false")
		}
		if !hasViolationCode(result.Violations, "instance-naming") {
			t.Errorf("missing instance-naming violation, got %+v", result.Violations)
		}
	})

	t.Run("missing model is a schema violation", func(t *testing.T) {
		content := []byte(`{"name": "support-bot"}`)
		result, err := engine.Validate(ctx, content)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if result.Valid {
			t.Error("Valid = true, want false")
		}
		if !hasViolationCode(result.Violations, "schema") {
			t.Errorf("missing schema violation, got %+v", result.Violations)
		}
	})

	t.Run("unknown model only warns", func(t *testing.T) {
		content := []byte(`{"name": "support-bot", "model": "homegrown-7b"}`)
		result, err := engine.Validate(ctx, content)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if !result.Valid {
			t.Errorf("Valid = false, violations = %+v", result.Violations)
		}
		if !hasViolationCode(result.Violations, "model-unknown") {
			t.Errorf("missing model-unknown warning, got %+v", result.Violations)
		}
	})

	t.Run("wildcard tool grant blocked", func(t *testing.T) {
		content := []byte(`{"name": "support-bot", "model": "claude-sonnet-4", "tools": {"allow": ["*"]}}`)
		result, err := engine.Validate(ctx, content)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if result.Valid {
			t.Error("Valid = true, want false")
		}
		if !hasViolationCode(result.Violations, "tool-wildcard") {
			t.Errorf("missing tool-wildcard violation, got %+v", result.Violations)
		}
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("first version moves instance to CREATING", func(t *testing.T) {
		store := newFakeStore()
		engine, trigger := newTestEngine(t, store)
		seedInstance(t, store, "inst-1", "")

		version, violations, err := engine.Create(ctx, CreateRequest{
			InstanceID:  "inst-1",
			Content:     validContent(),
			Description: "initial deploy",
			Actor:       "alice",
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if version.Version != 1 {
			t.Errorf("Version = %d, want 1", version.Version)
		}
		if fleet.HasBlocking(violations) {
			t.Errorf("unexpected blocking violations: %+v", violations)
		}

		inst, _ := store.GetInstance(ctx, "inst-1")
		if inst.Status != fleet.StatusCreating {
			t.Errorf("Status = %s, want CREATING", inst.Status)
		}
		if inst.DesiredManifestID == nil || *inst.DesiredManifestID != version.ID {
			t.Error("DesiredManifestID not re-pointed at the new version")
		}
		if got := trigger.enqueued(); len(got) != 1 || got[0] != "inst-1" {
			t.Errorf("enqueued = %v, want [inst-1]", got)
		}
	})

	t.Run("subsequent version moves instance to RECONCILING", func(t *testing.T) {
		store := newFakeStore()
		engine, _ := newTestEngine(t, store)
		seedInstance(t, store, "inst-1", "deadbeef")

		version, _, err := engine.Create(ctx, CreateRequest{
			InstanceID: "inst-1",
			Content:    validContent(),
			Actor:      "alice",
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if version.Version != 1 {
			t.Errorf("Version = %d, want 1", version.Version)
		}

		inst, _ := store.GetInstance(ctx, "inst-1")
		if inst.Status != fleet.StatusReconciling {
			t.Errorf("Status = %s, want RECONCILING", inst.Status)
		}
	})

	t.Run("versions are contiguous", func(t *testing.T) {
		store := newFakeStore()
		engine, _ := newTestEngine(t, store)
		seedInstance(t, store, "inst-1", "")

		for want := 1; want <= 3; want++ {
			version, _, err := engine.Create(ctx, CreateRequest{
				InstanceID: "inst-1",
				Content:    validContent(),
				Actor:      "alice",
			})
			if err != nil {
				t.Fatalf("Create() #%d error = %v", want, err)
			}
			if version.Version != want {
				t.Errorf("Version = %d, want %d", version.Version, want)
			}
		}
	})

	t.Run("blocking violation rejects and persists nothing", func(t *testing.T) {
		store := newFakeStore()
		engine, trigger := newTestEngine(t, store)
		seedInstance(t, store, "inst-1", "")

		content := []byte(`{"name": "Bad Name", "model": "claude-sonnet-4"}`)
		_, violations, err := engine.Create(ctx, CreateRequest{
			InstanceID: "inst-1",
			Content:    content,
			Actor:      "alice",
		})
		if !fleet.IsPolicyRejected(err) {
			t.Fatalf("error = %v, want POLICY_REJECTED", err)
		}
		if len(violations) == 0 {
			t.Error("expected violations to be returned")
		}

		inst, _ := store.GetInstance(ctx, "inst-1")
		if inst.Status != fleet.StatusPending {
			t.Errorf("Status = %s, want PENDING (unchanged)", inst.Status)
		}
		if inst.DesiredManifestID != nil {
			t.Error("DesiredManifestID changed on rejected create")
		}
		if len(store.versions) != 0 {
			t.Errorf("versions persisted = %d, want 0", len(store.versions))
		}
		if len(trigger.enqueued()) != 0 {
			t.Error("reconcile enqueued for rejected create")
		}
	})

	t.Run("unknown instance", func(t *testing.T) {
		store := newFakeStore()
		engine, _ := newTestEngine(t, store)

		_, _, err := engine.Create(ctx, CreateRequest{
			InstanceID: "missing",
			Content:    validContent(),
			Actor:      "alice",
		})
		if !fleet.IsNotFound(err) {
			t.Fatalf("error = %v, want NOT_FOUND", err)
		}
	})
}

func TestTriggerReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("no desired manifest is invalid state", func(t *testing.T) {
		store := newFakeStore()
		engine, trigger := newTestEngine(t, store)
		seedInstance(t, store, "inst-1", "")

		err := engine.TriggerReconcile(ctx, "inst-1", "alice")
		if !fleet.IsInvalidState(err) {
			t.Fatalf("error = %v, want INVALID_STATE", err)
		}

		inst, _ := store.GetInstance(ctx, "inst-1")
		if inst.Status != fleet.StatusPending {
			t.Errorf("Status = %s, want PENDING (unchanged)", inst.Status)
		}
		if len(trigger.enqueued()) != 0 {
			t.Error("reconcile enqueued despite INVALID_STATE")
		}
	})

	t.Run("deployed instance re-enters RECONCILING", func(t *testing.T) {
		store := newFakeStore()
		engine, trigger := newTestEngine(t, store)
		seedInstance(t, store, "inst-1", "")

		if _, _, err := engine.Create(ctx, CreateRequest{
			InstanceID: "inst-1",
			Content:    validContent(),
			Actor:      "alice",
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		// Simulate a completed first reconcile.
		inst, _ := store.GetInstance(ctx, "inst-1")
		inst.Status = fleet.StatusRunning
		inst.ConfigFingerprint = "deadbeef"
		if err := store.UpdateInstance(ctx, inst); err != nil {
			t.Fatalf("UpdateInstance() error = %v", err)
		}

		if err := engine.TriggerReconcile(ctx, "inst-1", "alice"); err != nil {
			t.Fatalf("TriggerReconcile() error = %v", err)
		}

		inst, _ = store.GetInstance(ctx, "inst-1")
		if inst.Status != fleet.StatusReconciling {
			t.Errorf("Status = %s, want RECONCILING", inst.Status)
		}
		if got := trigger.enqueued(); len(got) != 2 {
			t.Errorf("enqueued %d times, want 2", len(got))
		}
	})
}

func hasViolationCode(violations []fleet.PolicyViolation, code string) bool {
	for _, v := range violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
