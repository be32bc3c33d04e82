package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// fakeAdapter is a minimal adapter for registry tests.
type fakeAdapter struct {
	meta Metadata
}

func (a *fakeAdapter) Metadata() Metadata { return a.meta }
func (a *fakeAdapter) CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error) {
	return &ResourceRef{DeploymentType: a.meta.Type, TargetID: "target-1"}, nil
}
func (a *fakeAdapter) Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error) {
	return &ResourceState{Status: "running", Healthy: true}, nil
}
func (a *fakeAdapter) Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	return nil
}
func (a *fakeAdapter) Exists(ctx context.Context, name string) (bool, error) {
	return false, nil
}

func testMetadata() Metadata {
	return Metadata{
		Type:      "test-backend",
		Lifecycle: LifecycleReady,
		Credentials: []CredentialRequirement{
			{Key: "api_token", Required: true, Sensitive: true, Pattern: "^tok_[a-z0-9]+$"},
			{Key: "org_id", Required: false},
		},
		Tiers: map[string]TierSpec{
			"standard": {CPUs: 1, MemoryMB: 1024},
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.Register(&fakeAdapter{meta: testMetadata()}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.Get("test-backend"); err != nil {
		t.Errorf("Get() error = %v", err)
	}
	if _, err := r.Get("unknown"); !fleet.IsNotFound(err) {
		t.Errorf("Get(unknown) error = %v, want NOT_FOUND", err)
	}

	if err := r.Register(&fakeAdapter{meta: testMetadata()}); err == nil {
		t.Error("duplicate Register() succeeded, want error")
	}
}

func TestRegistryNegotiate(t *testing.T) {
	validCreds := map[string]string{"api_token": "tok_abc123"}

	tests := []struct {
		name     string
		req      CreateRequest
		wantCode fleet.ErrorCode
	}{
		{
			name: "valid dispatch",
			req:  CreateRequest{Tier: "standard", Credentials: validCreds},
		},
		{
			name: "empty tier accepted",
			req:  CreateRequest{Credentials: validCreds},
		},
		{
			name:     "unknown tier",
			req:      CreateRequest{Tier: "mega", Credentials: validCreds},
			wantCode: fleet.ErrCodeInvalidState,
		},
		{
			name:     "missing required credential",
			req:      CreateRequest{Tier: "standard"},
			wantCode: fleet.ErrCodeInvalidState,
		},
		{
			name:     "credential format mismatch",
			req:      CreateRequest{Tier: "standard", Credentials: map[string]string{"api_token": "not-a-token"}},
			wantCode: fleet.ErrCodeInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(zerolog.Nop())
			if err := r.Register(&fakeAdapter{meta: testMetadata()}); err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			_, err := r.Negotiate("test-backend", tt.req)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Negotiate() error = %v", err)
				}
				return
			}
			if fleet.CodeOf(err) != tt.wantCode {
				t.Errorf("Negotiate() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestRegistryNegotiateComingSoon(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.Register(NewCloudRunAdapter()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := r.Negotiate("gcp-cloudrun", CreateRequest{})
	if !fleet.IsInvalidState(err) {
		t.Errorf("Negotiate(coming_soon) error = %v, want INVALID_STATE", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := RegisterBuiltins(r, BuiltinConfig{}, zerolog.Nop()); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}

	metas := r.List()
	want := map[string]Lifecycle{
		"ecs-fargate":  LifecycleBeta,
		"fly-machines": LifecycleReady,
		"gcp-cloudrun": LifecycleComingSoon,
		"hetzner-vm":   LifecycleBeta,
		"local-docker": LifecycleReady,
	}
	if len(metas) != len(want) {
		t.Fatalf("registered %d adapters, want %d", len(metas), len(want))
	}
	for _, meta := range metas {
		if want[meta.Type] != meta.Lifecycle {
			t.Errorf("adapter %s lifecycle = %s, want %s", meta.Type, meta.Lifecycle, want[meta.Type])
		}
		if meta.Lifecycle != LifecycleComingSoon && len(meta.Tiers) == 0 {
			t.Errorf("adapter %s declares no tiers", meta.Type)
		}
	}
}

func TestFlyAdapterCreateOrUpdate(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			// Machine list: nothing exists yet.
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{})
		case r.Method == http.MethodPost:
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "mach-1", "name": "support-bot", "state": "started", "region": "fra",
			})
		}
	}))
	defer server.Close()

	adapter := NewFlyAdapter(FlyConfig{
		BaseURL: server.URL,
		App:     "molthub-agents",
	}, zerolog.Nop())

	ref, err := adapter.CreateOrUpdate(context.Background(), CreateRequest{
		InstanceID:  "inst-1",
		Name:        "support-bot",
		Tier:        "standard",
		Credentials: map[string]string{"fly_api_token": "fo1_secret"},
	})
	if err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if ref.TargetID != "mach-1" || ref.Region != "fra" {
		t.Errorf("ref = %+v, want mach-1 in fra", ref)
	}
	if gotPath != "/apps/molthub-agents/machines" {
		t.Errorf("create path = %q", gotPath)
	}
	if gotAuth != "Bearer fo1_secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestFlyAdapterDescribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "mach-1", "name": "support-bot", "state": "stopped", "region": "fra",
		})
	}))
	defer server.Close()

	adapter := NewFlyAdapter(FlyConfig{BaseURL: server.URL, App: "molthub-agents", Token: "app-token"}, zerolog.Nop())
	state, err := adapter.Describe(context.Background(), ResourceRef{TargetID: "mach-1"})
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if state.Healthy {
		t.Error("stopped machine reported healthy")
	}
	if state.Status != "stopped" {
		t.Errorf("Status = %q, want stopped", state.Status)
	}
}

func TestDockerEnvArgsDeterministic(t *testing.T) {
	doc := &fleet.ManifestDocument{
		Env: map[string]string{"B_KEY": "2", "A_KEY": "1", "C_KEY": "3"},
	}
	got := envArgs(doc)
	want := []string{"A_KEY=1", "B_KEY=2", "C_KEY=3"}
	if len(got) != len(want) {
		t.Fatalf("envArgs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envArgs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
