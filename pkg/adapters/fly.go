package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// flyCredentialKey is the secret-store key holding the Fly API token.
const flyCredentialKey = "fly_api_token"

// FlyConfig configures the Fly Machines adapter.
type FlyConfig struct {
	// BaseURL is the Machines API endpoint. Defaults to the public API.
	BaseURL string

	// App is the Fly app that hosts agent machines.
	App string

	// Token is the app-level API token used when a dispatch carries no
	// per-instance credential.
	Token string

	// Image is the agent runtime image to run.
	Image string

	// Region is the preferred placement region.
	Region string

	// HTTPTimeout bounds each API call.
	HTTPTimeout time.Duration
}

// FlyAdapter provisions agent instances as Fly machines through the
// Machines REST API.
type FlyAdapter struct {
	cfg    FlyConfig
	client *http.Client
	logger zerolog.Logger
}

// NewFlyAdapter creates the fly-machines adapter.
func NewFlyAdapter(cfg FlyConfig, logger zerolog.Logger) *FlyAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.machines.dev/v1"
	}
	if cfg.Image == "" {
		cfg.Image = "registry.fly.io/molthub-agent-runtime:latest"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &FlyAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "adapter").Str("adapter", "fly-machines").Logger(),
	}
}

// Metadata returns the adapter descriptor.
func (a *FlyAdapter) Metadata() Metadata {
	return Metadata{
		Type:        "fly-machines",
		DisplayName: "Fly Machines",
		Description: "Runs agents as Fly.io machines with per-instance VMs",
		Lifecycle:   LifecycleReady,
		Capabilities: Capabilities{
			Scaling:           true,
			Sandboxing:        true,
			PersistentStorage: true,
			HTTPSEndpoint:     true,
			LogStreaming:      true,
		},
		Credentials: []CredentialRequirement{
			{
				Key:         flyCredentialKey,
				DisplayName: "Fly API token",
				Required:    true,
				Sensitive:   true,
			},
		},
		Tiers: map[string]TierSpec{
			"starter":     {CPUs: 1, MemoryMB: 256, DiskGB: 1},
			"standard":    {CPUs: 1, MemoryMB: 1024, DiskGB: 10},
			"performance": {CPUs: 4, MemoryMB: 8192, DiskGB: 50},
		},
	}
}

// flyMachine is the subset of the Machines API machine object we read.
type flyMachine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
}

// flyMachineConfig is the machine config we write.
type flyMachineConfig struct {
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
	Guest struct {
		CPUKind  string `json:"cpu_kind"`
		CPUs     int    `json:"cpus"`
		MemoryMB int    `json:"memory_mb"`
	} `json:"guest"`
}

// CreateOrUpdate converges a machine to the requested config, updating in
// place when a machine with the instance name already exists.
func (a *FlyAdapter) CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error) {
	token := req.Credentials[flyCredentialKey]

	config := flyMachineConfig{Image: a.cfg.Image}
	if req.Config != nil {
		config.Env = req.Config.Env
	}
	tier := a.Metadata().Tiers[req.Tier]
	config.Guest.CPUKind = "shared"
	config.Guest.CPUs = int(tier.CPUs)
	if config.Guest.CPUs < 1 {
		config.Guest.CPUs = 1
	}
	config.Guest.MemoryMB = tier.MemoryMB

	existing, err := a.findMachine(ctx, token, req.Name)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"name":   req.Name,
		"config": config,
	}
	if a.cfg.Region != "" {
		body["region"] = a.cfg.Region
	}

	path := "/apps/" + a.cfg.App + "/machines"
	if existing != nil {
		path += "/" + existing.ID
	}

	var machine flyMachine
	if err := a.do(ctx, token, http.MethodPost, path, body, &machine); err != nil {
		return nil, fleet.NewAdapterFailure("fly machine create/update failed", err).WithInstance(req.InstanceID)
	}

	a.logger.Info().
		Str("instance_id", req.InstanceID).
		Str("machine_id", machine.ID).
		Str("region", machine.Region).
		Msg("Fly machine converged")

	return &ResourceRef{
		DeploymentType: "fly-machines",
		TargetID:       machine.ID,
		Region:         machine.Region,
	}, nil
}

// Describe reads the machine state.
func (a *FlyAdapter) Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error) {
	var machine flyMachine
	path := "/apps/" + a.cfg.App + "/machines/" + ref.TargetID
	if err := a.do(ctx, "", http.MethodGet, path, nil, &machine); err != nil {
		return nil, fleet.NewAdapterFailure("fly machine describe failed", err)
	}

	return &ResourceState{
		Status:  machine.State,
		Healthy: machine.State == "started",
		Outputs: map[string]string{
			"machine_id": machine.ID,
			"region":     machine.Region,
		},
	}, nil
}

// Delete destroys the machine.
func (a *FlyAdapter) Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	path := "/apps/" + a.cfg.App + "/machines/" + ref.TargetID
	if opts.Force {
		path += "?force=true"
	}
	if err := a.do(ctx, "", http.MethodDelete, path, nil, nil); err != nil {
		return fleet.NewAdapterFailure("fly machine delete failed", err)
	}
	return nil
}

// Exists reports whether a machine with the given name exists.
func (a *FlyAdapter) Exists(ctx context.Context, name string) (bool, error) {
	machine, err := a.findMachine(ctx, "", name)
	if err != nil {
		return false, err
	}
	return machine != nil, nil
}

// findMachine lists app machines and matches by name.
func (a *FlyAdapter) findMachine(ctx context.Context, token, name string) (*flyMachine, error) {
	var machines []flyMachine
	if err := a.do(ctx, token, http.MethodGet, "/apps/"+a.cfg.App+"/machines", nil, &machines); err != nil {
		return nil, fleet.NewAdapterFailure("fly machine list failed", err)
	}
	for i := range machines {
		if machines[i].Name == name {
			return &machines[i], nil
		}
	}
	return nil, nil
}

// do performs one API call. An empty token falls back to the app-level
// token from the adapter config.
func (a *FlyAdapter) do(ctx context.Context, token, method, path string, body, out interface{}) error {
	if token == "" {
		token = a.cfg.Token
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fly API %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode fly API response: %w", err)
		}
	}
	return nil
}
