package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// hetznerCredentialKey is the secret-store key holding the Hetzner Cloud
// API token.
const hetznerCredentialKey = "hcloud_token"

// hetznerServerTypes maps resource tiers to Hetzner server types.
var hetznerServerTypes = map[string]string{
	"starter":     "cx22",
	"standard":    "cx32",
	"performance": "cx42",
}

// HetznerConfig configures the Hetzner Cloud adapter.
type HetznerConfig struct {
	// BaseURL is the Hetzner Cloud API endpoint.
	BaseURL string

	// Token is the project API token used when a dispatch carries no
	// per-instance credential.
	Token string

	// Image is the server image to boot.
	Image string

	// Location is the preferred datacenter location.
	Location string

	// HTTPTimeout bounds each API call.
	HTTPTimeout time.Duration
}

// HetznerAdapter provisions agent instances as Hetzner Cloud servers.
type HetznerAdapter struct {
	cfg    HetznerConfig
	client *http.Client
	logger zerolog.Logger
}

// NewHetznerAdapter creates the hetzner-vm adapter.
func NewHetznerAdapter(cfg HetznerConfig, logger zerolog.Logger) *HetznerAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hetzner.cloud/v1"
	}
	if cfg.Image == "" {
		cfg.Image = "docker-ce"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &HetznerAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "adapter").Str("adapter", "hetzner-vm").Logger(),
	}
}

// Metadata returns the adapter descriptor.
func (a *HetznerAdapter) Metadata() Metadata {
	return Metadata{
		Type:        "hetzner-vm",
		DisplayName: "Hetzner Cloud VM",
		Description: "Runs agents on dedicated Hetzner Cloud servers",
		Lifecycle:   LifecycleBeta,
		Capabilities: Capabilities{
			PersistentStorage: true,
			HTTPSEndpoint:     true,
		},
		Credentials: []CredentialRequirement{
			{
				Key:         hetznerCredentialKey,
				DisplayName: "Hetzner Cloud API token",
				Required:    true,
				Sensitive:   true,
				Pattern:     "^[A-Za-z0-9]{16,}$",
			},
		},
		Tiers: map[string]TierSpec{
			"starter":     {CPUs: 2, MemoryMB: 4096, DiskGB: 40},
			"standard":    {CPUs: 4, MemoryMB: 8192, DiskGB: 80},
			"performance": {CPUs: 8, MemoryMB: 16384, DiskGB: 160},
		},
	}
}

// hetznerServer is the subset of the API server object we read.
type hetznerServer struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Datacenter struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"datacenter"`
}

// CreateOrUpdate creates the server if absent. Hetzner servers are not
// reconfigured in place; an existing server is kept and its ref returned,
// with config delivered to the agent over the gateway channel.
func (a *HetznerAdapter) CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error) {
	token := req.Credentials[hetznerCredentialKey]

	existing, err := a.findServer(ctx, token, req.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &ResourceRef{
			DeploymentType: "hetzner-vm",
			TargetID:       strconv.FormatInt(existing.ID, 10),
			Region:         existing.Datacenter.Location.Name,
		}, nil
	}

	serverType := hetznerServerTypes[req.Tier]
	if serverType == "" {
		serverType = hetznerServerTypes["standard"]
	}

	body := map[string]interface{}{
		"name":        req.Name,
		"server_type": serverType,
		"image":       a.cfg.Image,
		"labels":      map[string]string{"molthub-instance": req.InstanceID},
	}
	if a.cfg.Location != "" {
		body["location"] = a.cfg.Location
	}

	var created struct {
		Server hetznerServer `json:"server"`
	}
	if err := a.do(ctx, token, http.MethodPost, "/servers", body, &created); err != nil {
		return nil, fleet.NewAdapterFailure("hetzner server create failed", err).WithInstance(req.InstanceID)
	}

	a.logger.Info().
		Str("instance_id", req.InstanceID).
		Int64("server_id", created.Server.ID).
		Msg("Hetzner server created")

	return &ResourceRef{
		DeploymentType: "hetzner-vm",
		TargetID:       strconv.FormatInt(created.Server.ID, 10),
		Region:         created.Server.Datacenter.Location.Name,
	}, nil
}

// Describe reads the server state.
func (a *HetznerAdapter) Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error) {
	var out struct {
		Server hetznerServer `json:"server"`
	}
	if err := a.do(ctx, "", http.MethodGet, "/servers/"+ref.TargetID, nil, &out); err != nil {
		return nil, fleet.NewAdapterFailure("hetzner server describe failed", err)
	}

	return &ResourceState{
		Status:  out.Server.Status,
		Healthy: out.Server.Status == "running",
		Outputs: map[string]string{
			"server_id": ref.TargetID,
			"location":  out.Server.Datacenter.Location.Name,
		},
	}, nil
}

// Delete destroys the server.
func (a *HetznerAdapter) Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	if err := a.do(ctx, "", http.MethodDelete, "/servers/"+ref.TargetID, nil, nil); err != nil {
		return fleet.NewAdapterFailure("hetzner server delete failed", err)
	}
	return nil
}

// Exists reports whether a server with the given name exists.
func (a *HetznerAdapter) Exists(ctx context.Context, name string) (bool, error) {
	server, err := a.findServer(ctx, "", name)
	if err != nil {
		return false, err
	}
	return server != nil, nil
}

func (a *HetznerAdapter) findServer(ctx context.Context, token, name string) (*hetznerServer, error) {
	var out struct {
		Servers []hetznerServer `json:"servers"`
	}
	path := "/servers?name=" + url.QueryEscape(name)
	if err := a.do(ctx, token, http.MethodGet, path, nil, &out); err != nil {
		return nil, fleet.NewAdapterFailure("hetzner server list failed", err)
	}
	if len(out.Servers) == 0 {
		return nil, nil
	}
	return &out.Servers[0], nil
}

func (a *HetznerAdapter) do(ctx context.Context, token, method, path string, body, out interface{}) error {
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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hetzner API %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode hetzner API response: %w", err)
		}
	}
	return nil
}
