package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// dockerLabel marks containers managed by this control plane.
const dockerLabel = "io.molthub.instance"

// DockerConfig configures the local docker adapter.
type DockerConfig struct {
	// Binary is the docker CLI path. Defaults to "docker" on PATH.
	Binary string

	// Image is the agent runtime image to run.
	Image string

	// Network is the docker network to attach, if any.
	Network string
}

// DockerAdapter runs agent instances as local docker containers by shelling
// out to the docker CLI. Intended for development fleets and single-host
// deployments.
type DockerAdapter struct {
	cfg    DockerConfig
	logger zerolog.Logger
}

// NewDockerAdapter creates the local-docker adapter.
func NewDockerAdapter(cfg DockerConfig, logger zerolog.Logger) *DockerAdapter {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "molthub/agent-runtime:latest"
	}
	return &DockerAdapter{
		cfg:    cfg,
		logger: logger.With().Str("component", "adapter").Str("adapter", "local-docker").Logger(),
	}
}

// Metadata returns the adapter descriptor.
func (a *DockerAdapter) Metadata() Metadata {
	return Metadata{
		Type:        "local-docker",
		DisplayName: "Local Docker",
		Description: "Runs agents as docker containers on the control-plane host",
		Lifecycle:   LifecycleReady,
		Capabilities: Capabilities{
			Sandboxing:        true,
			PersistentStorage: true,
			LogStreaming:      true,
		},
		Tiers: map[string]TierSpec{
			"starter":     {CPUs: 0.5, MemoryMB: 512, DiskGB: 5},
			"standard":    {CPUs: 1, MemoryMB: 2048, DiskGB: 20},
			"performance": {CPUs: 2, MemoryMB: 4096, DiskGB: 40},
		},
	}
}

// CreateOrUpdate converges a container to the requested config. An existing
// container for the instance is replaced so env and limits always match.
func (a *DockerAdapter) CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error) {
	if err := a.removeExisting(ctx, req.Name); err != nil {
		return nil, err
	}

	tier := a.Metadata().Tiers[req.Tier]
	args := []string{
		"run", "-d",
		"--name", req.Name,
		"--label", dockerLabel + "=" + req.InstanceID,
		"--restart", "unless-stopped",
	}
	if tier.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", tier.CPUs))
	}
	if tier.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", tier.MemoryMB))
	}
	if a.cfg.Network != "" {
		args = append(args, "--network", a.cfg.Network)
	}
	for _, kv := range envArgs(req.Config) {
		args = append(args, "-e", kv)
	}
	args = append(args, a.cfg.Image)

	out, err := a.run(ctx, args...)
	if err != nil {
		return nil, fleet.NewAdapterFailure("docker run failed", err).WithInstance(req.InstanceID)
	}

	containerID := strings.TrimSpace(out)
	a.logger.Info().
		Str("instance_id", req.InstanceID).
		Str("container_id", containerID).
		Msg("Container started")

	return &ResourceRef{
		DeploymentType: "local-docker",
		TargetID:       containerID,
	}, nil
}

// Describe inspects the container state.
func (a *DockerAdapter) Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error) {
	out, err := a.run(ctx, "inspect", "--format", "{{json .State}}", ref.TargetID)
	if err != nil {
		return nil, fleet.NewAdapterFailure("docker inspect failed", err)
	}

	var state struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &state); err != nil {
		return nil, fleet.NewAdapterFailure("failed to parse docker inspect output", err)
	}

	return &ResourceState{
		Status:  state.Status,
		Healthy: state.Running,
		Outputs: map[string]string{"container_id": ref.TargetID},
	}, nil
}

// Delete removes the container. A missing container is a no-op.
func (a *DockerAdapter) Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	args := []string{"rm"}
	if opts.Force {
		args = append(args, "-f")
	}
	if !opts.KeepVolumes {
		args = append(args, "-v")
	}
	args = append(args, ref.TargetID)

	if _, err := a.run(ctx, args...); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fleet.NewAdapterFailure("docker rm failed", err)
	}
	return nil
}

// Exists reports whether a container with the given name exists.
func (a *DockerAdapter) Exists(ctx context.Context, name string) (bool, error) {
	out, err := a.run(ctx, "ps", "-aq", "--filter", "name=^"+name+"$")
	if err != nil {
		return false, fleet.NewAdapterFailure("docker ps failed", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// removeExisting force-removes any container holding the instance name.
func (a *DockerAdapter) removeExisting(ctx context.Context, name string) error {
	exists, err := a.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := a.run(ctx, "rm", "-f", name); err != nil {
		return fleet.NewAdapterFailure("failed to replace existing container", err)
	}
	return nil
}

func (a *DockerAdapter) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", a.cfg.Binary, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

// envArgs renders the effective config environment as KEY=VALUE pairs in
// deterministic order.
func envArgs(doc *fleet.ManifestDocument) []string {
	if doc == nil || len(doc.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(doc.Env))
	for k := range doc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+doc.Env[k])
	}
	return out
}
