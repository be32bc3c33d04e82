package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// ECSConfig configures the ECS Fargate adapter.
type ECSConfig struct {
	// Binary is the aws CLI path. Defaults to "aws" on PATH.
	Binary string

	// Cluster is the ECS cluster that hosts agent services.
	Cluster string

	// TaskDefinition is the task definition family for the agent runtime.
	TaskDefinition string

	// Subnets and SecurityGroups configure awsvpc networking.
	Subnets        []string
	SecurityGroups []string

	// Region overrides the CLI default region.
	Region string
}

// ECSAdapter runs agent instances as single-task ECS Fargate services by
// shelling out to the aws CLI, which carries its own credential chain.
type ECSAdapter struct {
	cfg    ECSConfig
	logger zerolog.Logger
}

// NewECSAdapter creates the ecs-fargate adapter.
func NewECSAdapter(cfg ECSConfig, logger zerolog.Logger) *ECSAdapter {
	if cfg.Binary == "" {
		cfg.Binary = "aws"
	}
	return &ECSAdapter{
		cfg:    cfg,
		logger: logger.With().Str("component", "adapter").Str("adapter", "ecs-fargate").Logger(),
	}
}

// Metadata returns the adapter descriptor.
func (a *ECSAdapter) Metadata() Metadata {
	return Metadata{
		Type:        "ecs-fargate",
		DisplayName: "AWS ECS Fargate",
		Description: "Runs agents as Fargate services on an ECS cluster",
		Lifecycle:   LifecycleBeta,
		Capabilities: Capabilities{
			Scaling:       true,
			Sandboxing:    true,
			HTTPSEndpoint: true,
			LogStreaming:  true,
		},
		Tiers: map[string]TierSpec{
			"starter":     {CPUs: 0.25, MemoryMB: 512, DiskGB: 20},
			"standard":    {CPUs: 1, MemoryMB: 2048, DiskGB: 20},
			"performance": {CPUs: 4, MemoryMB: 8192, DiskGB: 50},
		},
	}
}

// CreateOrUpdate converges a service to one running task of the configured
// task definition. Environment deltas are delivered over the gateway
// channel; the service itself carries sizing only.
func (a *ECSAdapter) CreateOrUpdate(ctx context.Context, req CreateRequest) (*ResourceRef, error) {
	exists, err := a.Exists(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	var args []string
	if exists {
		args = []string{
			"ecs", "update-service",
			"--cluster", a.cfg.Cluster,
			"--service", req.Name,
			"--task-definition", a.cfg.TaskDefinition,
			"--desired-count", "1",
			"--force-new-deployment",
		}
	} else {
		network := fmt.Sprintf(
			"awsvpcConfiguration={subnets=[%s],securityGroups=[%s],assignPublicIp=ENABLED}",
			strings.Join(a.cfg.Subnets, ","), strings.Join(a.cfg.SecurityGroups, ","),
		)
		args = []string{
			"ecs", "create-service",
			"--cluster", a.cfg.Cluster,
			"--service-name", req.Name,
			"--task-definition", a.cfg.TaskDefinition,
			"--desired-count", "1",
			"--launch-type", "FARGATE",
			"--network-configuration", network,
			"--tags", "key=molthub-instance,value=" + req.InstanceID,
		}
	}

	out, err := a.run(ctx, args...)
	if err != nil {
		return nil, fleet.NewAdapterFailure("ecs service create/update failed", err).WithInstance(req.InstanceID)
	}

	var resp struct {
		Service struct {
			ServiceArn string `json:"serviceArn"`
		} `json:"service"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fleet.NewAdapterFailure("failed to parse ecs service response", err)
	}

	a.logger.Info().
		Str("instance_id", req.InstanceID).
		Str("service_arn", resp.Service.ServiceArn).
		Msg("ECS service converged")

	return &ResourceRef{
		DeploymentType: "ecs-fargate",
		TargetID:       resp.Service.ServiceArn,
		Region:         a.cfg.Region,
	}, nil
}

// Describe reads the service state.
func (a *ECSAdapter) Describe(ctx context.Context, ref ResourceRef) (*ResourceState, error) {
	out, err := a.run(ctx,
		"ecs", "describe-services",
		"--cluster", a.cfg.Cluster,
		"--services", ref.TargetID,
	)
	if err != nil {
		return nil, fleet.NewAdapterFailure("ecs describe-services failed", err)
	}

	var resp struct {
		Services []struct {
			Status       string `json:"status"`
			RunningCount int    `json:"runningCount"`
		} `json:"services"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fleet.NewAdapterFailure("failed to parse ecs describe output", err)
	}
	if len(resp.Services) == 0 {
		return nil, fleet.NewNotFound("ecs service not found: " + ref.TargetID)
	}

	svc := resp.Services[0]
	return &ResourceState{
		Status:  svc.Status,
		Healthy: svc.Status == "ACTIVE" && svc.RunningCount > 0,
		Outputs: map[string]string{"service_arn": ref.TargetID},
	}, nil
}

// Delete scales the service to zero and removes it.
func (a *ECSAdapter) Delete(ctx context.Context, ref ResourceRef, opts DeleteOptions) error {
	args := []string{
		"ecs", "delete-service",
		"--cluster", a.cfg.Cluster,
		"--service", ref.TargetID,
	}
	if opts.Force {
		args = append(args, "--force")
	}
	if _, err := a.run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "ServiceNotFoundException") {
			return nil
		}
		return fleet.NewAdapterFailure("ecs delete-service failed", err)
	}
	return nil
}

// Exists reports whether an active service with the given name exists.
func (a *ECSAdapter) Exists(ctx context.Context, name string) (bool, error) {
	out, err := a.run(ctx,
		"ecs", "describe-services",
		"--cluster", a.cfg.Cluster,
		"--services", name,
	)
	if err != nil {
		return false, fleet.NewAdapterFailure("ecs describe-services failed", err)
	}

	var resp struct {
		Services []struct {
			Status string `json:"status"`
		} `json:"services"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return false, fleet.NewAdapterFailure("failed to parse ecs describe output", err)
	}
	return len(resp.Services) > 0 && resp.Services[0].Status != "INACTIVE", nil
}

func (a *ECSAdapter) run(ctx context.Context, args ...string) (string, error) {
	args = append(args, "--output", "json")
	if a.cfg.Region != "" {
		args = append(args, "--region", a.cfg.Region)
	}

	cmd := exec.CommandContext(ctx, a.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", a.cfg.Binary, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
