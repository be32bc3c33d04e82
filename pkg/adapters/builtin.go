package adapters

import (
	"github.com/rs/zerolog"
)

// BuiltinConfig carries per-backend configuration for the builtin adapters.
type BuiltinConfig struct {
	Docker  DockerConfig
	Fly     FlyConfig
	Hetzner HetznerConfig
	ECS     ECSConfig
}

// RegisterBuiltins populates a registry with the standard adapter set.
func RegisterBuiltins(registry *Registry, cfg BuiltinConfig, logger zerolog.Logger) error {
	builtins := []Adapter{
		NewDockerAdapter(cfg.Docker, logger),
		NewFlyAdapter(cfg.Fly, logger),
		NewHetznerAdapter(cfg.Hetzner, logger),
		NewECSAdapter(cfg.ECS, logger),
		NewCloudRunAdapter(),
	}
	for _, adapter := range builtins {
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}
