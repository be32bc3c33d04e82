package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/adapters"
)

func newAdaptersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "Show deployment adapter metadata",
		Long: `Print the deployment adapters, their lifecycle status, capabilities,
credential requirements, and resource tiers.

Reads only static metadata: no store, no credentials, no network. A
first-run setup flow can call this before anything is configured.`,
		Example: `  # Human-readable adapter catalog
  molthub adapters

  # Machine-readable, for a setup UI
  molthub adapters --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := adapters.NewRegistry(zerolog.Nop())
			if err := adapters.RegisterBuiltins(registry, adapters.BuiltinConfig{}, zerolog.Nop()); err != nil {
				return err
			}
			metas := registry.List()

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(metas)
			}

			for _, meta := range metas {
				fmt.Printf("%s (%s): %s [%s]\n", meta.Type, meta.DisplayName, meta.Description, meta.Lifecycle)
				fmt.Printf("  capabilities: scaling=%v sandboxing=%v storage=%v https=%v logs=%v\n",
					meta.Capabilities.Scaling, meta.Capabilities.Sandboxing,
					meta.Capabilities.PersistentStorage, meta.Capabilities.HTTPSEndpoint,
					meta.Capabilities.LogStreaming)
				for _, cred := range meta.Credentials {
					required := "optional"
					if cred.Required {
						required = "required"
					}
					fmt.Printf("  credential: %s (%s)\n", cred.Key, required)
				}
				for tier, spec := range meta.Tiers {
					fmt.Printf("  tier %-12s cpu=%g mem=%dMB disk=%dGB\n", tier, spec.CPUs, spec.MemoryMB, spec.DiskGB)
				}
				fmt.Println()
			}
			return nil
		},
	}

	return cmd
}
