package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath     string
	secretsDir string
	policyDir  string
	production bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "molthub",
		Short: "MoltHub - Fleet Reconciliation Control Plane",
		Long: `MoltHub operates a fleet of independently deployed AI-agent instances
across heterogeneous backends (Fly Machines, ECS Fargate, Hetzner VMs,
local Docker).

Operators submit a declarative manifest per instance; the control plane
converges the running instance to that manifest, detects configuration
drift over the agent gateway channel, and recovers instances stuck in
transitional states.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "molthub.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&secretsDir, "secrets-dir", "secrets", "encrypted secret store directory")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "", "directory of additional rego policies")
	rootCmd.PersistentFlags().BoolVar(&production, "production", false, "use production telemetry defaults")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newManifestCommand())
	rootCmd.AddCommand(newInstanceCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newAdaptersCommand())
	rootCmd.AddCommand(newSecretCommand())

	return rootCmd
}
