package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/manifest"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest-file>",
		Short: "Validate a manifest file",
		Long: `Validate a manifest document (YAML or JSON) against the schema and the
policy set without touching the store. Exits non-zero when a blocking
violation is found; warnings are printed but do not fail validation.`,
		Example: `  # Validate a manifest
  molthub validate bot.yaml

  # Validate against additional policies
  molthub validate bot.yaml --policy-dir ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			result, err := validateContent(cmd.Context(), content)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			for _, v := range result.Violations {
				marker := "warn "
				if v.Severity == fleet.SeverityError {
					marker = "error"
				}
				fmt.Printf("  [%s] %s: %s\n", marker, v.Code, v.Message)
			}
			if !result.Valid {
				return fmt.Errorf("manifest rejected (%d findings)", len(result.Violations))
			}
			fmt.Println("Manifest is valid")
			return nil
		},
	}

	return cmd
}

// validateContent runs validation against the builtin policies plus any
// loaded from --policy-dir. No store is needed.
func validateContent(ctx context.Context, content []byte) (*manifest.ValidationResult, error) {
	zlog := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	policies, err := manifest.NewPolicyEngine(zlog)
	if err != nil {
		return nil, err
	}
	if policyDir != "" {
		loader := manifest.NewLoader(policies, zlog)
		if err := loader.LoadDirectory(policyDir); err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", policyDir, err)
		}
	}

	engine := manifest.NewEngine(nil, policies, zlog)
	return engine.Validate(ctx, content)
}
