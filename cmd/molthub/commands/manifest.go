package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/manifest"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Manage instance manifests",
		Long: `Create and inspect manifest versions. A created manifest becomes the
instance's desired state and schedules a reconcile.`,
	}

	cmd.AddCommand(newManifestCreateCommand())
	cmd.AddCommand(newManifestListCommand())
	cmd.AddCommand(newManifestLatestCommand())

	return cmd
}

func newManifestCreateCommand() *cobra.Command {
	var (
		description string
		actor       string
	)

	cmd := &cobra.Command{
		Use:   "create <instance-id> <manifest-file>",
		Short: "Create a new manifest version",
		Long: `Validate a manifest and persist it as the instance's next version.

The version insert, the desired-manifest re-point, and the audit record
land in one transaction; a blocking policy violation persists nothing.`,
		Example: `  # Deploy a new manifest
  molthub manifest create inst-1 bot.yaml

  # With a change note
  molthub manifest create inst-1 bot.yaml --description "raise heartbeat"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			version, violations, err := a.manifests.Create(cmd.Context(), manifest.CreateRequest{
				InstanceID:  args[0],
				Content:     content,
				Description: description,
				Actor:       actor,
			})
			if err != nil {
				var fe *fleet.Error
				if errors.As(err, &fe) && fe.Code == fleet.ErrCodePolicyRejected {
					for _, v := range fe.Violations {
						fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", v.Severity, v.Code, v.Message)
					}
				}
				return err
			}

			for _, v := range violations {
				fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", v.Severity, v.Code, v.Message)
			}
			fmt.Printf("Created manifest version %d (%s) for %s\n", version.Version, version.ID, version.InstanceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "change note for this version")
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded in the audit log")

	return cmd
}

func newManifestListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <instance-id>",
		Short: "List manifest versions for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			versions, err := a.manifests.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(versions)
			}
			for _, v := range versions {
				fmt.Printf("v%-4d %s  %s  %s\n", v.Version, v.ID, v.CreatedAt.Format("2006-01-02 15:04:05"), v.Description)
			}
			return nil
		},
	}

	return cmd
}

func newManifestLatestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest <instance-id>",
		Short: "Show the latest manifest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			version, err := a.manifests.GetLatest(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(version)
			}
			fmt.Printf("v%d (%s) created %s by %s\n", version.Version, version.ID,
				version.CreatedAt.Format("2006-01-02 15:04:05"), version.CreatedBy)
			fmt.Println(string(version.Content))
			return nil
		},
	}

	return cmd
}
