package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage agent instances",
	}

	cmd.AddCommand(newInstanceCreateCommand())
	cmd.AddCommand(newInstanceGetCommand())
	cmd.AddCommand(newInstanceListCommand())

	return cmd
}

func newInstanceCreateCommand() *cobra.Command {
	var (
		id             string
		workspaceID    string
		fleetID        string
		deploymentType string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new agent instance",
		Long: `Register an instance record. The instance starts PENDING and is not
deployed until its first manifest is created.`,
		Example: `  # Register an instance on Fly Machines
  molthub instance create support-bot --deployment-type fly-machines

  # With an explicit id
  molthub instance create support-bot --id inst-support --deployment-type local-docker`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			// Reject unknown deployment types up front.
			if _, err := a.registry.Get(deploymentType); err != nil {
				return err
			}

			if id == "" {
				id = uuid.New().String()
			}
			now := time.Now().UTC()
			inst := &fleet.Instance{
				ID:             id,
				Name:           args[0],
				WorkspaceID:    workspaceID,
				FleetID:        fleetID,
				DeploymentType: deploymentType,
				Status:         fleet.StatusPending,
				Health:         fleet.HealthUnknown,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := a.store.CreateInstance(cmd.Context(), inst); err != nil {
				return err
			}

			fmt.Printf("Created instance %s (%s) on %s\n", inst.Name, inst.ID, inst.DeploymentType)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "instance id (generated when omitted)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "default", "owning workspace id")
	cmd.Flags().StringVar(&fleetID, "fleet", "default", "owning fleet id")
	cmd.Flags().StringVar(&deploymentType, "deployment-type", "local-docker", "deployment backend")

	return cmd
}

func newInstanceGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <instance-id>",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			inst, err := a.store.GetInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(inst)
			}
			printInstance(inst)
			return nil
		},
	}

	return cmd
}

func newInstanceListCommand() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances by status",
		Example: `  # Everything the control loop is watching
  molthub instance list

  # Only failed instances
  molthub instance list --status ERROR`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			query := make([]fleet.InstanceStatus, 0, len(statuses))
			for _, s := range statuses {
				query = append(query, fleet.InstanceStatus(s))
			}

			instances, err := a.store.ListInstancesByStatus(cmd.Context(), query)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(instances)
			}
			for _, inst := range instances {
				fmt.Printf("%-36s %-20s %-12s %-14s errors=%d\n",
					inst.ID, inst.Name, inst.Status, inst.DeploymentType, inst.ErrorCount)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", []string{
		string(fleet.StatusPending), string(fleet.StatusCreating), string(fleet.StatusRunning),
		string(fleet.StatusReconciling), string(fleet.StatusDegraded), string(fleet.StatusStopped),
		string(fleet.StatusDeleting), string(fleet.StatusError), string(fleet.StatusPaused),
	}, "statuses to include")

	return cmd
}

func printInstance(inst *fleet.Instance) {
	fmt.Printf("ID:               %s\n", inst.ID)
	fmt.Printf("Name:             %s\n", inst.Name)
	fmt.Printf("Status:           %s\n", inst.Status)
	fmt.Printf("Deployment:       %s", inst.DeploymentType)
	if inst.DeploymentTargetID != "" {
		fmt.Printf(" (%s)", inst.DeploymentTargetID)
	}
	fmt.Println()
	if inst.DesiredManifestID != nil {
		fmt.Printf("Desired manifest: %s\n", *inst.DesiredManifestID)
	}
	if inst.ConfigFingerprint != "" {
		fmt.Printf("Fingerprint:      %s\n", inst.ConfigFingerprint)
	}
	if inst.LastReconcileAt != nil {
		fmt.Printf("Last reconcile:   %s\n", inst.LastReconcileAt.Format(time.RFC3339))
	}
	if inst.LastError != nil {
		fmt.Printf("Last error:       %s (at %s)\n", inst.LastError.Message, inst.LastError.OccurredAt.Format(time.RFC3339))
	}
	fmt.Printf("Error count:      %d\n", inst.ErrorCount)
}
