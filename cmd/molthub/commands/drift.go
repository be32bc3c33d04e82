package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/reconcile"
)

func newDriftCommand() *cobra.Command {
	var (
		gatewayURLTemplate string
		autoReconcile      bool
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Run one drift sweep",
		Long: `Check every RUNNING or DEGRADED instance for configuration drift by
comparing its live config hash (over the gateway channel) to the
recorded desired fingerprint.

Unreachable instances are reported as unassessed, never as drifted.`,
		Example: `  # Report drift across the fleet
  molthub drift

  # Reconcile every drifted instance
  molthub drift --auto-reconcile`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{
				gatewayURLTemplate: gatewayURLTemplate,
			})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			results, err := a.detector.Sweep(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(results)
			}

			var drifted int
			for _, res := range results {
				switch {
				case !res.Assessed:
					fmt.Printf("%-36s unknown (%v)\n", res.InstanceID, res.Err)
				case res.HasDrift:
					drifted++
					fmt.Printf("%-36s DRIFT live=%s desired=%s\n", res.InstanceID, res.LiveHash, res.DesiredHash)
				default:
					fmt.Printf("%-36s clean\n", res.InstanceID)
				}
			}
			fmt.Printf("%d checked, %d drifted\n", len(results), drifted)

			if autoReconcile {
				for _, res := range results {
					if !res.Assessed || !res.HasDrift {
						continue
					}
					if err := a.engine.Reconcile(cmd.Context(), res.InstanceID, reconcile.TriggerDrift); err != nil {
						fmt.Fprintf(os.Stderr, "reconcile %s failed: %v\n", res.InstanceID, err)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayURLTemplate, "gateway-url", "", "agent gateway endpoint template, %s is the instance id")
	cmd.Flags().BoolVar(&autoReconcile, "auto-reconcile", false, "reconcile drifted instances")

	return cmd
}
