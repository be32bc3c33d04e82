package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/reconcile"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <instance-id>",
		Short: "Reconcile one instance now",
		Long: `Run the reconcile procedure for an instance synchronously: load the
desired manifest, compute the effective configuration, and dispatch to
the deployment adapter.

Fails with CONFLICT if a reconcile for the instance is already running,
and with INVALID_STATE if no manifest has been created yet.`,
		Example: `  # Converge an instance to its desired manifest
  molthub reconcile inst-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd.Root().Version, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.engine.Reconcile(cmd.Context(), args[0], reconcile.TriggerOperator); err != nil {
				return err
			}

			inst, err := a.store.GetInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Instance %s converged: status=%s fingerprint=%s\n",
				inst.ID, inst.Status, inst.ConfigFingerprint)
			return nil
		},
	}

	return cmd
}
