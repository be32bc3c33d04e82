package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/reconcile"
)

func newServeCommand() *cobra.Command {
	var (
		gatewayURLTemplate string
		driftInterval      time.Duration
		stuckInterval      time.Duration
		stuckThreshold     time.Duration
		autoReconcile      bool
		watchPolicies      bool
		noMetrics          bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane: reconcile queue workers, the periodic drift
sweep, the stuck-instance sweep, and the Prometheus metrics endpoint.

The process runs until interrupted.`,
		Example: `  # Run with defaults (drift every 5m, stuck sweep every 1m)
  molthub serve

  # Reconcile drifted instances automatically
  molthub serve --auto-reconcile

  # Hot-reload additional rego policies from disk
  molthub serve --policy-dir ./policies --watch-policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, cmd.Root().Version, appOptions{
				gatewayURLTemplate: gatewayURLTemplate,
				enableMetrics:      !noMetrics,
				enableTracing:      true,
			})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if watchPolicies && policyDir != "" {
				if err := a.loader.Watch(ctx, policyDir); err != nil {
					return err
				}
			}

			a.engine.Start(ctx)

			scheduler := reconcile.NewScheduler(reconcile.SchedulerConfig{
				DriftInterval:  driftInterval,
				StuckInterval:  stuckInterval,
				StuckThreshold: stuckThreshold,
				AutoReconcile:  autoReconcile,
			}, a.store, a.detector, a.engine, a.metrics, a.tracer, a.logger.Zerolog())
			scheduler.Start(ctx)

			if srv := a.metrics.Server(); srv != nil {
				go func() {
					log.Info().Str("addr", srv.Addr).Msg("Metrics endpoint listening")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			log.Info().Msg("Control plane running")
			<-ctx.Done()
			log.Info().Msg("Control plane stopping")
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayURLTemplate, "gateway-url", "", "agent gateway endpoint template, %s is the instance id")
	cmd.Flags().DurationVar(&driftInterval, "drift-interval", 5*time.Minute, "drift sweep interval")
	cmd.Flags().DurationVar(&stuckInterval, "stuck-interval", time.Minute, "stuck-instance sweep interval")
	cmd.Flags().DurationVar(&stuckThreshold, "stuck-threshold", 10*time.Minute, "transitional-state liveness threshold")
	cmd.Flags().BoolVar(&autoReconcile, "auto-reconcile", false, "reconcile drifted instances automatically")
	cmd.Flags().BoolVar(&watchPolicies, "watch-policies", false, "hot-reload policies from --policy-dir")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable the metrics endpoint")

	return cmd
}
