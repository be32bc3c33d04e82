package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/drift"
	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/stores"
	"github.com/tomer-shavit/molthub-sub010/pkg/telemetry"
)

// SchedulerConfig tunes the periodic sweeps.
type SchedulerConfig struct {
	// DriftInterval is how often the drift sweep runs.
	DriftInterval time.Duration

	// StuckInterval is how often the stuck-instance sweep runs.
	StuckInterval time.Duration

	// StuckThreshold is how long an instance may sit in a transitional state
	// (CREATING, RECONCILING, DELETING) before it is forced to ERROR.
	StuckThreshold time.Duration

	// AutoReconcile enqueues a reconcile for every drifted instance. Off by
	// default: drift is reported, operators decide.
	AutoReconcile bool
}

// DefaultSchedulerConfig returns the standard sweep cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DriftInterval:  5 * time.Minute,
		StuckInterval:  time.Minute,
		StuckThreshold: 10 * time.Minute,
	}
}

// Scheduler owns the two periodic jobs: the drift sweep and the
// stuck-instance sweep. Each runs on its own ticker; a slow drift sweep
// never delays stuck detection.
type Scheduler struct {
	cfg      SchedulerConfig
	store    stores.Store
	detector *drift.Detector
	engine   *Engine
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler. metrics and tracer may be nil.
func NewScheduler(cfg SchedulerConfig, store stores.Store, detector *drift.Detector, engine *Engine, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.DriftInterval <= 0 {
		cfg.DriftInterval = def.DriftInterval
	}
	if cfg.StuckInterval <= 0 {
		cfg.StuckInterval = def.StuckInterval
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		detector: detector,
		engine:   engine,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches both sweep loops. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, s.cfg.DriftInterval, "drift", s.runDriftSweep)
	go s.loop(ctx, s.cfg.StuckInterval, "stuck", s.runStuckSweep)
	s.logger.Info().
		Dur("drift_interval", s.cfg.DriftInterval).
		Dur("stuck_interval", s.cfg.StuckInterval).
		Bool("auto_reconcile", s.cfg.AutoReconcile).
		Msg("Scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				s.logger.Error().Err(err).Str("sweep", name).Msg("Sweep failed")
			}
		}
	}
}

// runDriftSweep checks the fleet for drift and, when auto-reconcile is on,
// enqueues a reconcile per drifted instance. Failures are isolated per
// instance inside the detector.
func (s *Scheduler) runDriftSweep(ctx context.Context) error {
	if s.tracer != nil {
		spanCtx, span := s.tracer.StartDriftSweepSpan(ctx)
		ctx = spanCtx
		defer span.End()
	}

	results, err := s.detector.Sweep(ctx)
	if err != nil {
		return err
	}

	var drifted, unknown int
	for _, res := range results {
		if !res.Assessed {
			unknown++
			continue
		}
		if !res.HasDrift {
			continue
		}
		drifted++
		if s.cfg.AutoReconcile {
			s.engine.Enqueue(res.InstanceID)
		}
	}

	s.logger.Info().
		Int("checked", len(results)).
		Int("drifted", drifted).
		Int("unassessed", unknown).
		Msg("Drift sweep finished")

	s.updateInstanceGauges(ctx)
	return nil
}

// runStuckSweep forces instances wedged in a transitional state past the
// liveness threshold into ERROR, and re-enqueues the rest of the
// transitional fleet so declared intent left behind by a dead process still
// converges. The stale query only matches transitional states, so an
// instance already moved to ERROR is never transitioned twice.
func (s *Scheduler) runStuckSweep(ctx context.Context) error {
	transitional := []fleet.InstanceStatus{
		fleet.StatusCreating,
		fleet.StatusReconciling,
		fleet.StatusDeleting,
	}

	cutoff := time.Now().UTC().Add(-s.cfg.StuckThreshold)
	stale, err := s.store.ListStaleInstances(ctx, transitional, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale instances: %w", err)
	}

	for _, inst := range stale {
		cause := fleet.NewStuckTimeout(fmt.Sprintf("stuck in %s for over %s", inst.Status, s.cfg.StuckThreshold))
		priorStatus := inst.Status

		inst.Status = fleet.StatusError
		inst.LastError = &fleet.InstanceError{
			Message:    cause.Error(),
			OccurredAt: time.Now().UTC(),
		}
		inst.ErrorCount++

		if err := s.store.UpdateInstance(ctx, inst); err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to mark instance stuck")
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordStuckTransition()
		}
		s.audit(ctx, inst, "instance.stuck", fmt.Sprintf("forced %s -> ERROR after %s", priorStatus, s.cfg.StuckThreshold))
		s.logger.Warn().
			Str("instance_id", inst.ID).
			Str("prior_status", string(priorStatus)).
			Time("updated_at", inst.UpdatedAt).
			Msg("Instance stuck in transitional state, moved to ERROR")
	}

	if s.engine == nil {
		return nil
	}

	// Resume: anything still transitional either has a reconcile in flight
	// (the per-instance lock rejects the duplicate) or was left behind by a
	// process that died mid-flight.
	staleIDs := make(map[string]struct{}, len(stale))
	for _, inst := range stale {
		staleIDs[inst.ID] = struct{}{}
	}
	pending, err := s.store.ListInstancesByStatus(ctx, transitional)
	if err != nil {
		return fmt.Errorf("failed to list transitional instances: %w", err)
	}
	for _, inst := range pending {
		if _, wasStale := staleIDs[inst.ID]; wasStale || inst.Status == fleet.StatusDeleting {
			continue
		}
		s.engine.Enqueue(inst.ID)
	}
	return nil
}

// updateInstanceGauges refreshes the per-status instance counts.
func (s *Scheduler) updateInstanceGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	statuses := []fleet.InstanceStatus{
		fleet.StatusPending, fleet.StatusCreating, fleet.StatusRunning,
		fleet.StatusReconciling, fleet.StatusDegraded, fleet.StatusStopped,
		fleet.StatusDeleting, fleet.StatusError, fleet.StatusPaused,
	}
	instances, err := s.store.ListInstancesByStatus(ctx, statuses)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to refresh instance gauges")
		return
	}

	counts := make(map[fleet.InstanceStatus]float64, len(statuses))
	for _, inst := range instances {
		counts[inst.Status]++
	}
	for _, status := range statuses {
		s.metrics.SetInstanceCount(status, counts[status])
	}
}

func (s *Scheduler) audit(ctx context.Context, inst *fleet.Instance, action, summary string) {
	event := &stores.AuditEvent{
		Actor:        "system",
		Action:       action,
		ResourceType: "instance",
		ResourceID:   inst.ID,
		WorkspaceID:  inst.WorkspaceID,
		DiffSummary:  summary,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.store.AppendAuditEvent(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to append audit event")
	}
}
