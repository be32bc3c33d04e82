// Package reconcile drives instances toward their desired manifest: it loads
// the declared intent, computes the effective configuration, and dispatches
// to the deployment adapter, recording the outcome either way. The scheduler
// in this package runs the periodic drift and stuck-instance sweeps.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/adapters"
	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/manifest"
	"github.com/tomer-shavit/molthub-sub010/pkg/preprocess"
	"github.com/tomer-shavit/molthub-sub010/pkg/secrets"
	"github.com/tomer-shavit/molthub-sub010/pkg/stores"
	"github.com/tomer-shavit/molthub-sub010/pkg/telemetry"
)

// Trigger labels who asked for a reconcile, for logs and metrics.
const (
	TriggerManifest  = "manifest"
	TriggerOperator  = "operator"
	TriggerDrift     = "drift"
	TriggerQueue     = "queue"
	TriggerScheduler = "scheduler"
)

// Config tunes the engine's async queue.
type Config struct {
	// Workers is the number of goroutines draining the queue.
	Workers int

	// QueueSize bounds the pending reconcile queue. Enqueue drops (with a
	// warning) when full rather than blocking the caller.
	QueueSize int

	// AdapterTimeout caps one adapter CreateOrUpdate call.
	AdapterTimeout time.Duration
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      256,
		AdapterTimeout: 2 * time.Minute,
	}
}

// Engine executes the reconcile procedure. It is the sole writer of instance
// Status, ConfigFingerprint, and error bookkeeping; per-instance leases keep
// two reconciles for the same id from ever overlapping.
type Engine struct {
	store    stores.Store
	pipeline *preprocess.Pipeline
	registry *adapters.Registry
	secrets  secrets.Store
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger

	cfg   Config
	locks *instanceLocks
	queue chan string
}

// NewEngine creates an engine. metrics and tracer may be nil.
func NewEngine(store stores.Store, pipeline *preprocess.Pipeline, registry *adapters.Registry, secretStore secrets.Store, cfg Config, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultConfig().AdapterTimeout
	}
	return &Engine{
		store:    store,
		pipeline: pipeline,
		registry: registry,
		secrets:  secretStore,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		cfg:      cfg,
		locks:    newInstanceLocks(),
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Enqueue schedules an async reconcile. It never blocks; when the queue is
// full the request is dropped and the periodic sweeps pick the instance up
// later. Enqueue satisfies manifest.ReconcileTrigger.
func (e *Engine) Enqueue(instanceID string) {
	select {
	case e.queue <- instanceID:
	default:
		e.logger.Warn().Str("instance_id", instanceID).Msg("Reconcile queue full, dropping request")
	}
}

var _ manifest.ReconcileTrigger = (*Engine)(nil)

// Start launches the queue workers. They stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		go e.worker(ctx)
	}
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("Reconcile workers started")
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case instanceID := <-e.queue:
			if err := e.Reconcile(ctx, instanceID, TriggerQueue); err != nil {
				if fleet.IsConflict(err) {
					// Another worker or an operator already holds the lease.
					continue
				}
				e.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Queued reconcile failed")
			}
		}
	}
}

// Reconcile runs the full procedure for one instance. Exactly one reconcile
// runs per instance at a time; a concurrent call returns CONFLICT without
// waiting. The returned error is also recorded on the instance (status ERROR,
// lastError, error count) unless the instance was rejected before any work
// started.
func (e *Engine) Reconcile(ctx context.Context, instanceID, trigger string) error {
	if !e.locks.TryAcquire(instanceID) {
		return fleet.NewConflict("reconcile already in progress", nil).WithInstance(instanceID)
	}
	defer e.locks.Release(instanceID)

	if e.metrics != nil {
		e.metrics.RecordReconcileStarted(trigger)
	}
	start := time.Now()

	err := e.reconcileLocked(ctx, instanceID, trigger)

	if e.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			e.metrics.RecordError(err)
		}
		e.metrics.RecordReconcileCompleted(outcome, time.Since(start))
	}
	return err
}

func (e *Engine) reconcileLocked(ctx context.Context, instanceID, trigger string) (err error) {
	logger := e.logger.With().Str("instance_id", instanceID).Str("trigger", trigger).Logger()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	// Administrative and terminal states are never reconciled by the loop.
	switch {
	case inst.Status == fleet.StatusPaused:
		return fleet.NewInvalidState("instance is paused").WithInstance(instanceID)
	case inst.Status.IsTerminal():
		return fleet.NewInvalidState(fmt.Sprintf("instance is %s", inst.Status)).WithInstance(instanceID)
	}
	if inst.DesiredManifestID == nil {
		return fleet.NewInvalidState("instance has no desired manifest").WithInstance(instanceID)
	}

	if e.tracer != nil {
		spanCtx, span := e.tracer.StartReconcileSpan(ctx, instanceID)
		ctx = spanCtx
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	// A panicking adapter is a failed reconcile, recorded like any other.
	defer func() {
		if r := recover(); r != nil {
			err = fleet.NewAdapterFailure(fmt.Sprintf("reconcile panicked: %v", r), nil).WithInstance(instanceID)
			e.recordFailure(ctx, inst, err, logger)
		}
	}()

	// Move into the transitional state before any slow work so a wedged
	// attempt is visible to the stuck-instance sweep.
	inst.Status = transitionalStatus(inst)
	if uerr := e.store.UpdateInstance(ctx, inst); uerr != nil {
		return uerr
	}
	logger.Info().Str("status", string(inst.Status)).Msg("Reconcile started")

	version, err := e.store.GetManifestVersion(ctx, *inst.DesiredManifestID)
	if err != nil {
		e.recordFailure(ctx, inst, err, logger)
		return err
	}

	doc, err := manifest.DecodeDocument(version.Content)
	if err != nil {
		e.recordFailure(ctx, inst, err, logger)
		return err
	}

	effective, stepResults := e.pipeline.Run(ctx, doc)
	for _, res := range stepResults {
		if res.Error != "" {
			logger.Warn().Str("step", res.Name).Str("error", res.Error).Msg("Preprocess step did not apply")
		}
	}

	creds, err := e.loadCredentials(ctx, inst)
	if err != nil {
		e.recordFailure(ctx, inst, err, logger)
		return err
	}

	adapter, err := e.registry.Negotiate(inst.DeploymentType, adapters.CreateRequest{
		InstanceID:  inst.ID,
		Name:        inst.Name,
		Config:      effective,
		Tier:        effective.Resources.Tier,
		Credentials: creds,
	})
	if err != nil {
		e.recordFailure(ctx, inst, err, logger)
		return err
	}

	adapterCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()

	ref, err := adapter.CreateOrUpdate(adapterCtx, adapters.CreateRequest{
		InstanceID:  inst.ID,
		Name:        inst.Name,
		Config:      effective,
		Tier:        effective.Resources.Tier,
		Credentials: creds,
	})
	if err != nil {
		e.recordFailure(ctx, inst, err, logger)
		return err
	}

	fingerprint, err := fleet.Fingerprint(effective)
	if err != nil {
		err = fleet.NewInternal("failed to fingerprint effective config", err).WithInstance(inst.ID)
		e.recordFailure(ctx, inst, err, logger)
		return err
	}

	now := time.Now().UTC()
	inst.Status = fleet.StatusRunning
	inst.ConfigFingerprint = fingerprint
	inst.DeploymentTargetID = ref.TargetID
	inst.LastReconcileAt = &now
	inst.LastError = nil
	if uerr := e.store.UpdateInstance(ctx, inst); uerr != nil {
		return uerr
	}

	e.audit(ctx, inst, "instance.reconciled", fmt.Sprintf("converged to manifest version %d", version.Version))
	logger.Info().
		Str("fingerprint", fingerprint).
		Str("target_id", ref.TargetID).
		Msg("Reconcile succeeded")
	return nil
}

// recordFailure moves the instance to ERROR and books the failure. The error
// count is a lifetime counter; nothing here ever decrements it.
func (e *Engine) recordFailure(ctx context.Context, inst *fleet.Instance, cause error, logger zerolog.Logger) {
	inst.Status = fleet.StatusError
	inst.LastError = &fleet.InstanceError{
		Message:    cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
	inst.ErrorCount++

	if uerr := e.store.UpdateInstance(ctx, inst); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to persist reconcile failure")
	}
	e.audit(ctx, inst, "instance.reconcile_failed", cause.Error())
	logger.Error().Err(cause).Int("error_count", inst.ErrorCount).Msg("Reconcile failed")
}

// loadCredentials fetches the secrets the adapter declares. Missing optional
// credentials are skipped; missing required ones are left absent so that
// capability negotiation produces the rejection.
func (e *Engine) loadCredentials(ctx context.Context, inst *fleet.Instance) (map[string]string, error) {
	adapter, err := e.registry.Get(inst.DeploymentType)
	if err != nil {
		return nil, err
	}

	reqs := adapter.Metadata().Credentials
	if len(reqs) == 0 {
		return nil, nil
	}

	creds := make(map[string]string, len(reqs))
	for _, req := range reqs {
		value, err := e.secrets.Get(ctx, inst.ID, req.Key)
		if err != nil {
			if fleet.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		creds[req.Key] = value
	}
	return creds, nil
}

func (e *Engine) audit(ctx context.Context, inst *fleet.Instance, action, summary string) {
	event := &stores.AuditEvent{
		Actor:        "system",
		Action:       action,
		ResourceType: "instance",
		ResourceID:   inst.ID,
		WorkspaceID:  inst.WorkspaceID,
		DiffSummary:  summary,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.store.AppendAuditEvent(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("instance_id", inst.ID).Str("action", action).Msg("Failed to append audit event")
	}
}

// transitionalStatus picks the in-progress state: CREATING for a first
// deploy, RECONCILING for an update to something already applied.
func transitionalStatus(inst *fleet.Instance) fleet.InstanceStatus {
	if inst.ConfigFingerprint == "" {
		return fleet.StatusCreating
	}
	return fleet.StatusReconciling
}
