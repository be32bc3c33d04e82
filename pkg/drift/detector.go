// Package drift compares the live configuration of running agents against
// the fingerprint recorded at their last successful reconcile. It reports,
// it never repairs: acting on drift is the scheduler's decision.
package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/gateway"
	"github.com/tomer-shavit/molthub-sub010/pkg/stores"
	"github.com/tomer-shavit/molthub-sub010/pkg/telemetry"
)

// ConfigReader is the slice of the gateway client the detector needs: a way
// to read the live configuration hash and hang up afterwards. *gateway.Client
// satisfies it.
type ConfigReader interface {
	ConfigGet(ctx context.Context) (*gateway.ConfigGetResult, error)
	Close() error
}

// ReaderFactory opens a gateway connection for one instance. The detector
// closes the reader when the check completes.
type ReaderFactory func(ctx context.Context, inst *fleet.Instance) (ConfigReader, error)

// Config tunes a sweep.
type Config struct {
	// Concurrency bounds the number of simultaneous gateway round trips.
	Concurrency int

	// PerInstanceTimeout caps one instance's connect + config.get round trip
	// so a wedged agent cannot stall the sweep.
	PerInstanceTimeout time.Duration
}

// DefaultConfig returns the standard sweep tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:        8,
		PerInstanceTimeout: 15 * time.Second,
	}
}

// Result is the outcome of one instance's drift check.
type Result struct {
	InstanceID string

	// Assessed is false when the check could not be completed (connection or
	// protocol failure). An unassessed instance is never reported as drifted.
	Assessed bool

	HasDrift    bool
	LiveHash    string
	DesiredHash string

	// Err is the failure that prevented assessment, nil when Assessed.
	Err error
}

// Detector runs drift checks across the fleet.
type Detector struct {
	store   stores.Store
	factory ReaderFactory
	cfg     Config
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewDetector creates a detector. A nil metrics sink disables recording.
func NewDetector(store stores.Store, factory ReaderFactory, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Detector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.PerInstanceTimeout <= 0 {
		cfg.PerInstanceTimeout = DefaultConfig().PerInstanceTimeout
	}
	return &Detector{
		store:   store,
		factory: factory,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "drift-detector").Logger(),
	}
}

// Sweep checks every drift-eligible instance (RUNNING, DEGRADED) with bounded
// concurrency. One instance's failure never aborts the rest; results come
// back in no particular order.
func (d *Detector) Sweep(ctx context.Context) ([]Result, error) {
	instances, err := d.store.ListInstancesByStatus(ctx, []fleet.InstanceStatus{
		fleet.StatusRunning,
		fleet.StatusDegraded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list drift-eligible instances: %w", err)
	}
	if len(instances) == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	out := make(chan Result, len(instances))

	for _, inst := range instances {
		inst := inst
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			out <- d.checkOne(ctx, inst)
		}()
	}

	results := make([]Result, 0, len(instances))
	for range instances {
		res := <-out
		d.record(res)
		results = append(results, res)
	}
	return results, nil
}

// Check assesses a single instance, regardless of sweep scheduling.
func (d *Detector) Check(ctx context.Context, inst *fleet.Instance) Result {
	res := d.checkOne(ctx, inst)
	d.record(res)
	return res
}

func (d *Detector) checkOne(ctx context.Context, inst *fleet.Instance) (res Result) {
	res = Result{InstanceID: inst.ID, DesiredHash: inst.ConfigFingerprint}

	// A panicking gateway implementation counts as an unassessed check, not
	// a sweep abort.
	defer func() {
		if r := recover(); r != nil {
			res.Assessed = false
			res.HasDrift = false
			res.Err = fmt.Errorf("drift check panicked: %v", r)
			d.logger.Error().Str("instance_id", inst.ID).Interface("panic", r).Msg("Drift check panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.PerInstanceTimeout)
	defer cancel()

	reader, err := d.factory(ctx, inst)
	if err != nil {
		res.Err = err
		d.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Drift check could not connect, skipping assessment")
		return res
	}
	defer reader.Close()

	cfg, err := reader.ConfigGet(ctx)
	if err != nil {
		res.Err = err
		d.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Drift check failed to read live config, skipping assessment")
		return res
	}

	res.Assessed = true
	res.LiveHash = cfg.Hash
	res.HasDrift = cfg.Hash != inst.ConfigFingerprint

	if res.HasDrift {
		d.logger.Warn().
			Str("instance_id", inst.ID).
			Str("live_hash", res.LiveHash).
			Str("desired_hash", res.DesiredHash).
			Msg("Configuration drift detected")
	} else {
		d.logger.Debug().Str("instance_id", inst.ID).Msg("No drift")
	}
	return res
}

func (d *Detector) record(res Result) {
	if d.metrics == nil {
		return
	}
	switch {
	case !res.Assessed:
		d.metrics.RecordDriftCheck("unknown")
	case res.HasDrift:
		d.metrics.RecordDriftCheck("drift")
	default:
		d.metrics.RecordDriftCheck("clean")
	}
}
