package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/drift"
	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/gateway"
)

// hashReader answers config.get with a fixed hash.
type hashReader struct{ hash string }

func (r *hashReader) ConfigGet(ctx context.Context) (*gateway.ConfigGetResult, error) {
	return &gateway.ConfigGetResult{Hash: r.hash}, nil
}
func (r *hashReader) Close() error { return nil }

func seedStatusInstance(t *testing.T, store *memStore, id string, status fleet.InstanceStatus, age time.Duration) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.instances[id] = &fleet.Instance{
		ID:        id,
		Name:      id,
		Status:    status,
		UpdatedAt: time.Now().UTC().Add(-age),
	}
}

func TestStuckSweepTransitionsWedgedInstances(t *testing.T) {
	store := newMemStore()
	seedStatusInstance(t, store, "inst-wedged-create", fleet.StatusCreating, 20*time.Minute)
	seedStatusInstance(t, store, "inst-wedged-delete", fleet.StatusDeleting, 30*time.Minute)
	seedStatusInstance(t, store, "inst-fresh", fleet.StatusReconciling, time.Minute)
	seedStatusInstance(t, store, "inst-running", fleet.StatusRunning, 2*time.Hour)

	sched := NewScheduler(SchedulerConfig{StuckThreshold: 10 * time.Minute}, store, nil, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	if err := sched.runStuckSweep(ctx); err != nil {
		t.Fatalf("runStuckSweep() error = %v", err)
	}

	for _, id := range []string{"inst-wedged-create", "inst-wedged-delete"} {
		inst, _ := store.GetInstance(ctx, id)
		if inst.Status != fleet.StatusError {
			t.Errorf("%s status = %s, want ERROR", id, inst.Status)
		}
		if inst.LastError == nil || !strings.Contains(inst.LastError.Message, "stuck in") {
			t.Errorf("%s lastError = %+v", id, inst.LastError)
		}
		if inst.ErrorCount != 1 {
			t.Errorf("%s errorCount = %d, want 1", id, inst.ErrorCount)
		}
	}

	if inst, _ := store.GetInstance(ctx, "inst-fresh"); inst.Status != fleet.StatusReconciling {
		t.Errorf("fresh instance status = %s, want untouched", inst.Status)
	}
	if inst, _ := store.GetInstance(ctx, "inst-running"); inst.Status != fleet.StatusRunning {
		t.Errorf("running instance status = %s, want untouched", inst.Status)
	}

	// A second sweep finds nothing: the wedged instances are now ERROR,
	// which the sweep does not match.
	if err := sched.runStuckSweep(ctx); err != nil {
		t.Fatalf("second runStuckSweep() error = %v", err)
	}
	inst, _ := store.GetInstance(ctx, "inst-wedged-create")
	if inst.ErrorCount != 1 {
		t.Errorf("errorCount after second sweep = %d, stuck transition ran twice", inst.ErrorCount)
	}

	actions := store.auditActions("inst-wedged-create")
	if len(actions) != 1 || actions[0] != "instance.stuck" {
		t.Errorf("audit actions = %v, want [instance.stuck]", actions)
	}
}

func TestStuckSweepResumesFreshTransitionalInstances(t *testing.T) {
	store := newMemStore()
	seedStatusInstance(t, store, "inst-orphaned", fleet.StatusCreating, 2*time.Minute)
	seedStatusInstance(t, store, "inst-wedged", fleet.StatusReconciling, 30*time.Minute)
	seedStatusInstance(t, store, "inst-deleting", fleet.StatusDeleting, time.Minute)
	seedStatusInstance(t, store, "inst-running", fleet.StatusRunning, time.Minute)

	engine := NewEngine(store, nil, nil, nil, Config{}, nil, nil, zerolog.Nop())
	sched := NewScheduler(SchedulerConfig{StuckThreshold: 10 * time.Minute}, store, nil, engine, nil, nil, zerolog.Nop())

	if err := sched.runStuckSweep(context.Background()); err != nil {
		t.Fatalf("runStuckSweep() error = %v", err)
	}

	// Only the fresh CREATING instance is re-enqueued: the wedged one went
	// to ERROR, DELETING is terminal, RUNNING is not transitional.
	if got := len(engine.queue); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
	if id := <-engine.queue; id != "inst-orphaned" {
		t.Errorf("queued instance = %s, want inst-orphaned", id)
	}
}

func TestDriftSweepAutoReconcileEnqueues(t *testing.T) {
	for _, auto := range []bool{true, false} {
		name := "auto-reconcile off"
		if auto {
			name = "auto-reconcile on"
		}
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			seedStatusInstance(t, store, "inst-drifted", fleet.StatusRunning, time.Minute)
			seedStatusInstance(t, store, "inst-clean", fleet.StatusRunning, time.Minute)
			store.mu.Lock()
			store.instances["inst-drifted"].ConfigFingerprint = "hash-old"
			store.instances["inst-clean"].ConfigFingerprint = "hash-live"
			store.mu.Unlock()

			factory := func(ctx context.Context, inst *fleet.Instance) (drift.ConfigReader, error) {
				return &hashReader{hash: "hash-live"}, nil
			}
			detector := drift.NewDetector(store, factory, drift.DefaultConfig(), nil, zerolog.Nop())

			engine := NewEngine(store, nil, nil, nil, Config{}, nil, nil, zerolog.Nop())
			sched := NewScheduler(SchedulerConfig{AutoReconcile: auto}, store, detector, engine, nil, nil, zerolog.Nop())

			if err := sched.runDriftSweep(context.Background()); err != nil {
				t.Fatalf("runDriftSweep() error = %v", err)
			}

			wantQueued := 0
			if auto {
				wantQueued = 1
			}
			if got := len(engine.queue); got != wantQueued {
				t.Fatalf("queued reconciles = %d, want %d", got, wantQueued)
			}
			if auto {
				if id := <-engine.queue; id != "inst-drifted" {
					t.Errorf("queued instance = %s, want inst-drifted", id)
				}
			}
		})
	}
}
