// Package preprocess transforms a validated manifest document into the
// effective configuration handed to deployment adapters. Steps are pure
// document transforms, ordered by priority and isolated from each other: a
// failing step is skipped without poisoning the documents produced by the
// steps before it.
package preprocess

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Step is one manifest transform. Apply mutates the working copy in place.
// Steps must be idempotent: applying a step to its own output changes
// nothing.
type Step interface {
	// Name identifies the step in logs and results.
	Name() string

	// Priority orders execution; lower runs first. Ties break by name.
	Priority() int

	// Apply mutates the document. Returning an error discards every
	// change the step made.
	Apply(ctx context.Context, doc *fleet.ManifestDocument) error
}

// StepResult records the outcome of one step in a pipeline run.
type StepResult struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Pipeline runs registered steps over a manifest document. The input
// document is never mutated; Run returns a new effective document.
type Pipeline struct {
	mu     sync.RWMutex
	steps  []Step
	logger zerolog.Logger
}

// NewPipeline creates a pipeline preloaded with the default steps.
func NewPipeline(logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		logger: logger.With().Str("component", "preprocess").Logger(),
	}
	for _, step := range DefaultSteps() {
		p.Register(step)
	}
	return p
}

// Register adds a step, replacing any existing step with the same name.
func (p *Pipeline) Register(step Step) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.steps {
		if existing.Name() == step.Name() {
			p.steps[i] = step
			return
		}
	}
	p.steps = append(p.steps, step)
}

// Steps returns the registered steps in execution order.
func (p *Pipeline) Steps() []Step {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := append([]Step(nil), p.steps...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Run applies every step in priority order to a copy of the document and
// returns the effective result. A step that errors or panics is skipped and
// the document is rolled back to the state before that step; the run
// continues with the remaining steps.
func (p *Pipeline) Run(ctx context.Context, doc *fleet.ManifestDocument) (*fleet.ManifestDocument, []StepResult) {
	work := doc.Clone()
	steps := p.Steps()
	results := make([]StepResult, 0, len(steps))

	for _, step := range steps {
		snapshot := work.Clone()
		err := p.applyStep(ctx, step, work)
		if err != nil {
			work = snapshot
			p.logger.Warn().Err(err).Str("step", step.Name()).Msg("Preprocess step skipped")
			results = append(results, StepResult{Name: step.Name(), Error: err.Error()})
			continue
		}
		results = append(results, StepResult{Name: step.Name(), Applied: true})
	}

	return work, results
}

// applyStep runs a single step with panic recovery.
func (p *Pipeline) applyStep(ctx context.Context, step Step, doc *fleet.ManifestDocument) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step.Apply(ctx, doc)
}
