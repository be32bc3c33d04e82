package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
	"github.com/tomer-shavit/molthub-sub010/pkg/stores"
)

// ReconcileTrigger is how the manifest engine hands converged-state work to
// the reconciliation loop. Enqueue must not block; the engine calls it after
// the durable write commits.
type ReconcileTrigger interface {
	Enqueue(instanceID string)
}

// CreateRequest carries the inputs for creating a new manifest version.
type CreateRequest struct {
	InstanceID  string
	Content     []byte
	Description string
	Actor       string
}

// ValidationResult is the outcome of validating a manifest document without
// persisting anything.
type ValidationResult struct {
	// Document is the decoded document, nil if decoding failed.
	Document *fleet.ManifestDocument `json:"document,omitempty"`

	// Valid is true when the document decodes, passes schema validation,
	// and has no blocking policy violations.
	Valid bool `json:"valid"`

	// Violations holds all policy findings, blocking and advisory.
	Violations []fleet.PolicyViolation `json:"violations,omitempty"`
}

// Engine owns the manifest lifecycle: validation, versioned creation, and
// reconcile triggering. All writes go through the store's atomic
// manifest-create transaction so a version is never persisted without the
// instance re-point and audit record.
type Engine struct {
	store    stores.Store
	policies *PolicyEngine
	validate *validator.Validate
	trigger  ReconcileTrigger
	logger   zerolog.Logger
}

// NewEngine creates a manifest engine. The trigger may be nil during
// bootstrap and set later via SetTrigger, before the first Create.
func NewEngine(store stores.Store, policies *PolicyEngine, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		policies: policies,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "manifest-engine").Logger(),
	}
}

// SetTrigger wires the reconcile trigger. Split from the constructor because
// the reconcile engine is constructed after the manifest engine.
func (e *Engine) SetTrigger(trigger ReconcileTrigger) {
	e.trigger = trigger
}

// Validate decodes and validates manifest content without persisting it.
// Undecodable content is an error; schema failures and policy findings both
// come back as violations so callers get one uniform report.
func (e *Engine) Validate(ctx context.Context, content []byte) (*ValidationResult, error) {
	doc, err := DecodeDocument(content)
	if err != nil {
		return nil, err
	}

	var violations []fleet.PolicyViolation
	if err := e.validate.Struct(doc); err != nil {
		violations = append(violations, schemaViolations(err)...)
	}

	policyViolations, err := e.policies.Evaluate(ctx, doc)
	if err != nil {
		return nil, fleet.NewInternal("policy evaluation failed", err)
	}
	violations = append(violations, policyViolations...)

	return &ValidationResult{
		Document:   doc,
		Valid:      !fleet.HasBlocking(violations),
		Violations: violations,
	}, nil
}

// schemaViolations converts validator failures into blocking violations.
func schemaViolations(err error) []fleet.PolicyViolation {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []fleet.PolicyViolation{{
			Code:     "schema",
			Message:  err.Error(),
			Severity: fleet.SeverityError,
		}}
	}

	violations := make([]fleet.PolicyViolation, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, fleet.PolicyViolation{
			Code:     "schema",
			Message:  fmt.Sprintf("field %s failed validation on the '%s' rule", fe.Namespace(), fe.Tag()),
			Severity: fleet.SeverityError,
		})
	}
	return violations
}

// Create validates the content and, if no blocking violations exist, persists
// a new manifest version, re-points the instance at it, moves the instance to
// its next transitional status, and appends an audit record, all in one
// transaction. On success a reconcile is enqueued for the instance.
//
// Warnings never block; they are returned alongside the created version.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*fleet.ManifestVersion, []fleet.PolicyViolation, error) {
	inst, err := e.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, nil, err
	}

	result, err := e.Validate(ctx, req.Content)
	if err != nil {
		return nil, nil, err
	}
	if !result.Valid {
		return nil, result.Violations, fleet.NewPolicyRejected(result.Violations).WithInstance(req.InstanceID)
	}

	canonical, err := json.Marshal(result.Document)
	if err != nil {
		return nil, nil, fleet.NewInternal("failed to canonicalize manifest content", err)
	}

	nextStatus := nextReconcileStatus(inst)
	version, err := e.store.CreateManifestVersion(ctx, stores.CreateManifestParams{
		InstanceID:  req.InstanceID,
		Content:     canonical,
		Description: req.Description,
		CreatedBy:   req.Actor,
		NextStatus:  nextStatus,
		Audit: stores.AuditEvent{
			Actor:        req.Actor,
			Action:       "manifest.created",
			ResourceType: "manifest_version",
			ResourceID:   req.InstanceID,
			WorkspaceID:  inst.WorkspaceID,
			DiffSummary:  req.Description,
			Timestamp:    time.Now().UTC(),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info().
		Str("instance_id", req.InstanceID).
		Int("version", version.Version).
		Str("next_status", string(nextStatus)).
		Str("actor", req.Actor).
		Msg("Manifest version created")

	if e.trigger != nil {
		e.trigger.Enqueue(req.InstanceID)
	}

	return version, result.Violations, nil
}

// GetLatest returns the newest manifest version for an instance.
func (e *Engine) GetLatest(ctx context.Context, instanceID string) (*fleet.ManifestVersion, error) {
	return e.store.GetLatestManifestVersion(ctx, instanceID)
}

// Get returns a manifest version by its record ID.
func (e *Engine) Get(ctx context.Context, versionID string) (*fleet.ManifestVersion, error) {
	return e.store.GetManifestVersion(ctx, versionID)
}

// List returns all versions for an instance, newest first.
func (e *Engine) List(ctx context.Context, instanceID string) ([]*fleet.ManifestVersion, error) {
	return e.store.ListManifestVersions(ctx, instanceID)
}

// TriggerReconcile requests a reconcile of the instance's current desired
// manifest without creating a new version. Instances with no desired manifest
// are rejected with INVALID_STATE and their status is left untouched.
func (e *Engine) TriggerReconcile(ctx context.Context, instanceID, actor string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.DesiredManifestID == nil {
		return fleet.NewInvalidState("instance has no desired manifest to reconcile").WithInstance(instanceID)
	}

	inst.Status = nextReconcileStatus(inst)
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	if err := e.store.AppendAuditEvent(ctx, &stores.AuditEvent{
		Actor:        actor,
		Action:       "instance.reconcile_triggered",
		ResourceType: "instance",
		ResourceID:   instanceID,
		WorkspaceID:  inst.WorkspaceID,
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	e.logger.Info().
		Str("instance_id", instanceID).
		Str("status", string(inst.Status)).
		Str("actor", actor).
		Msg("Reconcile triggered")

	if e.trigger != nil {
		e.trigger.Enqueue(instanceID)
	}
	return nil
}

// nextReconcileStatus picks the transitional status for a reconcile: CREATING
// until the first successful reconcile stamps a config fingerprint,
// RECONCILING after that.
func nextReconcileStatus(inst *fleet.Instance) fleet.InstanceStatus {
	if inst.ConfigFingerprint == "" {
		return fleet.StatusCreating
	}
	return fleet.StatusReconciling
}

// DecodeDocument parses manifest content into a ManifestDocument. JSON input
// is decoded strictly (unknown fields rejected); anything else is treated as
// YAML and round-tripped through JSON so the same strictness applies.
func DecodeDocument(content []byte) (*fleet.ManifestDocument, error) {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fleet.NewInternal("manifest content is empty", nil)
	}

	raw := content
	if trimmed[0] != '{' {
		var tree map[string]interface{}
		if err := yaml.Unmarshal(content, &tree); err != nil {
			return nil, fleet.NewInternal("manifest is not valid YAML or JSON", err)
		}
		converted, err := json.Marshal(tree)
		if err != nil {
			return nil, fleet.NewInternal("failed to convert manifest to JSON", err)
		}
		raw = converted
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc fleet.ManifestDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fleet.NewInternal(fmt.Sprintf("manifest does not match the expected schema: %v", err), err)
	}
	return &doc, nil
}
