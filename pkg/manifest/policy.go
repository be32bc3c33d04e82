package manifest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Policy represents one validation rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity fleet.ViolationSeverity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// compiledPolicy is a policy with its parsed module.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// PolicyInput is the document shape passed to Rego evaluation.
type PolicyInput struct {
	// Manifest is the decoded manifest document under validation.
	Manifest *fleet.ManifestDocument `json:"manifest"`
}

// PolicyEngine evaluates manifest documents against the registered Rego
// policies. Evaluation is a pure function of the document: the engine
// touches no external state and the same content always yields the same
// violations.
type PolicyEngine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// NewPolicyEngine creates a policy engine preloaded with the built-in
// manifest policies.
func NewPolicyEngine(logger zerolog.Logger) (*PolicyEngine, error) {
	e := &PolicyEngine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		policy := p
		if err := e.compileAndStore(&policy); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", policy.Name, err)
		}
	}

	e.logger.Info().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate runs every enabled policy against the document and returns all
// violations, ordered by policy name for deterministic output.
func (e *PolicyEngine) Evaluate(ctx context.Context, doc *fleet.ManifestDocument) ([]fleet.PolicyViolation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	input := &PolicyInput{Manifest: doc}

	var all []fleet.PolicyViolation
	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		all = append(all, violations...)
	}

	return all, nil
}

// AddPolicy compiles and registers a policy, replacing any existing policy
// with the same name.
func (e *PolicyEngine) AddPolicy(policy *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStore(policy)
}

// RemovePolicy removes a policy by name. Removing an unknown policy is a
// no-op.
func (e *PolicyEngine) RemovePolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, name)
}

// ListPolicies returns all registered policies sorted by name.
func (e *PolicyEngine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// evaluatePolicy evaluates a single compiled policy.
func (e *PolicyEngine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]fleet.PolicyViolation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []fleet.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.toViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// toViolation converts a raw Rego deny result into a PolicyViolation.
func (e *PolicyEngine) toViolation(policy *Policy, result interface{}) fleet.PolicyViolation {
	violation := fleet.PolicyViolation{
		Code:     policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if code, ok := v["code"].(string); ok && code != "" {
			violation.Code = code
		}
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = fleet.ViolationSeverity(strings.ToUpper(sev))
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStore parses and stores a policy. Callers hold the lock.
func (e *PolicyEngine) compileAndStore(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "molthub.policies"
}
