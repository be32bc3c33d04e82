package preprocess

import (
	"context"
	"fmt"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

const (
	// DefaultHeartbeatSeconds is the gateway keepalive interval injected
	// when the manifest leaves it unset.
	DefaultHeartbeatSeconds = 30

	// DefaultResourceTier is assumed when the manifest declares no tier.
	DefaultResourceTier = "standard"

	// DelegationToolName is the tool granted to agents with delegation
	// targets.
	DelegationToolName = "agent_delegate"

	// TierEnvKey is the environment variable carrying the effective tier
	// to the deployed agent.
	TierEnvKey = "MOLTHUB_RESOURCE_TIER"
)

// DefaultSteps returns the standard transform set, in no particular order;
// the pipeline sorts by priority at run time.
func DefaultSteps() []Step {
	return []Step{
		&HeartbeatDefaults{},
		&DelegationTools{},
		&TierEnv{},
	}
}

// HeartbeatDefaults fills in the gateway keepalive interval when unset.
type HeartbeatDefaults struct{}

func (s *HeartbeatDefaults) Name() string  { return "heartbeat-defaults" }
func (s *HeartbeatDefaults) Priority() int { return 20 }

func (s *HeartbeatDefaults) Apply(ctx context.Context, doc *fleet.ManifestDocument) error {
	if doc.Gateway.HeartbeatSeconds < 0 {
		return fmt.Errorf("heartbeat_seconds must not be negative, got %d", doc.Gateway.HeartbeatSeconds)
	}
	if doc.Gateway.HeartbeatSeconds == 0 {
		doc.Gateway.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	return nil
}

// DelegationTools grants the delegation tool to agents that declare
// delegation targets. When the user wrote their own allow-list the grant
// merges into it; otherwise it lands in the additive list so an absent
// allow-list keeps meaning "default permissions".
type DelegationTools struct{}

func (s *DelegationTools) Name() string  { return "delegation-tools" }
func (s *DelegationTools) Priority() int { return 50 }

func (s *DelegationTools) Apply(ctx context.Context, doc *fleet.ManifestDocument) error {
	if len(doc.Delegation.Targets) == 0 {
		return nil
	}

	if len(doc.Tools.Allow) > 0 {
		doc.Tools.Allow = appendUnique(doc.Tools.Allow, DelegationToolName)
		return nil
	}
	doc.Tools.AdditiveAllow = appendUnique(doc.Tools.AdditiveAllow, DelegationToolName)
	return nil
}

// TierEnv resolves the effective resource tier and exposes it to the agent
// through the environment.
type TierEnv struct{}

func (s *TierEnv) Name() string  { return "tier-env" }
func (s *TierEnv) Priority() int { return 80 }

func (s *TierEnv) Apply(ctx context.Context, doc *fleet.ManifestDocument) error {
	if doc.Resources.Tier == "" {
		doc.Resources.Tier = DefaultResourceTier
	}
	if doc.Env == nil {
		doc.Env = make(map[string]string, 1)
	}
	doc.Env[TierEnvKey] = doc.Resources.Tier
	return nil
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
