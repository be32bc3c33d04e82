package manifest

import (
	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// BuiltinPolicies returns the policy set every deployment starts with.
// Additional .rego files can be loaded on top via the Loader.
func BuiltinPolicies() []Policy {
	return []Policy{
		instanceNamingPolicy(),
		channelConfigPolicy(),
		toolPermissionsPolicy(),
		modelCatalogPolicy(),
		resourceTierPolicy(),
	}
}

// instanceNamingPolicy enforces agent naming conventions.
func instanceNamingPolicy() Policy {
	return Policy{
		Name:        "instance-naming",
		Description: "Enforces agent naming conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    fleet.SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package molthub.policies.naming

import rego.v1

deny contains violation if {
	name := input.manifest.name
	lower(name) != name
	violation := {
		"code": "instance-naming",
		"message": sprintf("Agent name '%s' must be lowercase", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.manifest.name
	not regex.match("^[a-z0-9-]+$", name)
	violation := {
		"code": "instance-naming",
		"message": sprintf("Agent name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.manifest.name
	regex.match("^-|-$", name)
	violation := {
		"code": "instance-naming",
		"message": sprintf("Agent name '%s' must not start or end with a hyphen", [name]),
		"severity": "error",
	}
}
`,
	}
}

// channelConfigPolicy validates declared chat channels.
func channelConfigPolicy() Policy {
	return Policy{
		Name:        "channel-config",
		Description: "Validates channel declarations (known type, secret key reference present)",
		Severity:    fleet.SeverityError,
		Enabled:     true,
		Tags:        []string{"channels"},
		Rego: `package molthub.policies.channels

import rego.v1

known_types := {"slack", "discord", "telegram"}

deny contains violation if {
	some channel in input.manifest.channels
	not known_types[channel.type]
	violation := {
		"code": "channel-unknown-type",
		"message": sprintf("Channel type '%s' is not supported", [channel.type]),
		"severity": "error",
	}
}

deny contains violation if {
	some channel in input.manifest.channels
	not channel.token_secret_key
	violation := {
		"code": "channel-missing-token",
		"message": sprintf("Channel '%s' must reference a token secret key", [channel.type]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.manifest.channels) > 8
	violation := {
		"code": "channel-limit",
		"message": "An instance may declare at most 8 channels",
		"severity": "error",
	}
}
`,
	}
}

// toolPermissionsPolicy guards the tool allow-lists.
func toolPermissionsPolicy() Policy {
	return Policy{
		Name:        "tool-permissions",
		Description: "Rejects wildcard tool grants and duplicate allow-list entries",
		Severity:    fleet.SeverityError,
		Enabled:     true,
		Tags:        []string{"tools", "security"},
		Rego: `package molthub.policies.tools

import rego.v1

deny contains violation if {
	some tool in input.manifest.tools.allow
	tool == "*"
	violation := {
		"code": "tool-wildcard",
		"message": "Wildcard tool grants are not allowed; list tools explicitly",
		"severity": "error",
	}
}

deny contains violation if {
	allow := input.manifest.tools.allow
	count(allow) != count({t | some t in allow})
	violation := {
		"code": "tool-duplicate",
		"message": "Tool allow-list contains duplicate entries",
		"severity": "error",
	}
}
`,
	}
}

// modelCatalogPolicy warns on models outside the known catalog. Unknown
// models deploy fine; the warning is surfaced so operators catch typos.
func modelCatalogPolicy() Policy {
	return Policy{
		Name:        "model-catalog",
		Description: "Warns when the declared model is outside the known catalog",
		Severity:    fleet.SeverityWarning,
		Enabled:     true,
		Tags:        []string{"models"},
		Rego: `package molthub.policies.models

import rego.v1

known_prefixes := ["gpt-", "claude-", "gemini-", "llama-", "mistral-"]

deny contains violation if {
	model := input.manifest.model
	not known_model(model)
	violation := {
		"code": "model-unknown",
		"message": sprintf("Model '%s' is not in the known catalog; deployment will proceed", [model]),
		"severity": "warning",
	}
}

known_model(model) if {
	some prefix in known_prefixes
	startswith(model, prefix)
}
`,
	}
}

// resourceTierPolicy validates the declared resource tier name.
func resourceTierPolicy() Policy {
	return Policy{
		Name:        "resource-tier",
		Description: "Validates that a declared resource tier uses a known tier name",
		Severity:    fleet.SeverityError,
		Enabled:     true,
		Tags:        []string{"resources"},
		Rego: `package molthub.policies.resources

import rego.v1

known_tiers := {"starter", "standard", "performance"}

deny contains violation if {
	tier := input.manifest.resources.tier
	tier != ""
	not known_tiers[tier]
	violation := {
		"code": "resource-tier-unknown",
		"message": sprintf("Resource tier '%s' is not a known tier", [tier]),
		"severity": "error",
	}
}
`,
	}
}
