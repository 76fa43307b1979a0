// Package approval implements the pending-action gate: token-keyed
// approval records with latest-record resolution for bare yes/no
// replies, plus session-scoped capability leases.
package approval

import "switchboard/internal/model"

// ActionKind discriminates the typed approval payload variants.
type ActionKind string

const (
	// ActionRunSpec asks to run a workflow whose gated steps are not yet
	// all approved.
	ActionRunSpec ActionKind = "run_spec"
	// ActionSandboxOverride asks for a one-time lift of a sandbox block.
	ActionSandboxOverride ActionKind = "sandbox_override"
	// ActionCapability asks to grant a capability lease to the session.
	ActionCapability ActionKind = "capability"
)

// Action is the tagged union of approval payloads. Each variant is
// strongly typed; consumers switch on Kind.
type Action interface {
	Kind() ActionKind
}

// RunSpecAction carries the suspended workflow and the step ids whose
// approval is still outstanding.
type RunSpecAction struct {
	Spec            model.RunSpecV1
	PendingStepIDs  []string
	ApprovedStepIDs []string
	QueueMode       model.QueueMode
}

func (RunSpecAction) Kind() ActionKind { return ActionRunSpec }

// SandboxOverrideAction carries the blocked command and the rule that
// blocked it. Consuming it lifts the block exactly once.
type SandboxOverrideAction struct {
	Command string
	RuleID  string
}

func (SandboxOverrideAction) Kind() ActionKind { return ActionSandboxOverride }

// CapabilityAction names the capability a grant would lease to the
// session.
type CapabilityAction struct {
	Capability string
}

func (CapabilityAction) Kind() ActionKind { return ActionCapability }
