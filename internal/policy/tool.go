// Package policy holds the pure decision functions gating
// side-effecting tools: the capability approval policy and the static
// sandbox command rules. Neither owns any mutable state.
package policy

import (
	"fmt"

	"switchboard/internal/model"
)

// ApprovalMode selects how aggressively approvals are demanded.
type ApprovalMode string

const (
	// ApprovalModeStrict requires approval for every side-effecting or
	// privileged capability.
	ApprovalModeStrict ApprovalMode = "strict"
	// ApprovalModeBalanced requires approval only for file writes.
	ApprovalModeBalanced ApprovalMode = "balanced"
	// ApprovalModeRelaxed requires approval only when the global
	// approval default and the capability's own flag are both set.
	ApprovalModeRelaxed ApprovalMode = "relaxed"
)

// FileWriteLifetime controls how long a granted file-write approval
// suppresses further prompts.
type FileWriteLifetime string

const (
	// LifetimeAlways never re-prompts once the capability is enabled.
	LifetimeAlways FileWriteLifetime = "always"
	// LifetimeSession prompts once per lease key, then suppresses until
	// the lease is revoked.
	LifetimeSession FileWriteLifetime = "session"
	// LifetimePerAction prompts every time.
	LifetimePerAction FileWriteLifetime = "per_action"
)

// Input carries everything Evaluate needs. Lease state is supplied by
// the caller; the engine does not track it.
type Input struct {
	Mode              ApprovalMode
	ApprovalDefault   bool
	FileWriteLifetime FileWriteLifetime
	Capabilities      map[string]model.CapabilityConfig
	// HasLease reports whether the calling session holds an approval
	// lease for the capability under evaluation.
	HasLease bool
}

// Decision is the derived, never-stored verdict for one tool call.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	Reason           string
	Capability       model.CapabilityConfig
}

// InputFromConfig builds an Input from the static policy config;
// HasLease is layered on by the caller per invocation.
func InputFromConfig(cfg model.PolicyConfig) Input {
	return Input{
		Mode:              ParseApprovalMode(cfg.ApprovalMode),
		ApprovalDefault:   cfg.ApprovalDefault,
		FileWriteLifetime: ParseFileWriteLifetime(cfg.FileWriteLifetime),
		Capabilities:      cfg.Capabilities,
	}
}

func ParseApprovalMode(s string) ApprovalMode {
	switch ApprovalMode(s) {
	case ApprovalModeStrict:
		return ApprovalModeStrict
	case ApprovalModeRelaxed:
		return ApprovalModeRelaxed
	default:
		return ApprovalModeBalanced
	}
}

func ParseFileWriteLifetime(s string) FileWriteLifetime {
	switch FileWriteLifetime(s) {
	case LifetimeAlways:
		return LifetimeAlways
	case LifetimePerAction:
		return LifetimePerAction
	default:
		return LifetimeSession
	}
}

// Evaluate decides whether a capability may run and whether it needs a
// fresh human approval first. Pure: identical inputs always yield
// identical decisions, and it never panics.
func Evaluate(toolID string, in Input) Decision {
	cap, known := in.Capabilities[toolID]
	if !known {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("unknown capability %q", toolID),
		}
	}
	if !cap.Enabled {
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("capability %q is disabled", toolID),
			Capability: cap,
		}
	}

	needsApproval := false
	reason := "allowed"

	switch in.Mode {
	case ApprovalModeStrict:
		if cap.SideEffecting || cap.Privileged {
			needsApproval = true
			reason = "strict mode requires approval for side-effecting capabilities"
		}
	case ApprovalModeBalanced:
		if toolID == model.CapabilityFileWrite {
			needsApproval = true
			reason = "balanced mode requires approval for file writes"
		}
	case ApprovalModeRelaxed:
		if in.ApprovalDefault && cap.RequireApproval {
			needsApproval = true
			reason = "capability requires approval"
		}
	}

	// File-write lifetimes refine the verdict: an "always" grant never
	// re-prompts, a "session" grant is satisfied by a held lease, and
	// "per_action" prompts regardless of lease state.
	if needsApproval && toolID == model.CapabilityFileWrite {
		switch in.FileWriteLifetime {
		case LifetimeAlways:
			needsApproval = false
			reason = "file-write approval lifetime is always"
		case LifetimeSession:
			if in.HasLease {
				needsApproval = false
				reason = "file-write approval held by session lease"
			}
		case LifetimePerAction:
			// prompt every time
		}
	} else if needsApproval && in.HasLease {
		needsApproval = false
		reason = "approval held by session lease"
	}

	return Decision{
		Allowed:          true,
		RequiresApproval: needsApproval,
		Reason:           reason,
		Capability:       cap,
	}
}
