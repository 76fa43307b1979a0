package model

import "fmt"

// RunStatus is the lifecycle state of a RunRecord.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusBlocked marks a run that collided with an already-active
	// run for the same session. Terminal at birth; never registered as
	// the session's active run.
	RunStatusBlocked RunStatus = "blocked"
)

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCancelling JobStatus = "cancelling"
)

// StepStatus is the per-step state inside a RunSpec execution.
type StepStatus string

const (
	StepStatusPending          StepStatus = "pending"
	StepStatusApprovalRequired StepStatus = "approval_required"
	StepStatusApproved         StepStatus = "approved"
	StepStatusRunning          StepStatus = "running"
	StepStatusCompleted        StepStatus = "completed"
	StepStatusFailed           StepStatus = "failed"
	StepStatusCancelled        StepStatus = "cancelled"
	StepStatusSkipped          StepStatus = "skipped"
)

// QueueMode selects the behavior when a session already has an active run.
type QueueMode string

const (
	// QueueModeSteer replies "session busy" immediately. Default.
	QueueModeSteer QueueMode = "steer"
	// QueueModeCollect queues the message for later delivery.
	QueueModeCollect QueueMode = "collect"
	// QueueModeFollowup queues the message as a followup turn.
	QueueModeFollowup QueueMode = "followup"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusCompleted: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
	RunStatusBlocked:   true,
}

var terminalJobStatuses = map[JobStatus]bool{
	JobStatusCompleted: true,
	JobStatusFailed:    true,
	JobStatusCancelled: true,
}

// Run transitions: running to terminal. Blocked runs are created terminal.
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusRunning: {
		RunStatusCompleted: true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
	},
}

// Job transitions: queued, running, then terminal; cancelling is a
// cooperative marker that resolves to cancelled once the worker yields.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
	},
	JobStatusRunning: {
		JobStatusQueued:     true, // released claim goes back to queued
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
		JobStatusCancelling: true,
		JobStatusCancelled:  true,
	},
	JobStatusCancelling: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	// retry reopens failed/cancelled to queued
	JobStatusFailed: {
		JobStatusQueued: true,
	},
	JobStatusCancelled: {
		JobStatusQueued: true,
	},
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func IsJobTerminal(s JobStatus) bool {
	return terminalJobStatuses[s]
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q to %q", from, to)
	}
	return nil
}

func ValidateJobTransition(from, to JobStatus) error {
	// Special case: retry reopens failed/cancelled jobs.
	if (from == JobStatusFailed || from == JobStatusCancelled) && to == JobStatusQueued {
		return nil
	}
	if IsJobTerminal(from) {
		return fmt.Errorf("cannot transition from terminal job status %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q to %q", from, to)
	}
	return nil
}

// ParseQueueMode normalizes a queue mode string, defaulting to steer.
func ParseQueueMode(s string) QueueMode {
	switch QueueMode(s) {
	case QueueModeCollect:
		return QueueModeCollect
	case QueueModeFollowup:
		return QueueModeFollowup
	default:
		return QueueModeSteer
	}
}
