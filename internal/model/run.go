package model

// Phase names for the turn pipeline, in execution order.
type Phase string

const (
	PhaseNormalize  Phase = "normalize"
	PhaseSession    Phase = "session"
	PhaseDirectives Phase = "directives"
	PhasePlan       Phase = "plan"
	PhasePolicy     Phase = "policy"
	PhaseRoute      Phase = "route"
	PhasePersist    Phase = "persist"
	PhaseDispatch   Phase = "dispatch"
)

// RunEventType classifies entries in a run's audit trail.
type RunEventType string

const (
	RunEventStarted   RunEventType = "started"
	RunEventPhase     RunEventType = "phase"
	RunEventQueued    RunEventType = "queued"
	RunEventProgress  RunEventType = "progress"
	RunEventToolEvent RunEventType = "tool_event"
	RunEventPartial   RunEventType = "partial"
	RunEventCompleted RunEventType = "completed"
	RunEventFailed    RunEventType = "failed"
	RunEventCancelled RunEventType = "cancelled"
	RunEventNote      RunEventType = "note"
)

// RunEvent is one append-only audit entry. Seq is strictly increasing
// within a run; the run-start event occupies seq 1.
type RunEvent struct {
	RunID     string         `yaml:"run_id"`
	Seq       int            `yaml:"seq"`
	Timestamp string         `yaml:"timestamp"`
	Type      RunEventType   `yaml:"type"`
	Phase     Phase          `yaml:"phase,omitempty"`
	Message   string         `yaml:"message,omitempty"`
	Payload   map[string]any `yaml:"payload,omitempty"`
}

// RunSnapshot captures the turn's inputs at run start so a retry with
// the same idempotency key replays against identical context.
type RunSnapshot struct {
	IdempotencyKey string            `yaml:"idempotency_key,omitempty"`
	PolicyMode     string            `yaml:"policy_mode,omitempty"`
	SkillsHash     string            `yaml:"skills_hash,omitempty"`
	Memory         map[string]string `yaml:"memory,omitempty"`
}

// RunRecord is one attempt to process a single inbound turn.
// Invariant: at most one non-terminal RunRecord per SessionKey, tracked
// by the ledger's active-by-session index.
type RunRecord struct {
	ID           string      `yaml:"id"`
	SessionKey   string      `yaml:"session_key"`
	QueueMode    QueueMode   `yaml:"queue_mode"`
	Status       RunStatus   `yaml:"status"`
	CurrentPhase Phase       `yaml:"current_phase,omitempty"`
	Snapshot     RunSnapshot `yaml:"snapshot"`
	// BlockedBy references the run that held the session slot when this
	// run was created blocked.
	BlockedBy string     `yaml:"blocked_by,omitempty"`
	Message   string     `yaml:"message,omitempty"`
	Events    []RunEvent `yaml:"events"`
	CreatedAt string     `yaml:"created_at"`
	UpdatedAt string     `yaml:"updated_at"`
	EndedAt   *string    `yaml:"ended_at,omitempty"`
}

// LastSeq returns the sequence number of the newest event, 0 if none.
func (r *RunRecord) LastSeq() int {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].Seq
}
