package model

// JobType names the kinds of work the job queue carries.
type JobType string

const (
	// JobTypeRunSpec executes a declarative workflow via the step executor.
	JobTypeRunSpec JobType = "run_spec"
	// JobTypeFollowup re-delivers a message that arrived while its
	// session was busy (queue modes collect/followup).
	JobTypeFollowup JobType = "followup"
)

// JobPayload carries the job's typed inputs. Exactly one of Spec or
// Followup is set, matching Type.
type JobPayload struct {
	SessionKey      string     `yaml:"session_key"`
	Spec            *RunSpecV1 `yaml:"spec,omitempty"`
	ApprovedStepIDs []string   `yaml:"approved_step_ids,omitempty"`
	FollowupText    string     `yaml:"followup_text,omitempty"`
	ChannelSession  string     `yaml:"channel_session,omitempty"`
}

// Job is one durable queue entry. Lease fields follow the claim
// discipline: a claimed job is running under a lease owner until the
// lease expires or the worker reports a terminal status.
type Job struct {
	ID             string     `yaml:"id"`
	Type           JobType    `yaml:"type"`
	Payload        JobPayload `yaml:"payload"`
	Priority       int        `yaml:"priority"`
	Status         JobStatus  `yaml:"status"`
	Attempts       int        `yaml:"attempts"`
	LastError      *string    `yaml:"last_error,omitempty"`
	Result         *string    `yaml:"result,omitempty"`
	LeaseOwner     *string    `yaml:"lease_owner,omitempty"`
	LeaseExpiresAt *string    `yaml:"lease_expires_at,omitempty"`
	LeaseEpoch     int        `yaml:"lease_epoch"`
	CancelReason   *string    `yaml:"cancel_reason,omitempty"`
	CreatedAt      string     `yaml:"created_at"`
	UpdatedAt      string     `yaml:"updated_at"`
}

// JobQueueFile is the on-disk snapshot of the queue.
type JobQueueFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Jobs          []Job  `yaml:"jobs"`
}

const (
	JobQueueSchemaVersion = 1
	JobQueueFileType      = "job_queue"
)
