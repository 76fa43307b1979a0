package model

import (
	"testing"
)

func TestGenerateID(t *testing.T) {
	types := []IDType{IDTypeRun, IDTypeJob, IDTypeApproval, IDTypeMessage, IDTypeNotice}
	prefixes := []string{"run", "job", "apr", "msg", "ntc"}

	for i, idType := range types {
		t.Run(string(idType), func(t *testing.T) {
			id, err := GenerateID(idType)
			if err != nil {
				t.Fatalf("GenerateID(%s) returned error: %v", idType, err)
			}
			if !ValidateID(id) {
				t.Errorf("generated ID %q does not match regex", id)
			}
			if id[:len(prefixes[i])] != prefixes[i] {
				t.Errorf("expected prefix %q, got %q", prefixes[i], id[:len(prefixes[i])])
			}
		})
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	_, err := GenerateID("invalid")
	if err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeRun)
		if err != nil {
			t.Fatalf("GenerateID returned error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestRunTransitions(t *testing.T) {
	if err := ValidateRunTransition(RunStatusRunning, RunStatusCompleted); err != nil {
		t.Errorf("running to completed should be valid: %v", err)
	}
	if err := ValidateRunTransition(RunStatusRunning, RunStatusFailed); err != nil {
		t.Errorf("running to failed should be valid: %v", err)
	}
	if err := ValidateRunTransition(RunStatusCompleted, RunStatusRunning); err == nil {
		t.Error("completed to running should be invalid")
	}
	if err := ValidateRunTransition(RunStatusBlocked, RunStatusCompleted); err == nil {
		t.Error("blocked is terminal; any transition out should be invalid")
	}
}

func TestIsRunTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusBlocked}
	for _, s := range terminal {
		if !IsRunTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	if IsRunTerminal(RunStatusRunning) {
		t.Error("running should not be terminal")
	}
}

func TestJobTransitions(t *testing.T) {
	if err := ValidateJobTransition(JobStatusQueued, JobStatusRunning); err != nil {
		t.Errorf("queued to running should be valid: %v", err)
	}
	if err := ValidateJobTransition(JobStatusRunning, JobStatusQueued); err != nil {
		t.Errorf("running to queued (claim release) should be valid: %v", err)
	}
	if err := ValidateJobTransition(JobStatusFailed, JobStatusQueued); err != nil {
		t.Errorf("failed to queued (retry) should be valid: %v", err)
	}
	if err := ValidateJobTransition(JobStatusCancelled, JobStatusQueued); err != nil {
		t.Errorf("cancelled to queued (retry) should be valid: %v", err)
	}
	if err := ValidateJobTransition(JobStatusCompleted, JobStatusQueued); err == nil {
		t.Error("completed to queued should be invalid")
	}
	if err := ValidateJobTransition(JobStatusQueued, JobStatusCompleted); err == nil {
		t.Error("queued to completed should be invalid")
	}
}

func TestParseQueueMode(t *testing.T) {
	if got := ParseQueueMode("collect"); got != QueueModeCollect {
		t.Errorf("expected collect, got %s", got)
	}
	if got := ParseQueueMode("followup"); got != QueueModeFollowup {
		t.Errorf("expected followup, got %s", got)
	}
	if got := ParseQueueMode(""); got != QueueModeSteer {
		t.Errorf("empty mode should default to steer, got %s", got)
	}
	if got := ParseQueueMode("bogus"); got != QueueModeSteer {
		t.Errorf("unknown mode should default to steer, got %s", got)
	}
}

func TestRunSpecValidate(t *testing.T) {
	spec := RunSpecV1{
		ID:   "spec-1",
		Goal: "research and send",
		Steps: []RunSpecStep{
			{ID: "search", Type: StepWebSearch, Input: map[string]string{"query": "go release notes"}},
			{ID: "compose", Type: StepDocCompose},
			{ID: "write", Type: StepFileWrite, Approval: &StepApproval{Required: true, Capability: CapabilityFileWrite}},
			{ID: "send", Type: StepSendAttachment},
		},
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	gated := spec.ApprovalGatedSteps()
	if len(gated) != 1 || gated[0].ID != "write" {
		t.Errorf("expected one gated step 'write', got %v", gated)
	}
}

func TestRunSpecValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec RunSpecV1
	}{
		{"empty id", RunSpecV1{Steps: []RunSpecStep{{ID: "a", Type: StepWebSearch}}}},
		{"no steps", RunSpecV1{ID: "x"}},
		{"duplicate step ids", RunSpecV1{ID: "x", Steps: []RunSpecStep{
			{ID: "a", Type: StepWebSearch}, {ID: "a", Type: StepDocCompose},
		}}},
		{"unknown step type", RunSpecV1{ID: "x", Steps: []RunSpecStep{
			{ID: "a", Type: StepType("shell.exec")},
		}}},
		{"approval without capability", RunSpecV1{ID: "x", Steps: []RunSpecStep{
			{ID: "a", Type: StepFileWrite, Approval: &StepApproval{Required: true}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("missing config should yield defaults: %v", err)
	}
	if cfg.Policy.ApprovalMode != "balanced" {
		t.Errorf("expected default approval mode balanced, got %s", cfg.Policy.ApprovalMode)
	}
	if cfg.Queue.LeaseSec != 300 {
		t.Errorf("expected default lease 300, got %d", cfg.Queue.LeaseSec)
	}
	if _, ok := cfg.Policy.Capabilities[CapabilityFileWrite]; !ok {
		t.Error("default capabilities should include file.write")
	}
}
