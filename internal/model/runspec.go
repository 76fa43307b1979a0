package model

import (
	"fmt"
	"strings"
)

// StepType names the operations a RunSpec step may perform.
type StepType string

const (
	StepWebSearch      StepType = "web.search"
	StepDocCompose     StepType = "doc.compose"
	StepFileWrite      StepType = "file.write"
	StepSendAttachment StepType = "channel.send_attachment"
)

var knownStepTypes = map[StepType]bool{
	StepWebSearch:      true,
	StepDocCompose:     true,
	StepFileWrite:      true,
	StepSendAttachment: true,
}

// StepApproval declares that a step may not run unless its id appears
// in the caller-supplied approved set.
type StepApproval struct {
	Required   bool   `yaml:"required" json:"required"`
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// RunSpecStep is one ordered operation of a declarative workflow.
type RunSpecStep struct {
	ID       string            `yaml:"id" json:"id"`
	Type     StepType          `yaml:"type" json:"type"`
	Name     string            `yaml:"name,omitempty" json:"name,omitempty"`
	Input    map[string]string `yaml:"input,omitempty" json:"input,omitempty"`
	Approval *StepApproval     `yaml:"approval,omitempty" json:"approval,omitempty"`
}

// RunSpecV1 is a declarative ordered workflow. Steps execute strictly
// sequentially and are never reordered.
type RunSpecV1 struct {
	ID    string        `yaml:"id" json:"id"`
	Goal  string        `yaml:"goal" json:"goal"`
	Steps []RunSpecStep `yaml:"steps" json:"steps"`
}

// Validate checks structural invariants: non-empty id, at least one
// step, unique step ids, known step types. A RunSpec that fails here is
// rejected before anything runs.
func (s *RunSpecV1) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("run spec id is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("run spec %s has no steps", s.ID)
	}
	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("run spec %s: step %d has no id", s.ID, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("run spec %s: duplicate step id %q", s.ID, step.ID)
		}
		seen[step.ID] = true
		if !knownStepTypes[step.Type] {
			return fmt.Errorf("run spec %s: step %q has unknown type %q", s.ID, step.ID, step.Type)
		}
		if step.Approval != nil && step.Approval.Required && strings.TrimSpace(step.Approval.Capability) == "" {
			return fmt.Errorf("run spec %s: step %q requires approval but names no capability", s.ID, step.ID)
		}
	}
	return nil
}

// ApprovalGatedSteps returns, in order, the steps that declare a
// required approval.
func (s *RunSpecV1) ApprovalGatedSteps() []RunSpecStep {
	var gated []RunSpecStep
	for _, step := range s.Steps {
		if step.Approval != nil && step.Approval.Required {
			gated = append(gated, step)
		}
	}
	return gated
}
