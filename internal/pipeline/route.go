package pipeline

import (
	"fmt"
	"strings"

	"switchboard/internal/approval"
	"switchboard/internal/events"
	"switchboard/internal/model"
	"switchboard/internal/policy"
)

// stepCapabilities maps each workflow step type to the capability the
// policy engine evaluates for it.
var stepCapabilities = map[model.StepType]string{
	model.StepWebSearch:      model.CapabilityWebSearch,
	model.StepFileWrite:      model.CapabilityFileWrite,
	model.StepSendAttachment: model.CapabilitySendFile,
}

// routeWorkflow is the policy and route phase for delegated turns:
// build the RunSpec, evaluate each step against the capability policy,
// walk the approval gates (held leases skip their gate), and either
// raise an approval request or enqueue the job.
func (p *Pipeline) routeWorkflow(sessionKey, runID string, mode model.QueueMode, text string, decision PlannerDecision) Response {
	spec := decision.Spec
	if spec == nil {
		built := p.buildRunSpec(runID, text, decision)
		spec = &built
	}
	if err := spec.Validate(); err != nil {
		p.logf("[WARN] runspec_invalid session=%s err=%v", sessionKey, err)
		return Response{Kind: ResponseError, Text: "I could not build a valid plan for that request."}
	}

	// policy: every step's capability must be enabled; gates not covered
	// by a held lease stay on the step.
	input := policy.InputFromConfig(p.cfg.Policy)
	var pendingIDs []string
	var approvedIDs []string
	for i := range spec.Steps {
		step := &spec.Steps[i]
		capName, gated := stepCapabilities[step.Type]
		if !gated {
			continue
		}
		input.HasLease = p.leases.Has(sessionKey, capName)
		verdict := policy.Evaluate(capName, input)
		if !verdict.Allowed {
			p.ledger.AppendEvent(runID, model.RunEventNote, "capability denied: "+capName, nil)
			return Response{
				Kind: ResponseReply,
				Text: fmt.Sprintf("I can't do that: %s.", verdict.Reason),
			}
		}
		if verdict.RequiresApproval {
			step.Approval = &model.StepApproval{Required: true, Capability: capName}
			pendingIDs = append(pendingIDs, step.ID)
		} else if step.Approval != nil && step.Approval.Required {
			// Gate already covered by a lease or lifetime: pre-approve.
			approvedIDs = append(approvedIDs, step.ID)
		}
	}

	p.ledger.TransitionPhase(runID, model.PhaseRoute)

	if len(pendingIDs) > 0 {
		record := p.gate.Create(sessionKey, approval.RunSpecAction{
			Spec:            *spec,
			PendingStepIDs:  pendingIDs,
			ApprovedStepIDs: approvedIDs,
			QueueMode:       mode,
		})
		p.ledger.AppendEvent(runID, model.RunEventNote, "approval requested", map[string]any{
			"token":         record.Token,
			"pending_steps": strings.Join(pendingIDs, ","),
		})
		p.emit(events.EventApprovalCreated, map[string]interface{}{
			"session_key": sessionKey,
			"run_id":      runID,
			"token":       record.Token,
		})
		return Response{
			Kind:          ResponseApprovalRequest,
			Text:          p.approvalRequestText(spec, pendingIDs, record.Token),
			ApprovalToken: record.Token,
		}
	}

	job, err := p.queue.CreateJob(model.JobTypeRunSpec, model.JobPayload{
		SessionKey:      sessionKey,
		Spec:            spec,
		ApprovedStepIDs: approvedIDs,
	}, 0)
	if err != nil {
		p.logf("[ERROR] job_enqueue_failed session=%s err=%v", sessionKey, err)
		return Response{Kind: ResponseError, Text: "I could not queue that work. Please try again."}
	}
	p.ledger.AppendEvent(runID, model.RunEventQueued, "workflow enqueued", map[string]any{"job_id": job.ID})
	p.emit(events.EventJobEnqueued, map[string]interface{}{
		"job_id":      job.ID,
		"session_key": sessionKey,
		"type":        string(model.JobTypeRunSpec),
	})
	return Response{
		Kind:  ResponseQueued,
		Text:  fmt.Sprintf("Working on it (job %s). I'll send the result when it's ready.", job.ID),
		JobID: job.ID,
	}
}

// buildRunSpec assembles the standard research workflow: search,
// compose, write, send. The send step is included only when the
// planner asked for an attachment delivery.
func (p *Pipeline) buildRunSpec(runID, text string, decision PlannerDecision) model.RunSpecV1 {
	spec := model.RunSpecV1{
		ID:   "workflow-" + runID,
		Goal: text,
		Steps: []model.RunSpecStep{
			{ID: "search", Type: model.StepWebSearch, Name: "Search the web",
				Input: map[string]string{"query": text}},
			{ID: "compose", Type: model.StepDocCompose, Name: "Compose the document",
				Input: map[string]string{"format": "markdown"}},
			{ID: "write", Type: model.StepFileWrite, Name: "Write the document",
				Input: map[string]string{"filename": "workflow-" + runID + ".md"}},
		},
	}
	if decision.SendAttachment {
		spec.Steps = append(spec.Steps, model.RunSpecStep{
			ID: "send", Type: model.StepSendAttachment, Name: "Send the document",
			Input: map[string]string{"caption": text},
		})
	}
	return spec
}

func (p *Pipeline) approvalRequestText(spec *model.RunSpecV1, pendingIDs []string, token string) string {
	pending := make(map[string]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		pending[id] = true
	}
	var caps []string
	for _, step := range spec.Steps {
		if pending[step.ID] && step.Approval != nil {
			caps = append(caps, step.Approval.Capability)
		}
	}
	return fmt.Sprintf(
		"This needs your approval before I continue: %s.\nReply \"yes\" to approve, \"no\" to cancel, or use /approve %s.",
		strings.Join(caps, ", "), token,
	)
}
