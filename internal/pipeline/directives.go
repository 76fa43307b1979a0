package pipeline

import (
	"context"
	"fmt"
	"strings"

	"switchboard/internal/approval"
	"switchboard/internal/events"
	"switchboard/internal/model"
)

// handleDirectives resolves the deterministic zero-cost paths before
// any planner call: paging, slash commands, implicit yes/no approval
// replies, and direct status queries, in that order. handled=false
// falls through to the plan phase.
func (p *Pipeline) handleDirectives(ctx context.Context, sessionKey, runID, text string) (Response, bool) {
	lower := strings.ToLower(text)

	// paging
	if lower == "more" {
		if page, ok := p.pager.Next(sessionKey); ok {
			return Response{Kind: ResponseReply, Text: page}, true
		}
		return Response{Kind: ResponseReply, Text: "Nothing more to show."}, true
	}

	// slash commands
	if strings.HasPrefix(text, "/") {
		return p.handleCommand(ctx, sessionKey, runID, text), true
	}

	// implicit yes/no against the latest pending approval
	switch lower {
	case "yes", "y", "approve", "ok":
		if record := p.gate.ConsumeLatest(sessionKey); record != nil {
			return p.applyApproval(sessionKey, runID, record), true
		}
	case "no", "n", "deny":
		if p.gate.DiscardLatest(sessionKey) {
			p.emit(events.EventApprovalResolved, map[string]interface{}{
				"session_key": sessionKey,
				"run_id":      runID,
				"granted":     false,
			})
			return Response{Kind: ResponseReply, Text: "Understood, I won't do that."}, true
		}
	}

	// direct status queries
	if lower == "status" {
		return Response{Kind: ResponseReply, Text: p.statusText(sessionKey)}, true
	}

	return Response{}, false
}

func (p *Pipeline) handleCommand(ctx context.Context, sessionKey, runID, text string) Response {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	args := fields[1:]

	switch command {
	case "/help":
		return Response{Kind: ResponseReply, Text: helpText}

	case "/status":
		return Response{Kind: ResponseReply, Text: p.statusText(sessionKey)}

	case "/jobs":
		return Response{Kind: ResponseReply, Text: p.jobsText(sessionKey)}

	case "/approve":
		var record *approval.Record
		if len(args) > 0 {
			record = p.gate.Consume(sessionKey, args[0])
		} else {
			record = p.gate.ConsumeLatest(sessionKey)
		}
		if record == nil {
			// Unknown or expired token: nothing pending, not an error.
			return Response{Kind: ResponseReply, Text: "Nothing is waiting for approval."}
		}
		return p.applyApproval(sessionKey, runID, record)

	case "/deny":
		if p.gate.DiscardLatest(sessionKey) {
			p.emit(events.EventApprovalResolved, map[string]interface{}{
				"session_key": sessionKey,
				"run_id":      runID,
				"granted":     false,
			})
			return Response{Kind: ResponseReply, Text: "Denied. The pending action was discarded."}
		}
		return Response{Kind: ResponseReply, Text: "Nothing is waiting for approval."}

	case "/task":
		return p.handleTaskCommand(sessionKey, args)

	default:
		return Response{Kind: ResponseReply, Text: fmt.Sprintf("Unknown command %s. Try /help.", command)}
	}
}

func (p *Pipeline) handleTaskCommand(sessionKey string, args []string) Response {
	if p.tasks == nil {
		return Response{Kind: ResponseReply, Text: "Tasks are not configured."}
	}
	if len(args) == 0 || args[0] != "list" {
		return Response{Kind: ResponseReply, Text: "Usage: /task list"}
	}
	tasks, err := p.tasks.List(sessionKey)
	if err != nil {
		p.logf("[WARN] task_list_failed session=%s err=%v", sessionKey, err)
		return Response{Kind: ResponseReply, Text: "Could not load your tasks right now."}
	}
	if len(tasks) == 0 {
		return Response{Kind: ResponseReply, Text: "No tasks."}
	}
	var b strings.Builder
	b.WriteString("Tasks:\n")
	for i, task := range tasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, task)
	}
	return Response{Kind: ResponseReply, Text: strings.TrimRight(b.String(), "\n")}
}

// applyApproval acts on a consumed approval record per its typed
// action: workflows get enqueued with the newly approved steps,
// capability grants become session leases, sandbox overrides are
// acknowledged for their one-time use.
func (p *Pipeline) applyApproval(sessionKey, runID string, record *approval.Record) Response {
	p.emit(events.EventApprovalResolved, map[string]interface{}{
		"session_key": sessionKey,
		"run_id":      runID,
		"granted":     true,
		"kind":        string(record.Action.Kind()),
	})

	switch action := record.Action.(type) {
	case approval.RunSpecAction:
		approved := append(append([]string(nil), action.ApprovedStepIDs...), action.PendingStepIDs...)
		p.grantLeasesForSteps(sessionKey, action.Spec, action.PendingStepIDs)

		job, err := p.queue.CreateJob(model.JobTypeRunSpec, model.JobPayload{
			SessionKey:      sessionKey,
			Spec:            &action.Spec,
			ApprovedStepIDs: approved,
		}, 0)
		if err != nil {
			p.logf("[ERROR] approved_enqueue_failed session=%s err=%v", sessionKey, err)
			return Response{Kind: ResponseError, Text: "Approved, but I could not queue the work. Please try again."}
		}
		p.ledger.AppendEvent(runID, model.RunEventQueued, "approved workflow enqueued", map[string]any{"job_id": job.ID})
		p.emit(events.EventJobEnqueued, map[string]interface{}{
			"job_id":      job.ID,
			"session_key": sessionKey,
			"type":        string(model.JobTypeRunSpec),
		})
		return Response{
			Kind:  ResponseQueued,
			Text:  fmt.Sprintf("Approved. Working on it now (job %s).", job.ID),
			JobID: job.ID,
		}

	case approval.CapabilityAction:
		p.leases.Grant(sessionKey, action.Capability, p.leaseTTL())
		return Response{
			Kind: ResponseReply,
			Text: fmt.Sprintf("Approved. %s is allowed for this session.", action.Capability),
		}

	case approval.SandboxOverrideAction:
		return Response{
			Kind: ResponseReply,
			Text: fmt.Sprintf("Override granted for one run of the blocked command (rule %s).", action.RuleID),
		}

	default:
		return Response{Kind: ResponseReply, Text: "Approved."}
	}
}

// grantLeasesForSteps turns approved gated steps into session leases
// when the configured lifetime allows suppression of later prompts.
func (p *Pipeline) grantLeasesForSteps(sessionKey string, spec model.RunSpecV1, approvedIDs []string) {
	lifetime := p.cfg.Policy.FileWriteLifetime
	if lifetime == "per_action" {
		return
	}
	approved := make(map[string]bool, len(approvedIDs))
	for _, id := range approvedIDs {
		approved[id] = true
	}
	for _, step := range spec.Steps {
		if step.Approval == nil || !step.Approval.Required || !approved[step.ID] {
			continue
		}
		p.leases.Grant(sessionKey, step.Approval.Capability, p.leaseTTL())
	}
}

func (p *Pipeline) statusText(sessionKey string) string {
	var b strings.Builder

	if active, ok := p.ledger.ActiveRun(sessionKey); ok {
		fmt.Fprintf(&b, "Active run: %s (phase %s)\n", active.ID, active.CurrentPhase)
	} else {
		b.WriteString("No active run.\n")
	}

	if n := p.gate.PendingCount(sessionKey); n > 0 {
		fmt.Fprintf(&b, "Pending approvals: %d\n", n)
	}

	counts, err := p.queue.StatusCounts()
	if err == nil && len(counts) > 0 {
		b.WriteString("Jobs:")
		for _, status := range []model.JobStatus{
			model.JobStatusQueued, model.JobStatusRunning, model.JobStatusCancelling,
			model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
		} {
			if counts[status] > 0 {
				fmt.Fprintf(&b, " %s=%d", status, counts[status])
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Pipeline) jobsText(sessionKey string) string {
	jobs, err := p.queue.ListJobs("", 20)
	if err != nil {
		return "Could not load jobs right now."
	}
	var lines []string
	for _, j := range jobs {
		if j.Payload.SessionKey != sessionKey {
			continue
		}
		line := fmt.Sprintf("%s  %s  %s", j.ID, j.Type, j.Status)
		if j.LastError != nil {
			line += "  " + *j.LastError
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "No jobs for this session."
	}
	return strings.Join(lines, "\n")
}

const helpText = `Commands:
/help            show this help
/status          active run, approvals and job counts
/jobs            recent jobs for this session
/approve [token] approve the pending action (latest if no token)
/deny            deny the pending action
/task list       list tasks

Reply "yes" or "no" to resolve a pending approval, "more" to continue a long reply.`
