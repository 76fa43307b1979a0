// Package pipeline is the gateway's top-level turn state machine. For
// each inbound message it runs the phases normalize, session,
// directives, plan, policy, route, persist, dispatch, strictly in that
// order with early returns, composing the ledger, policy engine,
// approval gate, job queue and external collaborators. It is the
// outermost error boundary: no raw collaborator error escapes
// HandleInbound.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"switchboard/internal/approval"
	"switchboard/internal/events"
	"switchboard/internal/ledger"
	"switchboard/internal/model"
	"switchboard/internal/queue"
)

// InboundMessage is a normalized message from any channel transport.
type InboundMessage struct {
	Channel          string
	ChannelSessionID string
	Text             string
	// IdempotencyKey dedups redelivery of the same message. Optional.
	IdempotencyKey string
	// QueueMode overrides the configured default when set.
	QueueMode string
}

// ResponseKind classifies what the pipeline decided.
type ResponseKind string

const (
	ResponseReply           ResponseKind = "reply"
	ResponseBusy            ResponseKind = "busy"
	ResponseQueued          ResponseKind = "queued"
	ResponseApprovalRequest ResponseKind = "approval_request"
	ResponseError           ResponseKind = "error"
)

// Response is the pipeline's answer for one turn.
type Response struct {
	Kind          ResponseKind
	Text          string
	RunID         string
	JobID         string
	ApprovalToken string
}

// Identity resolves a durable auth identity from a channel session id
// so ledger activity and leases stay consistent across aliases.
type Identity interface {
	ResolveAuthSession(channelSessionID string) (string, error)
}

// PlanHints are the planner's auxiliary inputs.
type PlanHints struct {
	AuthPreference string
	HasActiveJob   bool
}

// PlannerDecision is advisory; the pipeline may override it.
type PlannerDecision struct {
	Intent         string
	Reply          string
	Worker         bool
	SendAttachment bool
	// Spec, when set, is the planner's own workflow proposal.
	Spec *model.RunSpecV1
}

// Planner is the external intent planner.
type Planner interface {
	Plan(ctx context.Context, sessionKey, text string, hints PlanHints) (PlannerDecision, error)
}

// ConversationSink persists conversation history, best-effort.
type ConversationSink interface {
	Append(sessionKey, direction, text string, metadata map[string]string) error
}

// TaskStore is optional; a nil store means tasks are not configured.
type TaskStore interface {
	List(sessionKey string) ([]string, error)
}

// Pipeline wires the phases together. One instance owns all mutable
// orchestration state through its injected components; there are no
// package-level singletons.
type Pipeline struct {
	cfg      model.Config
	ledger   *ledger.Ledger
	queue    *queue.Queue
	gate     *approval.Gate
	leases   *approval.LeaseSet
	identity Identity
	planner  Planner
	convo    ConversationSink
	tasks    TaskStore
	emitter  *events.Emitter
	pager    *pager
	logger   *log.Logger
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Config   model.Config
	Ledger   *ledger.Ledger
	Queue    *queue.Queue
	Gate     *approval.Gate
	Leases   *approval.LeaseSet
	Identity Identity
	Planner  Planner
	Convo    ConversationSink
	Tasks    TaskStore
	Emitter  *events.Emitter
	Logger   *log.Logger
}

func New(deps Deps) *Pipeline {
	return &Pipeline{
		cfg:      deps.Config,
		ledger:   deps.Ledger,
		queue:    deps.Queue,
		gate:     deps.Gate,
		leases:   deps.Leases,
		identity: deps.Identity,
		planner:  deps.Planner,
		convo:    deps.Convo,
		tasks:    deps.Tasks,
		emitter:  deps.Emitter,
		pager:    newPager(0),
		logger:   deps.Logger,
	}
}

// HandleInbound processes one turn end to end.
func (p *Pipeline) HandleInbound(ctx context.Context, msg InboundMessage) Response {
	// normalize
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Response{Kind: ResponseError, Text: "Empty message."}
	}
	if msg.ChannelSessionID == "" {
		return Response{Kind: ResponseError, Text: "Message has no session."}
	}
	p.emit(events.EventTurnReceived, map[string]interface{}{
		"channel":     msg.Channel,
		"session_key": msg.ChannelSessionID,
	})

	// session
	sessionKey, err := p.identity.ResolveAuthSession(msg.ChannelSessionID)
	if err != nil {
		p.logf("[WARN] identity_resolution_failed session=%s err=%v", msg.ChannelSessionID, err)
		return Response{Kind: ResponseError, Text: "I could not verify your session. Please try again."}
	}

	mode := model.ParseQueueMode(msg.QueueMode)
	if msg.QueueMode == "" {
		mode = model.ParseQueueMode(p.cfg.Gateway.DefaultQueueMode)
	}

	start, err := p.ledger.StartRun(sessionKey, mode, msg.IdempotencyKey, model.RunSnapshot{
		PolicyMode: p.cfg.Policy.ApprovalMode,
	})
	if err != nil {
		p.logf("[ERROR] start_run_failed session=%s err=%v", sessionKey, err)
		return Response{Kind: ResponseError, Text: "Something went wrong starting this turn."}
	}

	if start.Reused {
		return p.reusedResponse(start)
	}
	if !start.Acquired {
		return p.collisionResponse(sessionKey, mode, msg, start)
	}

	runID := start.Run.ID
	p.appendConvo(sessionKey, "inbound", text, map[string]string{"run_id": runID})

	// directives
	p.ledger.TransitionPhase(runID, model.PhaseDirectives)
	if resp, handled := p.handleDirectives(ctx, sessionKey, runID, text); handled {
		return p.finish(sessionKey, runID, resp)
	}

	// plan
	p.ledger.TransitionPhase(runID, model.PhasePlan)
	decision, err := p.planner.Plan(ctx, sessionKey, text, p.planHints(sessionKey))
	if err != nil {
		p.logf("[WARN] planner_failed session=%s err=%v", sessionKey, err)
		return p.finishFailed(sessionKey, runID, "planner error",
			"I could not work out what to do with that. Please rephrase or try again.")
	}

	// Safety net: research intents and attachment deliveries always run
	// on a worker, whatever the planner said.
	delegate := decision.Worker || decision.Intent == "web_research" || decision.SendAttachment
	if !delegate {
		reply := decision.Reply
		if strings.TrimSpace(reply) == "" {
			reply = "Noted."
		}
		return p.finish(sessionKey, runID, Response{Kind: ResponseReply, Text: reply})
	}

	// policy + route
	p.ledger.TransitionPhase(runID, model.PhasePolicy)
	resp := p.routeWorkflow(sessionKey, runID, mode, text, decision)
	return p.finish(sessionKey, runID, resp)
}

// reusedResponse answers an idempotent redelivery without new work.
func (p *Pipeline) reusedResponse(start ledger.StartResult) Response {
	if start.Acquired {
		return Response{
			Kind:  ResponseBusy,
			Text:  fmt.Sprintf("Still working on that (run %s).", start.Run.ID),
			RunID: start.Run.ID,
		}
	}
	return Response{
		Kind:  ResponseReply,
		Text:  fmt.Sprintf("That message was already handled (run %s, %s).", start.Run.ID, start.Run.Status),
		RunID: start.Run.ID,
	}
}

// collisionResponse resolves a busy session per queue mode: steer
// replies busy, collect and followup queue the message so input is
// never dropped.
func (p *Pipeline) collisionResponse(sessionKey string, mode model.QueueMode, msg InboundMessage, start ledger.StartResult) Response {
	p.emit(events.EventRunBlocked, map[string]interface{}{
		"run_id":      start.Run.ID,
		"session_key": sessionKey,
		"blocked_by":  start.Run.BlockedBy,
	})

	if mode == model.QueueModeSteer {
		return Response{
			Kind:  ResponseBusy,
			Text:  fmt.Sprintf("Session busy: run %s is still in progress. Try again shortly.", start.Run.BlockedBy),
			RunID: start.Run.ID,
		}
	}

	job, err := p.queue.CreateJob(model.JobTypeFollowup, model.JobPayload{
		SessionKey:     sessionKey,
		FollowupText:   msg.Text,
		ChannelSession: msg.ChannelSessionID,
	}, 0)
	if err != nil {
		p.logf("[ERROR] followup_enqueue_failed session=%s err=%v", sessionKey, err)
		return Response{
			Kind:  ResponseBusy,
			Text:  fmt.Sprintf("Session busy: run %s is still in progress, and I could not queue your message. Please resend it.", start.Run.BlockedBy),
			RunID: start.Run.ID,
		}
	}
	p.emit(events.EventJobEnqueued, map[string]interface{}{
		"job_id":      job.ID,
		"session_key": sessionKey,
		"type":        string(model.JobTypeFollowup),
	})
	return Response{
		Kind:  ResponseQueued,
		Text:  fmt.Sprintf("Session busy; I queued your message and will pick it up after run %s finishes.", start.Run.BlockedBy),
		RunID: start.Run.ID,
		JobID: job.ID,
	}
}

func (p *Pipeline) planHints(sessionKey string) PlanHints {
	hints := PlanHints{}
	jobs, err := p.queue.ListJobs("", 0)
	if err != nil {
		return hints
	}
	for _, j := range jobs {
		if j.Payload.SessionKey != sessionKey {
			continue
		}
		if j.Status == model.JobStatusQueued || j.Status == model.JobStatusRunning {
			hints.HasActiveJob = true
			break
		}
	}
	return hints
}

// finish runs the persist and dispatch phases: conversation append
// (best-effort) and run completion. Ledger failures are counted and
// logged; the deterministic response is returned regardless.
func (p *Pipeline) finish(sessionKey, runID string, resp Response) Response {
	resp.RunID = runID
	if resp.Kind == ResponseReply {
		resp.Text = p.pager.Page(sessionKey, resp.Text)
	}

	p.ledger.TransitionPhase(runID, model.PhasePersist)
	p.appendConvo(sessionKey, "outbound", resp.Text, map[string]string{"run_id": runID})

	p.ledger.TransitionPhase(runID, model.PhaseDispatch)
	if err := p.ledger.CompleteRun(runID, model.RunStatusCompleted, string(resp.Kind)); err != nil {
		p.logf("[WARN] complete_run_failed run=%s err=%v", runID, err)
	}
	p.emit(events.EventRunCompleted, map[string]interface{}{
		"run_id":      runID,
		"session_key": sessionKey,
		"kind":        string(resp.Kind),
	})
	return resp
}

// finishFailed completes the run as failed but still returns friendly
// text: collaborator failures become explanations, not crashes.
func (p *Pipeline) finishFailed(sessionKey, runID, reason, text string) Response {
	p.ledger.TransitionPhase(runID, model.PhaseDispatch)
	if err := p.ledger.CompleteRun(runID, model.RunStatusFailed, reason); err != nil {
		p.logf("[WARN] complete_run_failed run=%s err=%v", runID, err)
	}
	p.emit(events.EventRunCompleted, map[string]interface{}{
		"run_id":      runID,
		"session_key": sessionKey,
		"kind":        string(ResponseError),
		"reason":      reason,
	})
	return Response{Kind: ResponseError, Text: text, RunID: runID}
}

func (p *Pipeline) appendConvo(sessionKey, direction, text string, metadata map[string]string) {
	if p.convo == nil {
		return
	}
	if err := p.convo.Append(sessionKey, direction, text, metadata); err != nil {
		p.logf("[WARN] convo_append_failed session=%s err=%v", sessionKey, err)
	}
}

func (p *Pipeline) emit(eventType events.EventType, data map[string]interface{}) {
	if p.emitter != nil {
		p.emitter.Emit(eventType, data)
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func (p *Pipeline) leaseTTL() time.Duration {
	return time.Duration(p.cfg.Approvals.TTLSec) * time.Second
}
