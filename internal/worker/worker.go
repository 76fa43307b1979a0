// Package worker drains the job queue: it claims jobs under a lease,
// drives the step executor for workflow jobs, and re-enters the turn
// pipeline for queued followup messages.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/approval"
	"switchboard/internal/events"
	"switchboard/internal/model"
	"switchboard/internal/notify"
	"switchboard/internal/pipeline"
	"switchboard/internal/queue"
	"switchboard/internal/runspec"
)

// Handler re-enters the pipeline for followup jobs.
type Handler interface {
	HandleInbound(ctx context.Context, msg pipeline.InboundMessage) pipeline.Response
}

// Worker claims and executes jobs one at a time.
type Worker struct {
	id       string
	queue    *queue.Queue
	executor *runspec.Executor
	handler  Handler
	gate     *approval.Gate
	sink     notify.Sink
	emitter  *events.Emitter
	logger   *log.Logger

	pollInterval time.Duration
}

type Options struct {
	Queue        *queue.Queue
	Executor     *runspec.Executor
	Handler      Handler
	Gate         *approval.Gate
	Sink         notify.Sink
	Emitter      *events.Emitter
	Logger       *log.Logger
	PollInterval time.Duration
}

func New(opts Options) *Worker {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		id:           "worker-" + uuid.NewString()[:8],
		queue:        opts.Queue,
		executor:     opts.Executor,
		handler:      opts.Handler,
		gate:         opts.Gate,
		sink:         opts.Sink,
		emitter:      opts.Emitter,
		logger:       opts.Logger,
		pollInterval: interval,
	}
}

func (w *Worker) ID() string { return w.id }

// Run polls until the context is cancelled. A claimed job always runs
// to a terminal report; cancellation between polls just stops claiming.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		// Drain eagerly: keep claiming until the queue is empty.
		for {
			job, err := w.queue.ClaimNextQueuedJob(w.id)
			if err != nil {
				w.logf("[ERROR] claim_failed worker=%s err=%v", w.id, err)
				break
			}
			if job == nil {
				break
			}
			w.runJob(ctx, job)
			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. Used by tests and the
// CLI's drain path.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextQueuedJob(w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.runJob(ctx, job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, job *model.Job) {
	w.logf("[INFO] job_start worker=%s job=%s type=%s attempt=%d", w.id, job.ID, job.Type, job.Attempts)

	// Cooperative cancellation: watch for the job flipping to
	// cancelling and cancel the execution context. The in-flight step
	// still finishes; the executor only yields between steps.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	go w.watchCancellation(jobCtx, job.ID, cancel, watchDone)

	var status model.JobStatus
	var detail string
	switch job.Type {
	case model.JobTypeRunSpec:
		status, detail = w.runWorkflow(jobCtx, job)
	case model.JobTypeFollowup:
		status, detail = w.runFollowup(jobCtx, job)
	default:
		status, detail = model.JobStatusFailed, fmt.Sprintf("unknown job type %q", job.Type)
	}

	cancel()
	<-watchDone

	finished, err := w.queue.FinishJob(job.ID, job.LeaseEpoch, status, detail)
	if err != nil {
		w.logf("[WARN] finish_failed worker=%s job=%s err=%v", w.id, job.ID, err)
		return
	}
	w.emit(events.EventJobFinished, map[string]interface{}{
		"job_id":      job.ID,
		"session_key": job.Payload.SessionKey,
		"status":      string(finished.Status),
	})
	w.logf("[INFO] job_done worker=%s job=%s status=%s", w.id, job.ID, finished.Status)
}

func (w *Worker) watchCancellation(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, found, err := w.queue.GetJob(jobID)
			if err != nil || !found {
				continue
			}
			if job.Status == model.JobStatusCancelling {
				cancel()
				return
			}
		}
	}
}

func (w *Worker) runWorkflow(ctx context.Context, job *model.Job) (model.JobStatus, string) {
	if job.Payload.Spec == nil {
		return model.JobStatusFailed, "workflow job has no spec"
	}

	result := w.executor.Execute(ctx, *job.Payload.Spec, runspec.Options{
		SessionKey:      job.Payload.SessionKey,
		ApprovedStepIDs: job.Payload.ApprovedStepIDs,
	})

	switch result.Status {
	case runspec.ResultCompleted:
		w.notifyText(job.Payload.SessionKey, "Done: "+result.Summary)
		return model.JobStatusCompleted, result.Summary

	case runspec.ResultApprovalMissing:
		// Never block waiting: raise the approval and fail this attempt;
		// the grant enqueues a fresh job with the expanded approved set.
		record := w.gate.Create(job.Payload.SessionKey, approval.RunSpecAction{
			Spec:            *job.Payload.Spec,
			PendingStepIDs:  []string{result.PendingStepID},
			ApprovedStepIDs: job.Payload.ApprovedStepIDs,
		})
		w.emit(events.EventApprovalCreated, map[string]interface{}{
			"session_key": job.Payload.SessionKey,
			"job_id":      job.ID,
			"token":       record.Token,
		})
		w.notifyText(job.Payload.SessionKey, fmt.Sprintf(
			"The workflow needs approval for %s before it can continue. Reply \"yes\" to approve or \"no\" to cancel.",
			result.PendingCapability,
		))
		return model.JobStatusFailed, runspec.ResultApprovalMissing

	case runspec.ResultCancelled:
		return model.JobStatusFailed, result.Summary

	default:
		w.notifyText(job.Payload.SessionKey, "I couldn't finish that: "+result.Summary)
		return model.JobStatusFailed, result.Summary
	}
}

func (w *Worker) runFollowup(ctx context.Context, job *model.Job) (model.JobStatus, string) {
	if w.handler == nil {
		return model.JobStatusFailed, "no pipeline handler configured"
	}
	resp := w.handler.HandleInbound(ctx, pipeline.InboundMessage{
		ChannelSessionID: job.Payload.ChannelSession,
		Text:             job.Payload.FollowupText,
	})
	if resp.Kind == pipeline.ResponseBusy {
		// Session still occupied: report failure so an operator retry
		// can redeliver once the session frees up.
		return model.JobStatusFailed, "session still busy"
	}
	w.notifyText(job.Payload.SessionKey, resp.Text)
	return model.JobStatusCompleted, string(resp.Kind)
}

func (w *Worker) notifyText(sessionKey, text string) {
	if w.sink == nil || text == "" {
		return
	}
	w.sink.Enqueue(notify.Notification{
		SessionKey: sessionKey,
		Kind:       notify.KindMessage,
		Text:       text,
	})
}

func (w *Worker) emit(eventType events.EventType, data map[string]interface{}) {
	if w.emitter != nil {
		w.emitter.Emit(eventType, data)
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
