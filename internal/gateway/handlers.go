package gateway

import (
	"fmt"
	"strings"

	"switchboard/internal/model"
	"switchboard/internal/pipeline"
	"switchboard/internal/status"
	"switchboard/internal/uds"
)

type sendParams struct {
	Channel        string `json:"channel,omitempty"`
	ChannelSession string `json:"channel_session"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	QueueMode      string `json:"queue_mode,omitempty"`
}

type sendResult struct {
	Kind          string `json:"kind"`
	Text          string `json:"text,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

type jobsParams struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type approveParams struct {
	ChannelSession string `json:"channel_session"`
	Token          string `json:"token,omitempty"`
}

type cancelParams struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

func (g *Gateway) registerHandlers() {
	g.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	g.server.Handle(uds.CommandSend, g.handleSend)
	g.server.Handle(uds.CommandStatus, g.handleStatus)
	g.server.Handle(uds.CommandJobs, g.handleJobs)
	g.server.Handle(uds.CommandApprove, g.handleApprove)
	g.server.Handle(uds.CommandDeny, g.handleDeny)
	g.server.Handle(uds.CommandCancel, g.handleCancel)

	g.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		g.log(LogLevelInfo, "shutdown requested via control socket")
		go g.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (g *Gateway) handleSend(req *uds.Request) *uds.Response {
	var params sendParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if strings.TrimSpace(params.ChannelSession) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "channel_session is required")
	}

	resp := g.pipeline.HandleInbound(g.ctx, pipeline.InboundMessage{
		Channel:          params.Channel,
		ChannelSessionID: params.ChannelSession,
		Text:             params.Text,
		IdempotencyKey:   params.IdempotencyKey,
		QueueMode:        params.QueueMode,
	})
	return uds.SuccessResponse(sendResult{
		Kind:          string(resp.Kind),
		Text:          resp.Text,
		RunID:         resp.RunID,
		JobID:         resp.JobID,
		ApprovalToken: resp.ApprovalToken,
	})
}

func (g *Gateway) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(status.Collect(g.ledger, g.queue, g.gate))
}

func (g *Gateway) handleJobs(req *uds.Request) *uds.Response {
	var params jobsParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	jobs, err := g.queue.ListJobs(model.JobStatus(params.Status), limit)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"jobs": jobSummaries(jobs)})
}

type jobSummary struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Session   string `json:"session_key"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

func jobSummaries(jobs []model.Job) []jobSummary {
	out := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		s := jobSummary{
			ID:        job.ID,
			Type:      string(job.Type),
			Status:    string(job.Status),
			Session:   job.Payload.SessionKey,
			Attempts:  job.Attempts,
			CreatedAt: job.CreatedAt,
		}
		if job.LastError != nil {
			s.LastError = *job.LastError
		}
		out = append(out, s)
	}
	return out
}

// handleApprove and handleDeny re-enter the pipeline as directives so
// resolution follows exactly the same path as a chat reply.
func (g *Gateway) handleApprove(req *uds.Request) *uds.Response {
	return g.resolveApproval(req, "/approve")
}

func (g *Gateway) handleDeny(req *uds.Request) *uds.Response {
	return g.resolveApproval(req, "/deny")
}

func (g *Gateway) resolveApproval(req *uds.Request, command string) *uds.Response {
	var params approveParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if strings.TrimSpace(params.ChannelSession) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "channel_session is required")
	}
	text := command
	if params.Token != "" {
		text = fmt.Sprintf("%s %s", command, params.Token)
	}
	resp := g.pipeline.HandleInbound(g.ctx, pipeline.InboundMessage{
		ChannelSessionID: params.ChannelSession,
		Text:             text,
	})
	return uds.SuccessResponse(sendResult{Kind: string(resp.Kind), Text: resp.Text, JobID: resp.JobID})
}

func (g *Gateway) handleCancel(req *uds.Request) *uds.Response {
	var params cancelParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.JobID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "job_id is required")
	}
	reason := params.Reason
	if reason == "" {
		reason = "cancelled via control socket"
	}
	job, err := g.queue.CancelJob(params.JobID, reason)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"job_id": job.ID, "status": string(job.Status)})
}
