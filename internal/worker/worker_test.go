package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/approval"
	"switchboard/internal/lock"
	"switchboard/internal/model"
	"switchboard/internal/notify"
	"switchboard/internal/pipeline"
	"switchboard/internal/queue"
	"switchboard/internal/runspec"
)

type fakeSearcher struct {
	text  string
	calls int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts runspec.SearchOptions) (*runspec.SearchResult, error) {
	f.calls++
	return &runspec.SearchResult{Provider: "web", Text: f.text}, nil
}

type fakeGenerator struct{ text string }

func (f *fakeGenerator) GenerateText(ctx context.Context, sessionID, prompt string, opts runspec.GenOptions) (*runspec.GenResult, error) {
	return &runspec.GenResult{Text: f.text}, nil
}

type captureSink struct {
	sent []notify.Notification
}

func (c *captureSink) Enqueue(n notify.Notification) {
	c.sent = append(c.sent, n)
}

type fakeHandler struct {
	resp pipeline.Response
	msgs []pipeline.InboundMessage
}

func (f *fakeHandler) HandleInbound(ctx context.Context, msg pipeline.InboundMessage) pipeline.Response {
	f.msgs = append(f.msgs, msg)
	return f.resp
}

type fixture struct {
	worker    *Worker
	queue     *queue.Queue
	gate      *approval.Gate
	sink      *captureSink
	handler   *fakeHandler
	workspace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	workspace := t.TempDir()

	q := queue.New(filepath.Join(home, "job_queue.yaml"), home, lock.NewMutexMap(), 300)
	gate := approval.NewGate(time.Minute)
	sink := &captureSink{}
	handler := &fakeHandler{resp: pipeline.Response{Kind: pipeline.ResponseReply, Text: "done"}}

	exec := runspec.NewExecutor(
		&fakeSearcher{text: "findings about schedulers"},
		&fakeGenerator{text: "# Report\n\nfindings"},
		sink, workspace, nil,
	)

	w := New(Options{
		Queue:    q,
		Executor: exec,
		Handler:  handler,
		Gate:     gate,
		Sink:     sink,
	})
	return &fixture{worker: w, queue: q, gate: gate, sink: sink, handler: handler, workspace: workspace}
}

func workflowSpec(approved bool) model.RunSpecV1 {
	spec := model.RunSpecV1{
		ID:   "report-1",
		Goal: "write a scheduler report",
		Steps: []model.RunSpecStep{
			{ID: "search", Type: model.StepWebSearch, Input: map[string]string{"query": "scheduler design"}},
			{ID: "compose", Type: model.StepDocCompose, Input: map[string]string{"format": "markdown"}},
			{ID: "write", Type: model.StepFileWrite, Input: map[string]string{"filename": "report.md"}},
		},
	}
	if !approved {
		spec.Steps[2].Approval = &model.StepApproval{Required: true, Capability: model.CapabilityFileWrite}
	}
	return spec
}

func TestWorkerCompletesWorkflowJob(t *testing.T) {
	f := newFixture(t)
	spec := workflowSpec(true)
	job, err := f.queue.CreateJob(model.JobTypeRunSpec, model.JobPayload{
		SessionKey: "telegram:7",
		Spec:       &spec,
	}, 0)
	require.NoError(t, err)

	claimed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, found, err := f.queue.GetJob(job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)

	_, err = os.Stat(filepath.Join(f.workspace, "documents", "report.md"))
	assert.NoError(t, err)

	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, notify.KindMessage, f.sink.sent[0].Kind)
	assert.Contains(t, f.sink.sent[0].Text, "Done:")
}

func TestWorkerRaisesApprovalWhenWorkflowHalts(t *testing.T) {
	f := newFixture(t)
	spec := workflowSpec(false)
	job, err := f.queue.CreateJob(model.JobTypeRunSpec, model.JobPayload{
		SessionKey: "telegram:7",
		Spec:       &spec,
	}, 0)
	require.NoError(t, err)

	claimed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, _, err := f.queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, runspec.ResultApprovalMissing, *got.LastError)

	assert.Equal(t, 1, f.gate.PendingCount("telegram:7"))
	record := f.gate.PeekLatest("telegram:7")
	require.NotNil(t, record)
	action, ok := record.Action.(approval.RunSpecAction)
	require.True(t, ok)
	assert.Equal(t, []string{"write"}, action.PendingStepIDs)

	require.Len(t, f.sink.sent, 1)
	assert.Contains(t, f.sink.sent[0].Text, model.CapabilityFileWrite)
}

func TestWorkerRunsFollowupThroughPipeline(t *testing.T) {
	f := newFixture(t)
	job, err := f.queue.CreateJob(model.JobTypeFollowup, model.JobPayload{
		SessionKey:     "auth:telegram:7",
		ChannelSession: "telegram:7",
		FollowupText:   "and also check memory limits",
	}, 0)
	require.NoError(t, err)

	claimed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	require.Len(t, f.handler.msgs, 1)
	assert.Equal(t, "telegram:7", f.handler.msgs[0].ChannelSessionID)
	assert.Equal(t, "and also check memory limits", f.handler.msgs[0].Text)

	got, _, err := f.queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestWorkerFailsFollowupWhenSessionStillBusy(t *testing.T) {
	f := newFixture(t)
	f.handler.resp = pipeline.Response{Kind: pipeline.ResponseBusy, Text: "busy"}
	job, err := f.queue.CreateJob(model.JobTypeFollowup, model.JobPayload{
		SessionKey:     "auth:telegram:7",
		ChannelSession: "telegram:7",
		FollowupText:   "later please",
	}, 0)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	got, _, err := f.queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "session still busy", *got.LastError)
}

func TestWorkerFailsUnknownJobType(t *testing.T) {
	f := newFixture(t)
	job, err := f.queue.CreateJob(model.JobType("bogus"), model.JobPayload{SessionKey: "s"}, 0)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	got, _, err := f.queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
}

func TestWorkerCancelledContextStopsWorkflow(t *testing.T) {
	f := newFixture(t)
	spec := workflowSpec(true)
	job, err := f.queue.CreateJob(model.JobTypeRunSpec, model.JobPayload{
		SessionKey: "telegram:7",
		Spec:       &spec,
	}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	got, _, err := f.queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	_, statErr := os.Stat(filepath.Join(f.workspace, "documents", "report.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkerRunExitsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
