package runspec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"switchboard/internal/events"
	"switchboard/internal/model"
	"switchboard/internal/notify"
)

// Result status codes reported to the caller.
const (
	ResultCompleted       = "run_spec_completed"
	ResultFailed          = "run_spec_failed"
	ResultApprovalMissing = "run_spec_approval_missing"
	ResultCancelled       = "run_spec_cancelled"
)

// documentsDir is the fixed workspace subdirectory file writes are
// confined to.
const documentsDir = "documents"

// StepState is the executor's per-step record.
type StepState struct {
	ID       string            `yaml:"id"`
	Type     model.StepType    `yaml:"type"`
	Status   model.StepStatus  `yaml:"status"`
	Message  string            `yaml:"message,omitempty"`
	Output   map[string]string `yaml:"output,omitempty"`
	Attempts int               `yaml:"attempts"`
}

// Result is the structured outcome of one Execute call.
type Result struct {
	Status     string      `yaml:"status"`
	RunSpecID  string      `yaml:"run_spec_id"`
	Summary    string      `yaml:"summary,omitempty"`
	Steps      []StepState `yaml:"steps"`
	OutputPath string      `yaml:"output_path,omitempty"`
	// PendingStepID and PendingCapability are set when Status is
	// ResultApprovalMissing.
	PendingStepID     string `yaml:"pending_step_id,omitempty"`
	PendingCapability string `yaml:"pending_capability,omitempty"`
}

// Options carry per-invocation executor inputs.
type Options struct {
	SessionKey      string
	RunID           string
	ApprovedStepIDs []string
}

// Executor runs a RunSpec's steps strictly in order, threading the
// search text, composed document and written file path between steps.
// It never blocks waiting for an approval: a gated step whose id is
// not in the approved set fails the run fast and the caller re-invokes
// with an expanded set later. Collaborator timeouts and retries are
// the caller's job, not the executor's.
type Executor struct {
	search    Searcher
	generate  Generator
	sink      notify.Sink
	workspace string
	emitter   *events.Emitter

	now func() time.Time
}

func NewExecutor(search Searcher, generate Generator, sink notify.Sink, workspace string, emitter *events.Emitter) *Executor {
	return &Executor{
		search:    search,
		generate:  generate,
		sink:      sink,
		workspace: workspace,
		emitter:   emitter,
		now:       time.Now,
	}
}

// artifacts is the private per-run state threaded between steps.
type artifacts struct {
	searchQuery    string
	searchProvider string
	searchText     string
	docText        string
	writtenPath    string
}

// Execute runs every step to completion or first failure.
func (e *Executor) Execute(ctx context.Context, spec model.RunSpecV1, opts Options) Result {
	res := Result{RunSpecID: spec.ID}
	if err := spec.Validate(); err != nil {
		res.Status = ResultFailed
		res.Summary = fmt.Sprintf("invalid run spec: %v", err)
		return res
	}

	approved := make(map[string]bool, len(opts.ApprovedStepIDs))
	for _, id := range opts.ApprovedStepIDs {
		approved[id] = true
	}

	res.Steps = make([]StepState, len(spec.Steps))
	for i, step := range spec.Steps {
		res.Steps[i] = StepState{ID: step.ID, Type: step.Type, Status: model.StepStatusPending}
	}

	var art artifacts
	total := len(spec.Steps)

	for i := range spec.Steps {
		step := spec.Steps[i]
		state := &res.Steps[i]

		// Cooperative cancellation: only between steps, never mid-step.
		if err := ctx.Err(); err != nil {
			state.Status = model.StepStatusCancelled
			for k := i + 1; k < total; k++ {
				res.Steps[k].Status = model.StepStatusSkipped
			}
			res.Status = ResultCancelled
			res.Summary = fmt.Sprintf("cancelled before step %s", step.ID)
			res.OutputPath = art.writtenPath
			return res
		}

		if step.Approval != nil && step.Approval.Required && !approved[step.ID] {
			state.Status = model.StepStatusApprovalRequired
			state.Message = fmt.Sprintf("approval required for capability %s", step.Approval.Capability)
			for k := i + 1; k < total; k++ {
				res.Steps[k].Status = model.StepStatusSkipped
			}
			res.Status = ResultApprovalMissing
			res.Summary = fmt.Sprintf("step %s needs approval before it can run", step.ID)
			res.PendingStepID = step.ID
			res.PendingCapability = step.Approval.Capability
			res.OutputPath = art.writtenPath
			return res
		}
		if step.Approval != nil && step.Approval.Required {
			state.Status = model.StepStatusApproved
		}

		state.Status = model.StepStatusRunning
		state.Attempts++
		e.emit(events.EventStepProgress, map[string]interface{}{
			"run_id":      opts.RunID,
			"session_key": opts.SessionKey,
			"run_spec_id": spec.ID,
			"step_id":     step.ID,
			"progress":    fmt.Sprintf("%d/%d", i+1, total),
		})

		output, err := e.runStep(ctx, spec, step, opts, &art)
		if err != nil {
			state.Status = model.StepStatusFailed
			state.Message = err.Error()
			for k := i + 1; k < total; k++ {
				res.Steps[k].Status = model.StepStatusSkipped
			}
			res.Status = ResultFailed
			res.Summary = fmt.Sprintf("step %s failed: %v", step.ID, err)
			res.OutputPath = art.writtenPath
			return res
		}
		state.Status = model.StepStatusCompleted
		state.Output = output
	}

	res.Status = ResultCompleted
	res.Summary = e.summarize(spec, &art)
	res.OutputPath = art.writtenPath
	return res
}

func (e *Executor) runStep(ctx context.Context, spec model.RunSpecV1, step model.RunSpecStep, opts Options, art *artifacts) (map[string]string, error) {
	switch step.Type {
	case model.StepWebSearch:
		return e.runSearch(ctx, step, opts, art)
	case model.StepDocCompose:
		return e.runCompose(ctx, spec, step, opts, art)
	case model.StepFileWrite:
		return e.runFileWrite(spec, step, art)
	case model.StepSendAttachment:
		return e.runSendAttachment(spec, step, opts, art)
	default:
		return nil, fmt.Errorf("unsupported step type %q", step.Type)
	}
}

func (e *Executor) runSearch(ctx context.Context, step model.RunSpecStep, opts Options, art *artifacts) (map[string]string, error) {
	query := strings.TrimSpace(step.Input["query"])
	if query == "" {
		return nil, fmt.Errorf("search step %s has no query", step.ID)
	}
	if e.search == nil {
		return nil, fmt.Errorf("no search collaborator configured")
	}
	result, err := e.search.Search(ctx, query, SearchOptions{
		Provider:      step.Input["provider"],
		AuthSessionID: opts.SessionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if result == nil || strings.TrimSpace(result.Text) == "" {
		return nil, fmt.Errorf("search for %q returned no results", query)
	}
	art.searchQuery = query
	art.searchProvider = result.Provider
	art.searchText = result.Text
	return map[string]string{
		"query":    query,
		"provider": result.Provider,
		"chars":    fmt.Sprintf("%d", len(result.Text)),
	}, nil
}

func (e *Executor) runCompose(ctx context.Context, spec model.RunSpecV1, step model.RunSpecStep, opts Options, art *artifacts) (map[string]string, error) {
	if art.searchText == "" {
		return nil, fmt.Errorf("compose step %s requires a prior search", step.ID)
	}

	format := step.Input["format"]
	if format == "" {
		format = "markdown"
	}

	text, source := e.composeText(ctx, spec, step, opts, art, format)
	art.docText = text
	return map[string]string{
		"format": format,
		"source": source,
		"chars":  fmt.Sprintf("%d", len(text)),
	}, nil
}

// composeText asks the generation collaborator to reformat the search
// output; any failure (error or empty result) falls back to the
// deterministic template so a flaky generator alone never fails a run.
func (e *Executor) composeText(ctx context.Context, spec model.RunSpecV1, step model.RunSpecStep, opts Options, art *artifacts, format string) (string, string) {
	if e.generate != nil {
		prompt := fmt.Sprintf(
			"Rewrite the following research notes as a %s document.\nGoal: %s\nInstructions: %s\n\n%s",
			format, spec.Goal, step.Input["instructions"], art.searchText,
		)
		result, err := e.generate.GenerateText(ctx, opts.SessionKey, prompt, GenOptions{})
		if err == nil && result != nil && strings.TrimSpace(result.Text) != "" {
			return result.Text, "generated"
		}
	}
	return templatedDocument(spec.Goal, art), "template"
}

// templatedDocument is the deterministic compose fallback.
func templatedDocument(goal string, art *artifacts) string {
	var b strings.Builder
	b.WriteString("# " + firstNonEmpty(goal, "Research notes") + "\n\n")
	b.WriteString("## Query\n\n" + art.searchQuery + "\n\n")
	if art.searchProvider != "" {
		b.WriteString("## Source\n\n" + art.searchProvider + "\n\n")
	}
	b.WriteString("## Findings\n\n" + art.searchText + "\n")
	return b.String()
}

func (e *Executor) runFileWrite(spec model.RunSpecV1, step model.RunSpecStep, art *artifacts) (map[string]string, error) {
	if art.docText == "" {
		return nil, fmt.Errorf("write step %s requires a prior composed document", step.ID)
	}

	name := step.Input["filename"]
	if name == "" {
		name = spec.ID + ".md"
	}
	path, err := e.resolveDocumentPath(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create documents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(art.docText), 0644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	art.writtenPath = path
	return map[string]string{
		"path":  path,
		"bytes": fmt.Sprintf("%d", len(art.docText)),
	}, nil
}

// resolveDocumentPath sanitizes a requested filename and confines it
// to <workspace>/documents. Any name that would land outside is
// rejected, not corrected.
func (e *Executor) resolveDocumentPath(name string) (string, error) {
	cleaned := sanitizeFilename(name)
	if cleaned == "" {
		return "", fmt.Errorf("invalid filename %q", name)
	}
	root, err := filepath.Abs(filepath.Join(e.workspace, documentsDir))
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	path := filepath.Join(root, cleaned)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("filename %q escapes the workspace", name)
	}
	return path, nil
}

// sanitizeFilename keeps the base name only and strips characters with
// path or shell meaning.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ". ")
	return out
}

func (e *Executor) runSendAttachment(spec model.RunSpecV1, step model.RunSpecStep, opts Options, art *artifacts) (map[string]string, error) {
	if art.writtenPath == "" {
		return nil, fmt.Errorf("send step %s requires a prior written file", step.ID)
	}
	if e.sink == nil {
		return nil, fmt.Errorf("no notification sink configured")
	}
	caption := step.Input["caption"]
	if caption == "" {
		caption = spec.Goal
	}
	e.sink.Enqueue(notify.Notification{
		SessionKey: opts.SessionKey,
		Kind:       notify.KindFile,
		FilePath:   art.writtenPath,
		Caption:    caption,
	})
	return map[string]string{
		"path":    art.writtenPath,
		"caption": caption,
	}, nil
}

func (e *Executor) summarize(spec model.RunSpecV1, art *artifacts) string {
	parts := []string{fmt.Sprintf("completed %d steps", len(spec.Steps))}
	if art.searchQuery != "" {
		parts = append(parts, fmt.Sprintf("searched %q", art.searchQuery))
	}
	if art.writtenPath != "" {
		parts = append(parts, "wrote "+filepath.Base(art.writtenPath))
	}
	return strings.Join(parts, ", ")
}

func (e *Executor) emit(eventType events.EventType, data map[string]interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(eventType, data)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
