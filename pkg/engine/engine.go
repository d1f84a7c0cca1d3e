// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine implements the run execution engine: it creates runs,
// computes the dispatchable frontier of pipeline DAGs, enqueues work,
// applies worker-reported status transitions, propagates content along
// dependency edges, and notifies subscribers on every mutation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/internal/log"
	"github.com/tombee/flume/internal/metrics"
	"github.com/tombee/flume/internal/notify"
	"github.com/tombee/flume/internal/queue"
	"github.com/tombee/flume/internal/tracing"
	"github.com/tombee/flume/pkg/content"
	"github.com/tombee/flume/pkg/errors"
	"github.com/tombee/flume/pkg/pipeline"
	"github.com/tombee/flume/pkg/tool"
)

// Deps are the collaborators an Engine is constructed with.
type Deps struct {
	Runs      backend.RunStore
	Pipelines pipeline.Store
	Tools     tool.Registry
	Content   content.Store
	Queue     queue.Queue
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Engine is the run execution engine. All methods are safe for
// concurrent use; run updates are serialized per engine so concurrent
// sibling completions observe each other's writes.
type Engine struct {
	runs      backend.RunStore
	pipelines pipeline.Store
	tools     tool.Registry
	content   content.Store
	queue     queue.Queue
	notifier  notify.Notifier
	logger    *slog.Logger
	tracer    trace.Tracer

	// mu serializes status transitions and the dependent-unlock /
	// parent-fold bookkeeping that follows them. Worker callbacks for
	// sibling runs may arrive on different goroutines.
	mu sync.Mutex
}

// New creates an Engine. Nil Notifier and Logger fall back to no-op
// and default implementations.
func New(deps Deps) (*Engine, error) {
	if deps.Runs == nil {
		return nil, errors.New("engine: run store is required")
	}
	if deps.Pipelines == nil {
		return nil, errors.New("engine: pipeline store is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("engine: tool registry is required")
	}
	if deps.Content == nil {
		return nil, errors.New("engine: content store is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Engine{
		runs:      deps.Runs,
		pipelines: deps.Pipelines,
		tools:     deps.Tools,
		content:   deps.Content,
		queue:     deps.Queue,
		notifier:  deps.Notifier,
		logger:    log.WithComponent(deps.Logger, "engine"),
		tracer:    tracing.Tracer(),
	}, nil
}

// CreateRunRequest is the payload for creating a run. RunType selects
// the shape: a PIPELINE_RUN requires PipelineID, a TOOL_RUN requires
// ToolID. ContentIDs reference existing content; Text and URL each
// materialize a new content item.
type CreateRunRequest struct {
	RunType    backend.RunType `json:"run_type"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ContentIDs []string        `json:"content_ids,omitempty"`
	Text       string          `json:"text,omitempty"`
	URL        string          `json:"url,omitempty"`
}

// CreateRun validates the request, resolves inputs, persists the run
// aggregate, enqueues the dispatchable frontier, and notifies the
// organization's subscribers. Validation failures surface before any
// persistence.
func (e *Engine) CreateRun(ctx context.Context, orgname string, req CreateRunRequest) (*backend.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreateRun")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	inputs, err := e.resolveInputs(ctx, orgname, req)
	if err != nil {
		return nil, err
	}

	var run *backend.Run
	switch req.RunType {
	case backend.TypeToolRun:
		run, err = e.createToolRun(ctx, orgname, req.ToolID, inputs)
	case backend.TypePipelineRun:
		run, err = e.createPipelineRun(ctx, orgname, req.PipelineID, inputs)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordRunCreated(string(req.RunType))
	e.publish(ctx, orgname)
	return run, nil
}

// validateRequest enforces the run-type discriminant before any
// persistence or queueing happens.
func validateRequest(req CreateRunRequest) error {
	switch req.RunType {
	case backend.TypeToolRun:
		if req.ToolID == "" {
			return &errors.ValidationError{
				Field:      "tool_id",
				Message:    "a TOOL_RUN requires tool_id",
				Suggestion: "set tool_id, or use run_type PIPELINE_RUN with pipeline_id",
			}
		}
		if req.PipelineID != "" {
			return &errors.ValidationError{
				Field:   "pipeline_id",
				Message: "a TOOL_RUN cannot reference a pipeline",
			}
		}
	case backend.TypePipelineRun:
		if req.PipelineID == "" {
			return &errors.ValidationError{
				Field:      "pipeline_id",
				Message:    "a PIPELINE_RUN requires pipeline_id",
				Suggestion: "set pipeline_id, or use run_type TOOL_RUN with tool_id",
			}
		}
		if req.ToolID != "" {
			return &errors.ValidationError{
				Field:   "tool_id",
				Message: "a PIPELINE_RUN cannot reference a tool directly",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "run_type",
			Message:    fmt.Sprintf("unknown run type %q", req.RunType),
			Suggestion: "run_type must be TOOL_RUN or PIPELINE_RUN",
		}
	}
	return nil
}

// resolveInputs turns the request's content references into a concrete
// id list: existing ids are verified within the organization, and Text
// and URL each materialize a new content item. A run with zero inputs
// is rejected.
func (e *Engine) resolveInputs(ctx context.Context, orgname string, req CreateRunRequest) ([]string, error) {
	var inputs []string

	for _, id := range req.ContentIDs {
		c, err := e.content.Get(ctx, orgname, id)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, c.ID)
	}

	if req.Text != "" {
		c, err := e.content.Create(ctx, orgname, content.CreateContent{
			Name: "Text input",
			Text: req.Text,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to materialize text input")
		}
		inputs = append(inputs, c.ID)
	}

	if req.URL != "" {
		c, err := e.content.Create(ctx, orgname, content.CreateContent{
			Name: req.URL,
			URL:  req.URL,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to materialize url input")
		}
		inputs = append(inputs, c.ID)
	}

	if len(inputs) == 0 {
		return nil, &errors.ValidationError{
			Field:      "content_ids",
			Message:    "a run requires at least one input",
			Suggestion: "provide content_ids, text, or url",
		}
	}
	return inputs, nil
}

// createToolRun persists a single QUEUED run and enqueues its job.
func (e *Engine) createToolRun(ctx context.Context, orgname, toolID string, inputs []string) (*backend.Run, error) {
	t, err := e.tools.Get(ctx, orgname, toolID)
	if err != nil {
		return nil, err
	}

	run := &backend.Run{
		ID:      uuid.New().String(),
		Orgname: orgname,
		RunType: backend.TypeToolRun,
		Status:  backend.StatusQueued,
		ToolID:  t.ID,
		Inputs:  inputs,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.enqueueTool(ctx, run, t)
	e.logger.Info("tool run created",
		log.String(log.RunIDKey, run.ID),
		log.String(log.ToolIDKey, t.ID),
		log.String(log.OrgKey, orgname))
	return run, nil
}

// createPipelineRun persists the parent and one child per step in a
// single atomic batch, attaches inputs to the root children, enqueues
// the root jobs, and announces the DAG with a flow job.
func (e *Engine) createPipelineRun(ctx context.Context, orgname, pipelineID string, inputs []string) (*backend.Run, error) {
	p, err := e.pipelines.Get(ctx, orgname, pipelineID)
	if err != nil {
		return nil, err
	}
	g, err := pipeline.BuildGraph(p.Steps)
	if err != nil {
		return nil, err
	}

	parent := &backend.Run{
		ID:         uuid.New().String(),
		Orgname:    orgname,
		RunType:    backend.TypePipelineRun,
		Status:     backend.StatusQueued,
		PipelineID: p.ID,
		Inputs:     inputs,
	}

	roots := make(map[string]bool, len(g.Roots()))
	for _, id := range g.Roots() {
		roots[id] = true
	}

	batch := []*backend.Run{parent}
	var rootRuns []*backend.Run
	for _, stepID := range g.TopoOrder() {
		step := g.Step(stepID)
		child := &backend.Run{
			ID:             uuid.New().String(),
			Orgname:        orgname,
			RunType:        backend.TypeToolRun,
			Status:         backend.StatusQueued,
			ToolID:         step.ToolID,
			PipelineRunID:  parent.ID,
			PipelineStepID: step.ID,
		}
		if roots[step.ID] {
			child.Inputs = append([]string(nil), inputs...)
			rootRuns = append(rootRuns, child)
		}
		batch = append(batch, child)
	}

	if err := e.runs.CreateRuns(ctx, batch); err != nil {
		return nil, err
	}

	// Only the frontier is dispatched; dependents wait for their
	// predecessors to complete.
	for _, child := range rootRuns {
		t, err := e.tools.Get(ctx, orgname, child.ToolID)
		if err != nil {
			e.logger.Error("root step tool lookup failed",
				log.String(log.RunIDKey, child.ID),
				log.String(log.ToolIDKey, child.ToolID),
				log.Error(err))
			continue
		}
		e.enqueueTool(ctx, child, t)
	}

	e.enqueue(ctx, queue.NewFlowJob(queue.FlowJob{
		RunID:   parent.ID,
		Orgname: orgname,
		Graph:   g.Edges(),
	}))

	e.logger.Info("pipeline run created",
		log.String(log.RunIDKey, parent.ID),
		log.String(log.PipelineIDKey, p.ID),
		log.Int("steps", g.Len()),
		log.String(log.OrgKey, orgname))
	return parent, nil
}

func (e *Engine) enqueueTool(ctx context.Context, run *backend.Run, t *tool.Tool) {
	e.enqueue(ctx, queue.NewToolJob(queue.ToolJob{
		RunID:           run.ID,
		ToolID:          t.ID,
		ToolBase:        t.ToolBase,
		Orgname:         run.Orgname,
		InputContentIDs: append([]string(nil), run.Inputs...),
	}))
}

func (e *Engine) enqueue(ctx context.Context, job *queue.Job) {
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.logger.Error("enqueue failed",
			log.String(log.JobKey, string(job.Kind)),
			log.Error(err))
		return
	}
	metrics.RecordJobEnqueued(string(job.Kind))
	metrics.SetQueueDepth(e.queue.Len())
}

// publish notifies the organization's subscribers that its run list
// changed. Failures never propagate to the caller.
func (e *Engine) publish(ctx context.Context, orgname string) {
	e.notifier.Publish(ctx, orgname, notify.Change{
		QueryKey: notify.RunsQueryKey(orgname),
	})
}
