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

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/internal/log"
	"github.com/tombee/flume/internal/metrics"
	"github.com/tombee/flume/pkg/errors"
	"github.com/tombee/flume/pkg/pipeline"
)

const upstreamFailureMessage = "upstream step failed"

// SetStatus applies a worker-reported status transition.
//
// PROCESSING stamps startedAt on first entry. COMPLETE stamps
// completedAt and forces progress to 1. ERROR stamps completedAt.
// Terminal states are never exited: re-applying the current terminal
// status is a no-op, any other transition out of a terminal state is
// rejected.
//
// A transition on a pipeline child also drives the DAG: COMPLETE
// unlocks dependents whose predecessors are all complete, ERROR
// short-circuits every still-queued descendant, and each transition
// folds the children's statuses into the parent.
func (e *Engine) SetStatus(ctx context.Context, runID string, status backend.Status) (*backend.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.SetStatus")
	defer span.End()

	return e.transition(ctx, runID, status, "")
}

// SetRunError moves a run to ERROR with a worker-supplied message.
func (e *Engine) SetRunError(ctx context.Context, runID, message string) (*backend.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.SetRunError")
	defer span.End()

	return e.transition(ctx, runID, backend.StatusError, message)
}

func (e *Engine) transition(ctx context.Context, runID string, status backend.Status, errMsg string) (*backend.Run, error) {
	if !status.Valid() {
		return nil, &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", status),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		if run.Status == status {
			// Duplicate delivery of a terminal report.
			return run, nil
		}
		return nil, &errors.ConflictError{
			Resource: "run",
			ID:       runID,
			Reason:   fmt.Sprintf("cannot transition out of terminal status %s", run.Status),
		}
	}
	if run.Status == status {
		return run, nil
	}

	applyStatus(run, status, errMsg)
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.RecordStatusTransition(string(status))

	e.logger.Info("run status changed",
		log.String(log.RunIDKey, run.ID),
		log.String("status", string(status)),
		log.String(log.OrgKey, run.Orgname))

	if run.IsChild() {
		switch status {
		case backend.StatusComplete:
			e.unlockDependents(ctx, run)
		case backend.StatusError:
			e.shortCircuit(ctx, run)
		}
		e.foldParent(ctx, run.PipelineRunID)
	}

	e.publish(ctx, run.Orgname)
	return run, nil
}

// applyStatus mutates run in place per the state machine.
func applyStatus(run *backend.Run, status backend.Status, errMsg string) {
	now := time.Now()
	run.Status = status

	switch status {
	case backend.StatusProcessing:
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case backend.StatusComplete:
		if run.CompletedAt == nil {
			run.CompletedAt = &now
		}
		run.Progress = 1
	case backend.StatusError:
		if run.CompletedAt == nil {
			run.CompletedAt = &now
		}
		if errMsg != "" {
			run.Error = errMsg
		}
	}
}

// SetProgress records fractional progress without touching status.
// Values are clamped to [0, 1]. Progress on a terminal run is ignored.
func (e *Engine) SetProgress(ctx context.Context, runID string, progress float64) (*backend.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	run.Progress = progress

	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	e.publish(ctx, run.Orgname)
	return run, nil
}

// AttachContent adds content ids to a run's input or output edge set.
// The attach is additive and idempotent.
func (e *Engine) AttachContent(ctx context.Context, runID string, kind backend.ContentKind, contentIDs []string) error {
	if err := e.runs.AttachContent(ctx, runID, kind, contentIDs); err != nil {
		return err
	}

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	e.publish(ctx, run.Orgname)
	return nil
}

// unlockDependents dispatches every dependent of the completed child
// whose predecessors are now all COMPLETE, seeding each dependent's
// inputs from the union of its predecessors' outputs.
func (e *Engine) unlockDependents(ctx context.Context, completed *backend.Run) {
	g, siblings, ok := e.loadFlow(ctx, completed)
	if !ok {
		return
	}

	for _, depStepID := range g.Dependents(completed.PipelineStepID) {
		depRun := siblings[depStepID]
		if depRun == nil || depRun.Status != backend.StatusQueued {
			continue
		}

		ready := true
		var inputs []string
		for _, predStepID := range g.Step(depStepID).DependsOn {
			pred := siblings[predStepID]
			if pred == nil || pred.Status != backend.StatusComplete {
				ready = false
				break
			}
			inputs = append(inputs, pred.Outputs...)
		}
		if !ready {
			continue
		}

		if len(inputs) > 0 {
			if err := e.runs.AttachContent(ctx, depRun.ID, backend.KindInput, inputs); err != nil {
				e.logger.Error("failed to seed dependent inputs",
					log.String(log.RunIDKey, depRun.ID), log.Error(err))
				continue
			}
			depRun.Inputs = append(depRun.Inputs, inputs...)
		}

		t, err := e.tools.Get(ctx, depRun.Orgname, depRun.ToolID)
		if err != nil {
			e.logger.Error("dependent tool lookup failed",
				log.String(log.RunIDKey, depRun.ID),
				log.String(log.ToolIDKey, depRun.ToolID),
				log.Error(err))
			continue
		}
		e.enqueueTool(ctx, depRun, t)

		e.logger.Info("dependent unlocked",
			log.String(log.RunIDKey, depRun.ID),
			log.String(log.StepIDKey, depStepID),
			log.String(log.OrgKey, depRun.Orgname))
	}
}

// shortCircuit marks every still-queued transitive descendant of the
// failed child as ERROR so it is never dispatched.
func (e *Engine) shortCircuit(ctx context.Context, failed *backend.Run) {
	g, siblings, ok := e.loadFlow(ctx, failed)
	if !ok {
		return
	}

	for _, descStepID := range g.Descendants(failed.PipelineStepID) {
		desc := siblings[descStepID]
		if desc == nil || desc.Status != backend.StatusQueued {
			continue
		}

		applyStatus(desc, backend.StatusError, upstreamFailureMessage)
		if err := e.runs.UpdateRun(ctx, desc); err != nil {
			e.logger.Error("failed to short-circuit descendant",
				log.String(log.RunIDKey, desc.ID), log.Error(err))
			continue
		}
		metrics.RecordStatusTransition(string(backend.StatusError))

		e.logger.Info("descendant short-circuited",
			log.String(log.RunIDKey, desc.ID),
			log.String(log.StepIDKey, descStepID))
	}
}

// foldParent recomputes a pipeline parent's status and progress from
// its children: any ERROR makes the parent ERROR, all COMPLETE makes
// it COMPLETE, any activity makes it PROCESSING, otherwise it stays
// QUEUED. Progress is the completed-child fraction. A parent already
// in a terminal state is left untouched.
func (e *Engine) foldParent(ctx context.Context, parentID string) {
	parent, err := e.runs.GetRun(ctx, parentID)
	if err != nil {
		e.logger.Error("parent lookup failed",
			log.String(log.RunIDKey, parentID), log.Error(err))
		return
	}
	if parent.Status.IsTerminal() {
		return
	}

	lister, ok := e.runs.(backend.RunLister)
	if !ok {
		return
	}
	children, err := lister.ListChildren(ctx, parentID)
	if err != nil || len(children) == 0 {
		return
	}

	var completed, failed, active int
	for _, c := range children {
		switch c.Status {
		case backend.StatusComplete:
			completed++
		case backend.StatusError:
			failed++
		case backend.StatusProcessing:
			active++
		}
	}

	next := backend.StatusQueued
	switch {
	case failed > 0:
		next = backend.StatusError
	case completed == len(children):
		next = backend.StatusComplete
	case active > 0 || completed > 0:
		next = backend.StatusProcessing
	}

	progress := float64(completed) / float64(len(children))
	if parent.Status == next && parent.Progress == progress {
		return
	}

	if next == backend.StatusError {
		applyStatus(parent, next, upstreamFailureMessage)
	} else if next != parent.Status {
		applyStatus(parent, next, "")
	}
	if next != backend.StatusComplete {
		parent.Progress = progress
	}

	if err := e.runs.UpdateRun(ctx, parent); err != nil {
		e.logger.Error("parent fold failed",
			log.String(log.RunIDKey, parentID), log.Error(err))
		return
	}
	metrics.RecordStatusTransition(string(next))
}

// loadFlow resolves the pipeline graph and the step-id-to-run index
// for a child's flow. A destructively updated or deleted pipeline
// leaves historical children without a resolvable graph; that is
// logged and skipped, never an error surfaced to the worker.
func (e *Engine) loadFlow(ctx context.Context, child *backend.Run) (*pipeline.Graph, map[string]*backend.Run, bool) {
	parent, err := e.runs.GetRun(ctx, child.PipelineRunID)
	if err != nil {
		e.logger.Error("parent lookup failed",
			log.String(log.RunIDKey, child.PipelineRunID), log.Error(err))
		return nil, nil, false
	}

	p, err := e.pipelines.Get(ctx, parent.Orgname, parent.PipelineID)
	if err != nil {
		e.logger.Warn("pipeline no longer resolvable for flow",
			log.String(log.PipelineIDKey, parent.PipelineID),
			log.String(log.RunIDKey, parent.ID),
			log.Error(err))
		return nil, nil, false
	}
	g, err := pipeline.BuildGraph(p.Steps)
	if err != nil {
		e.logger.Error("stored pipeline failed graph build",
			log.String(log.PipelineIDKey, p.ID), log.Error(err))
		return nil, nil, false
	}
	// The run's step snapshot may predate a destructive update; if its
	// own step is gone there is nothing to unlock.
	if g.Step(child.PipelineStepID) == nil {
		e.logger.Warn("step no longer present in pipeline",
			log.String(log.StepIDKey, child.PipelineStepID),
			log.String(log.PipelineIDKey, p.ID))
		return nil, nil, false
	}

	lister, ok := e.runs.(backend.RunLister)
	if !ok {
		return nil, nil, false
	}
	children, err := lister.ListChildren(ctx, parent.ID)
	if err != nil {
		e.logger.Error("child listing failed",
			log.String(log.RunIDKey, parent.ID), log.Error(err))
		return nil, nil, false
	}

	siblings := make(map[string]*backend.Run, len(children))
	for _, c := range children {
		siblings[c.PipelineStepID] = c
	}
	return g, siblings, true
}
