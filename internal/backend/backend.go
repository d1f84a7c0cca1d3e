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

// Package backend provides storage backends for run state.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal
// implementations:
//
//   - RunStore (core, required): CreateRun, CreateRuns, GetRun, UpdateRun,
//     AttachContent
//   - RunLister (optional): ListRuns, ListChildren, DeleteRun
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured
// implementations. Components can accept RunStore for minimal requirements
// and use type assertions to detect optional capabilities at runtime.
package backend

import (
	"context"
	"io"
	"time"
)

// RunType discriminates the two run shapes.
type RunType string

const (
	// TypeToolRun is a standalone single-tool execution.
	TypeToolRun RunType = "TOOL_RUN"
	// TypePipelineRun is a parent aggregate whose children are the
	// per-step runs of a pipeline.
	TypePipelineRun RunType = "PIPELINE_RUN"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusError      Status = "ERROR"
)

// IsTerminal reports whether the status is final. Terminal states are
// never exited.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusComplete, StatusError:
		return true
	}
	return false
}

// ContentKind distinguishes a run's input edge set from its output edge set.
type ContentKind string

const (
	KindInput  ContentKind = "input"
	KindOutput ContentKind = "output"
)

// RunStore is the core interface for run storage operations.
// This is the minimal interface backends must implement; the engine
// accepts this interface.
type RunStore interface {
	// CreateRun creates a new run in storage.
	CreateRun(ctx context.Context, run *Run) error

	// CreateRuns creates a batch of runs atomically. Either every run
	// is persisted or none is; a pipeline fan-out is never observable
	// half-created.
	CreateRuns(ctx context.Context, runs []*Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun updates an existing run. Last write wins.
	UpdateRun(ctx context.Context, run *Run) error

	// AttachContent adds content ids to a run's input or output edge
	// set. The attach is additive and idempotent: ids already present
	// are ignored.
	AttachContent(ctx context.Context, runID string, kind ContentKind, contentIDs []string) error
}

// RunLister is an optional interface for listing and deleting runs.
// Use type assertion to detect if a backend supports this capability:
//
//	if lister, ok := store.(RunLister); ok {
//	    runs, err := lister.ListRuns(ctx, filter)
//	}
type RunLister interface {
	// ListRuns lists runs with optional filtering.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ListChildren retrieves the child runs of a pipeline run,
	// ordered by creation time.
	ListChildren(ctx context.Context, pipelineRunID string) ([]*Run, error)

	// DeleteRun deletes a run by ID.
	DeleteRun(ctx context.Context, id string) error
}

// Backend defines the full interface for run storage.
// This is a composite interface that embeds all segregated interfaces
// plus io.Closer for lifecycle management.
type Backend interface {
	RunStore
	RunLister
	io.Closer
}

// Run represents one run in storage: either a standalone tool run, a
// pipeline parent, or one per-step child of a pipeline run.
type Run struct {
	ID      string  `json:"id"`
	Orgname string  `json:"orgname"`
	RunType RunType `json:"run_type"`
	Status  Status  `json:"status"`

	// Progress is in [0, 1]. For pipeline parents it is the completed
	// child fraction; workers may report finer-grained values for
	// their own runs.
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`

	// ToolID is set on tool runs and per-step children.
	ToolID string `json:"tool_id,omitempty"`
	// PipelineID is set on pipeline parents.
	PipelineID string `json:"pipeline_id,omitempty"`
	// PipelineRunID links a per-step child to its parent run.
	PipelineRunID string `json:"pipeline_run_id,omitempty"`
	// PipelineStepID links a per-step child to the step it executes.
	// It survives destructive pipeline updates as a historical reference.
	PipelineStepID string `json:"pipeline_step_id,omitempty"`

	// Inputs and Outputs are content ids attached to the run's edges.
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsChild reports whether the run is a per-step child of a pipeline run.
func (r *Run) IsChild() bool {
	return r.PipelineRunID != ""
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Inputs = append([]string(nil), r.Inputs...)
	cp.Outputs = append([]string(nil), r.Outputs...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RunFilter contains filtering and pagination options for listing runs.
type RunFilter struct {
	Orgname    string
	Status     Status
	RunType    RunType
	PipelineID string
	ToolID     string

	// TopLevelOnly excludes per-step children from the result.
	TopLevelOnly bool

	Limit  int
	Offset int

	// SortBy is one of "created_at" (default) or "updated_at".
	SortBy string
	// SortDir is "asc" or "desc" (default).
	SortDir string
}
