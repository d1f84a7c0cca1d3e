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

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/pkg/errors"
	"github.com/tombee/flume/pkg/pipeline"
	"github.com/tombee/flume/pkg/tool"
)

// RunDetail is the expanded view of one run: its children (for
// pipeline parents), its parent (for step children), and the resolved
// pipeline and tool definitions where they still exist.
type RunDetail struct {
	Run      *backend.Run       `json:"run"`
	Children []*backend.Run     `json:"children,omitempty"`
	Parent   *backend.Run       `json:"parent,omitempty"`
	Pipeline *pipeline.Pipeline `json:"pipeline,omitempty"`
	Tool     *tool.Tool         `json:"tool,omitempty"`
}

// ListRuns returns the organization's runs, filtered and paginated.
func (e *Engine) ListRuns(ctx context.Context, orgname string, filter backend.RunFilter) ([]*backend.Run, error) {
	lister, ok := e.runs.(backend.RunLister)
	if !ok {
		return nil, errors.New("engine: run store does not support listing")
	}
	filter.Orgname = orgname
	return lister.ListRuns(ctx, filter)
}

// GetRun returns a run with its relationships resolved. Cross-
// organization lookups are a not-found error, never a disclosure.
func (e *Engine) GetRun(ctx context.Context, orgname, runID string) (*RunDetail, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Orgname != orgname {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	detail := &RunDetail{Run: run}

	if run.RunType == backend.TypePipelineRun {
		if lister, ok := e.runs.(backend.RunLister); ok {
			children, err := lister.ListChildren(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			detail.Children = children
		}
		if run.PipelineID != "" {
			// A deleted pipeline leaves the run intact without a
			// resolvable definition.
			if p, err := e.pipelines.Get(ctx, orgname, run.PipelineID); err == nil {
				detail.Pipeline = p
			}
		}
	}

	if run.IsChild() {
		if parent, err := e.runs.GetRun(ctx, run.PipelineRunID); err == nil {
			detail.Parent = parent
		}
	}
	if run.ToolID != "" {
		if t, err := e.tools.Get(ctx, orgname, run.ToolID); err == nil {
			detail.Tool = t
		}
	}

	return detail, nil
}
