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

package pipeline

import (
	"github.com/google/uuid"

	"github.com/tombee/flume/pkg/errors"
	"github.com/tombee/flume/pkg/tool"
)

// DefaultName is the name given to system-generated default pipelines.
const DefaultName = "Default Pipeline"

// Default builds the system default pipeline for an organization's tool
// catalog: a single extract-text root step with every remaining tool
// fanning out directly from it (a shallow two-level DAG).
func Default(orgname string, tools []*tool.Tool) (*Pipeline, error) {
	var root *tool.Tool
	for _, t := range tools {
		if t.ToolBase == tool.BaseExtractText {
			root = t
			break
		}
	}
	if root == nil {
		return nil, &errors.ValidationError{
			Field:      "tools",
			Message:    "default pipeline requires an extract-text tool",
			Suggestion: "seed the organization's tool catalog before building the default pipeline",
		}
	}

	rootStep := Step{
		ID:     uuid.New().String(),
		Name:   root.ToolBase,
		ToolID: root.ID,
	}
	steps := []Step{rootStep}

	for _, t := range tools {
		if t.ID == root.ID {
			continue
		}
		steps = append(steps, Step{
			ID:        uuid.New().String(),
			Name:      t.ToolBase,
			ToolID:    t.ID,
			DependsOn: []string{rootStep.ID},
		})
	}

	return &Pipeline{
		Orgname: orgname,
		Name:    DefaultName,
		Steps:   steps,
	}, nil
}
