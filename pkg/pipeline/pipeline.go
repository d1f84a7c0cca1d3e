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

// Package pipeline defines organization-owned DAGs of tool steps and
// the graph operations the run engine needs: root discovery, dependent
// unlock, cycle rejection, and transitive descendant walks.
//
// Steps are stored in a flat collection keyed by id with edges held as
// id-sets rather than embedded pointers, so mutual dependency/dependent
// references never form ownership cycles.
package pipeline

import (
	"time"
)

// Pipeline is a named, organization-owned collection of steps.
type Pipeline struct {
	ID        string    `json:"id"`
	Orgname   string    `json:"orgname"`
	Name      string    `json:"name"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one node in a pipeline's DAG. DependsOn holds predecessor
// step ids; Dependents is the derived inverse view and is recomputed
// from DependsOn whenever the step set changes.
type Step struct {
	ID         string   `json:"id"`
	PipelineID string   `json:"pipeline_id"`
	Name       string   `json:"name"`
	ToolID     string   `json:"tool_id"`
	DependsOn  []string `json:"depends_on"`
	Dependents []string `json:"dependents"`
}

// IsRoot reports whether the step has no predecessors.
func (s *Step) IsRoot() bool {
	return len(s.DependsOn) == 0
}

// StepByID returns the step with the given id, or nil.
func (p *Pipeline) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepByName returns the step with the given name, or nil.
func (p *Pipeline) StepByName(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}
