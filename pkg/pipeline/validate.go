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
	"fmt"

	"github.com/tombee/flume/pkg/errors"
)

// ValidateSteps checks a step set for structural validity:
//   - at least one step
//   - every step has an id, a name, and a tool reference
//   - step names unique within the pipeline
//   - dependency references resolve within the step set
//   - the dependency graph is acyclic
//
// Clients supply step ids up front so that cross-step dependency
// references are resolvable within a single submission.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "pipeline must have at least one step",
		}
	}

	names := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("step %q has no id", step.Name),
				Suggestion: "supply step ids so dependency references can be resolved",
			}
		}
		if step.Name == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %s has no name", step.ID),
			}
		}
		if step.ToolID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("step[%s].tool_id", step.Name),
				Message: "every step must reference a tool",
			}
		}
		if names[step.Name] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step name: %s", step.Name),
			}
		}
		names[step.Name] = true
	}

	// Duplicate ids, unresolvable references, and cycles surface here.
	if _, err := BuildGraph(steps); err != nil {
		return err
	}
	return nil
}

// normalizeSteps recomputes derived state on a validated step set:
// pipeline linkage and the inverse dependent edges.
func normalizeSteps(pipelineID string, steps []Step) []Step {
	g, err := BuildGraph(steps)
	if err != nil {
		// Callers validate before normalizing.
		panic(fmt.Sprintf("pipeline: normalizing invalid step set: %v", err))
	}

	out := make([]Step, len(steps))
	for i := range steps {
		out[i] = steps[i]
		out[i].PipelineID = pipelineID
		out[i].DependsOn = append([]string(nil), steps[i].DependsOn...)
		out[i].Dependents = g.Dependents(steps[i].ID)
	}
	return out
}
