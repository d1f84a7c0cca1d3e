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
	"sort"

	"github.com/tombee/flume/pkg/errors"
)

// Graph is an immutable adjacency view over a pipeline's step set.
// Nodes are keyed by step id; edges are id-sets in both directions.
// All query methods are safe for concurrent use.
type Graph struct {
	nodes      map[string]*Step
	dependents map[string][]string
	roots      []string
}

// BuildGraph constructs a Graph from a step set. It resolves the
// inverse (dependent) edges and fails if any dependency reference
// points outside the step set or if the graph contains a cycle.
func BuildGraph(steps []Step) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*Step, len(steps)),
		dependents: make(map[string][]string),
	}

	for i := range steps {
		step := steps[i]
		if step.ID == "" {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %q has no id", step.Name),
			}
		}
		if _, exists := g.nodes[step.ID]; exists {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id: %s", step.ID),
			}
		}
		g.nodes[step.ID] = &step
	}

	for id, step := range g.nodes {
		for _, depID := range step.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return nil, &errors.ValidationError{
					Field:      fmt.Sprintf("step[%s].depends_on", step.Name),
					Message:    fmt.Sprintf("dependency not found: %s", depID),
					Suggestion: "dependency references must name step ids within the same pipeline",
				}
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	for id, step := range g.nodes {
		if len(step.DependsOn) == 0 {
			g.roots = append(g.roots, id)
		}
	}
	sort.Strings(g.roots)
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// checkAcyclic rejects graphs with cycles using a DFS with a recursion stack.
func (g *Graph) checkAcyclic() error {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, next := range g.dependents[id] {
			if !visited[next] {
				if visit(next) {
					return true
				}
			} else if onStack[next] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for id := range g.nodes {
		if !visited[id] {
			if visit(id) {
				return &errors.ValidationError{
					Field:      "steps",
					Message:    "dependency cycle detected",
					Suggestion: "pipeline steps must form a directed acyclic graph",
				}
			}
		}
	}
	return nil
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Step returns the step with the given id, or nil.
func (g *Graph) Step(id string) *Step {
	return g.nodes[id]
}

// Roots returns the ids of steps with no predecessors, sorted.
func (g *Graph) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Dependents returns the ids of steps that depend directly on the given step.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Ready returns the ids of steps whose predecessors are all contained
// in the completed set. Roots are ready against an empty set. Steps
// already present in completed are excluded.
func (g *Graph) Ready(completed map[string]bool) []string {
	var ready []string
	for id, step := range g.nodes {
		if completed[id] {
			continue
		}
		ok := true
		for _, depID := range step.DependsOn {
			if !completed[depID] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Descendants returns every step reachable from the given step by
// following dependent edges, excluding the step itself.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.dependents[cur] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Edges returns the dependency adjacency as a map from step id to its
// predecessor ids. Used to serialize the graph onto flow jobs.
func (g *Graph) Edges() map[string][]string {
	edges := make(map[string][]string, len(g.nodes))
	for id, step := range g.nodes {
		edges[id] = append([]string(nil), step.DependsOn...)
	}
	return edges
}

// TopoOrder returns step ids in a valid topological order.
// BuildGraph guarantees acyclicity, so this cannot fail.
func (g *Graph) TopoOrder() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for id, step := range g.nodes {
		inDegree[id] = len(step.DependsOn)
	}

	queue := g.Roots()
	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		for _, next := range g.dependents[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order
}
