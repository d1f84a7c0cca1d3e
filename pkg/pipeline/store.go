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
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flume/pkg/errors"
)

// Store defines the interface for pipeline persistence.
type Store interface {
	// Create validates and persists a new pipeline with its step set.
	Create(ctx context.Context, p *Pipeline) (*Pipeline, error)

	// Get retrieves a pipeline with its steps by ID within the
	// organization's scope.
	Get(ctx context.Context, orgname, id string) (*Pipeline, error)

	// List returns all pipelines owned by the organization.
	List(ctx context.Context, orgname string) ([]*Pipeline, error)

	// ReplaceSteps destructively replaces a pipeline's step set:
	// every existing step is deleted and the new set is validated and
	// recreated. Runs created from the prior definition keep their
	// original step linkage.
	ReplaceSteps(ctx context.Context, orgname, id string, steps []Step) (*Pipeline, error)

	// Delete removes a pipeline and its steps. Historical runs that
	// reference the pipeline are unaffected.
	Delete(ctx context.Context, orgname, id string) error

	// GetStep retrieves one step by id within the organization's scope.
	GetStep(ctx context.Context, orgname, stepID string) (*Step, error)
}

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for testing or single-instance deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	steps     map[string]*Step // flat index, keyed by step id
}

// NewMemoryStore creates a new in-memory pipeline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*Pipeline),
		steps:     make(map[string]*Step),
	}
}

// Create validates and persists a new pipeline with its step set.
func (s *MemoryStore) Create(ctx context.Context, p *Pipeline) (*Pipeline, error) {
	if p == nil {
		return nil, &errors.ValidationError{
			Field:   "pipeline",
			Message: "pipeline cannot be nil",
		}
	}
	if p.Orgname == "" {
		return nil, &errors.ValidationError{
			Field:   "orgname",
			Message: "organization name cannot be empty",
		}
	}
	if p.Name == "" {
		return nil, &errors.ValidationError{
			Field:   "name",
			Message: "pipeline name cannot be empty",
		}
	}
	if err := ValidateSteps(p.Steps); err != nil {
		return nil, err
	}

	cp := *p
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Steps = normalizeSteps(cp.ID, p.Steps)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[cp.ID]; exists {
		return nil, &errors.ConflictError{
			Resource: "pipeline",
			ID:       cp.ID,
			Reason:   "already exists",
		}
	}

	s.pipelines[cp.ID] = &cp
	for i := range cp.Steps {
		s.steps[cp.Steps[i].ID] = &cp.Steps[i]
	}

	return copyPipeline(&cp), nil
}

// Get retrieves a pipeline with its steps by ID.
func (s *MemoryStore) Get(ctx context.Context, orgname, id string) (*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pipelines[id]
	if !exists || p.Orgname != orgname {
		return nil, &errors.NotFoundError{
			Resource: "pipeline",
			ID:       id,
		}
	}
	return copyPipeline(p), nil
}

// List returns all pipelines owned by the organization.
func (s *MemoryStore) List(ctx context.Context, orgname string) ([]*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Pipeline
	for _, p := range s.pipelines {
		if p.Orgname == orgname {
			results = append(results, copyPipeline(p))
		}
	}
	return results, nil
}

// ReplaceSteps destructively replaces a pipeline's step set.
func (s *MemoryStore) ReplaceSteps(ctx context.Context, orgname, id string, steps []Step) (*Pipeline, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pipelines[id]
	if !exists || p.Orgname != orgname {
		return nil, &errors.NotFoundError{
			Resource: "pipeline",
			ID:       id,
		}
	}

	// Delete all, recreate from the payload.
	for i := range p.Steps {
		delete(s.steps, p.Steps[i].ID)
	}
	p.Steps = normalizeSteps(p.ID, steps)
	p.UpdatedAt = time.Now()
	for i := range p.Steps {
		s.steps[p.Steps[i].ID] = &p.Steps[i]
	}

	return copyPipeline(p), nil
}

// Delete removes a pipeline and its steps.
func (s *MemoryStore) Delete(ctx context.Context, orgname, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pipelines[id]
	if !exists || p.Orgname != orgname {
		return &errors.NotFoundError{
			Resource: "pipeline",
			ID:       id,
		}
	}

	for i := range p.Steps {
		delete(s.steps, p.Steps[i].ID)
	}
	delete(s.pipelines, id)
	return nil
}

// GetStep retrieves one step by id within the organization's scope.
func (s *MemoryStore) GetStep(ctx context.Context, orgname, stepID string) (*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, exists := s.steps[stepID]
	if !exists {
		return nil, &errors.NotFoundError{
			Resource: "step",
			ID:       stepID,
		}
	}
	parent, ok := s.pipelines[step.PipelineID]
	if !ok || parent.Orgname != orgname {
		return nil, &errors.NotFoundError{
			Resource: "step",
			ID:       stepID,
		}
	}

	cp := *step
	cp.DependsOn = append([]string(nil), step.DependsOn...)
	cp.Dependents = append([]string(nil), step.Dependents...)
	return &cp, nil
}

// copyPipeline creates a deep copy of a pipeline and its steps.
func copyPipeline(p *Pipeline) *Pipeline {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	for i := range p.Steps {
		cp.Steps[i] = p.Steps[i]
		cp.Steps[i].DependsOn = append([]string(nil), p.Steps[i].DependsOn...)
		cp.Steps[i].Dependents = append([]string(nil), p.Steps[i].Dependents...)
	}
	return &cp
}
