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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Runs are deep-copied on the
// way in and out so callers never share mutable state with the store.
type Backend struct {
	mu   sync.RWMutex
	runs map[string]*backend.Run
	// seq preserves insertion order for stable child listings.
	seq []string
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs: make(map[string]*backend.Run),
	}
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(run)
}

// CreateRuns creates a batch of runs atomically.
func (b *Backend) CreateRuns(ctx context.Context, runs []*backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, run := range runs {
		if _, exists := b.runs[run.ID]; exists {
			return &errors.ConflictError{
				Resource: "run",
				ID:       run.ID,
				Reason:   "already exists",
			}
		}
	}
	for _, run := range runs {
		if err := b.createLocked(run); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) createLocked(run *backend.Run) error {
	if run.ID == "" {
		return &errors.ValidationError{
			Field:   "id",
			Message: "run id cannot be empty",
		}
	}
	if _, exists := b.runs[run.ID]; exists {
		return &errors.ConflictError{
			Resource: "run",
			ID:       run.ID,
			Reason:   "already exists",
		}
	}

	cp := run.Clone()
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	b.runs[cp.ID] = cp
	b.seq = append(b.seq, cp.ID)

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run.Clone(), nil
}

// UpdateRun updates an existing run. Last write wins.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	old, exists := b.runs[run.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	cp := run.Clone()
	cp.CreatedAt = old.CreatedAt
	cp.UpdatedAt = time.Now()
	b.runs[run.ID] = cp

	run.UpdatedAt = cp.UpdatedAt
	return nil
}

// AttachContent adds content ids to a run's input or output edge set.
func (b *Backend) AttachContent(ctx context.Context, runID string, kind backend.ContentKind, contentIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[runID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}

	switch kind {
	case backend.KindInput:
		run.Inputs = union(run.Inputs, contentIDs)
	case backend.KindOutput:
		run.Outputs = union(run.Outputs, contentIDs)
	default:
		return &errors.ValidationError{
			Field:   "kind",
			Message: "content kind must be input or output",
		}
	}
	run.UpdatedAt = time.Now()
	return nil
}

// ListRuns lists runs with optional filtering.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Run
	for _, id := range b.seq {
		run := b.runs[id]
		if !matches(run, filter) {
			continue
		}
		result = append(result, run.Clone())
	}

	sortRuns(result, filter.SortBy, filter.SortDir)

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListChildren retrieves the child runs of a pipeline run in creation order.
func (b *Backend) ListChildren(ctx context.Context, pipelineRunID string) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Run
	for _, id := range b.seq {
		run := b.runs[id]
		if run.PipelineRunID == pipelineRunID {
			result = append(result, run.Clone())
		}
	}
	return result, nil
}

// DeleteRun deletes a run.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[id]; !exists {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	delete(b.runs, id)
	for i, sid := range b.seq {
		if sid == id {
			b.seq = append(b.seq[:i], b.seq[i+1:]...)
			break
		}
	}
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}

func matches(run *backend.Run, f backend.RunFilter) bool {
	if f.Orgname != "" && run.Orgname != f.Orgname {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.RunType != "" && run.RunType != f.RunType {
		return false
	}
	if f.PipelineID != "" && run.PipelineID != f.PipelineID {
		return false
	}
	if f.ToolID != "" && run.ToolID != f.ToolID {
		return false
	}
	if f.TopLevelOnly && run.IsChild() {
		return false
	}
	return true
}

func sortRuns(runs []*backend.Run, sortBy, sortDir string) {
	key := func(r *backend.Run) time.Time {
		if sortBy == "updated_at" {
			return r.UpdatedAt
		}
		return r.CreatedAt
	}
	asc := sortDir == "asc"
	sort.SliceStable(runs, func(i, j int) bool {
		if asc {
			return key(runs[i]).Before(key(runs[j]))
		}
		return key(runs[i]).After(key(runs[j]))
	})
}

func union(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			seen[id] = true
			existing = append(existing, id)
		}
	}
	return existing
}
