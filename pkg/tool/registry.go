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

package tool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flume/pkg/errors"
)

// MemoryRegistry is an in-memory implementation of Registry.
// It is thread-safe and suitable for testing or single-instance deployments.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewMemoryRegistry creates a new in-memory tool registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool to the registry. The ID is assigned if empty.
func (r *MemoryRegistry) Register(t *Tool) (*Tool, error) {
	if t == nil {
		return nil, &errors.ValidationError{
			Field:   "tool",
			Message: "tool cannot be nil",
		}
	}
	if t.Orgname == "" {
		return nil, &errors.ValidationError{
			Field:   "orgname",
			Message: "organization name cannot be empty",
		}
	}
	if t.ToolBase == "" {
		return nil, &errors.ValidationError{
			Field:   "tool_base",
			Message: "tool base cannot be empty",
		}
	}

	cp := *t
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[cp.ID]; exists {
		return nil, &errors.ConflictError{
			Resource: "tool",
			ID:       cp.ID,
			Reason:   "already registered",
		}
	}
	r.tools[cp.ID] = &cp

	out := cp
	return &out, nil
}

// SeedDefaults installs one tool per known base for the organization.
// The extract-text tool is the conventional root of default pipelines.
func (r *MemoryRegistry) SeedDefaults(orgname string) error {
	defaults := []Tool{
		{Orgname: orgname, Name: "Extract Text", ToolBase: BaseExtractText, InputType: TypeDocument, OutputType: TypeText},
		{Orgname: orgname, Name: "Summarize", ToolBase: BaseSummarize, InputType: TypeText, OutputType: TypeText},
		{Orgname: orgname, Name: "Create Embeddings", ToolBase: BaseCreateEmbeddings, InputType: TypeText, OutputType: TypeVector},
		{Orgname: orgname, Name: "Text to Image", ToolBase: BaseTextToImage, InputType: TypeText, OutputType: TypeImage},
		{Orgname: orgname, Name: "Text to Speech", ToolBase: BaseTextToSpeech, InputType: TypeText, OutputType: TypeAudio},
	}

	for i := range defaults {
		if _, err := r.Register(&defaults[i]); err != nil {
			return errors.Wrapf(err, "seeding tool %s", defaults[i].ToolBase)
		}
	}
	return nil
}

// Get retrieves a tool by ID within the organization's scope.
func (r *MemoryRegistry) Get(ctx context.Context, orgname, id string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[id]
	if !exists || t.Orgname != orgname {
		return nil, &errors.NotFoundError{
			Resource: "tool",
			ID:       id,
		}
	}

	cp := *t
	return &cp, nil
}

// GetByBase retrieves the organization's tool for a given base identifier.
func (r *MemoryRegistry) GetByBase(ctx context.Context, orgname, base string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tools {
		if t.Orgname == orgname && t.ToolBase == base {
			cp := *t
			return &cp, nil
		}
	}
	return nil, &errors.NotFoundError{
		Resource: "tool",
		ID:       base,
	}
}

// List returns all tools in the organization's catalog.
func (r *MemoryRegistry) List(ctx context.Context, orgname string) ([]*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Tool
	for _, t := range r.tools {
		if t.Orgname == orgname {
			cp := *t
			results = append(results, &cp)
		}
	}
	return results, nil
}
