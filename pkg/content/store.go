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

package content

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flume/pkg/errors"
)

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for testing or single-instance deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Content
}

// NewMemoryStore creates a new in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Content),
	}
}

// Get retrieves a content item by ID within the organization's scope.
func (s *MemoryStore) Get(ctx context.Context, orgname, id string) (*Content, error) {
	if id == "" {
		return nil, &errors.ValidationError{
			Field:   "id",
			Message: "content ID cannot be empty",
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[id]
	if !exists || item.Orgname != orgname {
		return nil, &errors.NotFoundError{
			Resource: "content",
			ID:       id,
		}
	}

	return copyContent(item), nil
}

// Create persists a new content item owned by the organization.
func (s *MemoryStore) Create(ctx context.Context, orgname string, create CreateContent) (*Content, error) {
	if orgname == "" {
		return nil, &errors.ValidationError{
			Field:   "orgname",
			Message: "organization name cannot be empty",
		}
	}
	if create.Name == "" {
		return nil, &errors.ValidationError{
			Field:   "name",
			Message: "content name cannot be empty",
		}
	}

	item := &Content{
		ID:        uuid.New().String(),
		Orgname:   orgname,
		Name:      create.Name,
		Text:      create.Text,
		URL:       create.URL,
		Labels:    append([]string(nil), create.Labels...),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()

	return copyContent(item), nil
}

// List returns all content items owned by the organization.
func (s *MemoryStore) List(ctx context.Context, orgname string) ([]*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Content
	for _, item := range s.items {
		if item.Orgname == orgname {
			results = append(results, copyContent(item))
		}
	}
	return results, nil
}

// copyContent creates a copy of a content item to prevent external mutation.
func copyContent(c *Content) *Content {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Labels = append([]string(nil), c.Labels...)
	return &cp
}
