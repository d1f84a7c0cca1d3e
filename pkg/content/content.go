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

// Package content defines organization-owned input/output artifacts
// referenced by runs. The engine reads and writes content references;
// it never interprets the payload itself.
package content

import (
	"context"
	"time"
)

// Content is an organization-owned artifact. Exactly one of Text or URL
// is typically set; binary payloads are referenced indirectly via URL.
type Content struct {
	ID        string    `json:"id"`
	Orgname   string    `json:"orgname"`
	Name      string    `json:"name"`
	Text      string    `json:"text,omitempty"`
	URL       string    `json:"url,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateContent is the payload for creating a new content item.
type CreateContent struct {
	Name   string
	Text   string
	URL    string
	Labels []string
}

// Store is the content persistence interface consumed by the engine.
// Implementations must scope every lookup to the requesting organization:
// a content id owned by another organization is a not-found error.
type Store interface {
	// Get retrieves a content item by ID within the organization's scope.
	Get(ctx context.Context, orgname, id string) (*Content, error)

	// Create persists a new content item owned by the organization.
	Create(ctx context.Context, orgname string, create CreateContent) (*Content, error)

	// List returns all content items owned by the organization.
	List(ctx context.Context, orgname string) ([]*Content, error)
}
