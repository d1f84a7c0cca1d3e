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

// Package tool defines the catalog of executable units that pipeline
// steps reference. A tool's base identifier is the work-type
// discriminator carried on queue jobs.
package tool

import (
	"context"
	"time"
)

// ContentType describes the kind of content a tool consumes or produces.
type ContentType string

const (
	TypeDocument ContentType = "document"
	TypeText     ContentType = "text"
	TypeImage    ContentType = "image"
	TypeAudio    ContentType = "audio"
	TypeVector   ContentType = "vector"
)

// Known tool bases. Each base names one unit of executable work; the
// worker pool routes jobs to executors by base.
const (
	BaseExtractText      = "extract-text"
	BaseSummarize        = "summarize"
	BaseCreateEmbeddings = "create-embeddings"
	BaseTextToImage      = "text-to-image"
	BaseTextToSpeech     = "text-to-speech"
)

// Tool is one entry in an organization's tool catalog.
type Tool struct {
	ID          string      `json:"id"`
	Orgname     string      `json:"orgname"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	ToolBase    string      `json:"tool_base"`
	InputType   ContentType `json:"input_type"`
	OutputType  ContentType `json:"output_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Registry is the tool catalog interface consumed by the engine.
type Registry interface {
	// Get retrieves a tool by ID within the organization's scope.
	Get(ctx context.Context, orgname, id string) (*Tool, error)

	// GetByBase retrieves the organization's tool for a given base identifier.
	GetByBase(ctx context.Context, orgname, base string) (*Tool, error)

	// List returns all tools in the organization's catalog.
	List(ctx context.Context, orgname string) ([]*Tool, error)
}
