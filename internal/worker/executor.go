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

package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/tombee/flume/internal/queue"
	"github.com/tombee/flume/pkg/content"
	"github.com/tombee/flume/pkg/errors"
	"github.com/tombee/flume/pkg/tool"
)

// Executor runs one tool job and returns the ids of the content it
// produced.
type Executor interface {
	Execute(ctx context.Context, job *queue.ToolJob) ([]string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *queue.ToolJob) ([]string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job *queue.ToolJob) ([]string, error) {
	return f(ctx, job)
}

// DefaultExecutors returns the builtin executor per known tool base.
// They are text-plumbing stand-ins: each reads the job's input content
// and produces derived content of the tool's output type.
func DefaultExecutors(store content.Store) map[string]Executor {
	return map[string]Executor{
		tool.BaseExtractText:      &extractTextExecutor{store: store},
		tool.BaseSummarize:        &summarizeExecutor{store: store},
		tool.BaseCreateEmbeddings: &embeddingsExecutor{store: store},
		tool.BaseTextToImage:      &textToImageExecutor{store: store},
		tool.BaseTextToSpeech:     &textToSpeechExecutor{store: store},
	}
}

// loadInputs resolves the job's input content within its organization.
func loadInputs(ctx context.Context, store content.Store, job *queue.ToolJob) ([]*content.Content, error) {
	if len(job.InputContentIDs) == 0 {
		return nil, errors.New("job has no inputs")
	}
	items := make([]*content.Content, 0, len(job.InputContentIDs))
	for _, id := range job.InputContentIDs {
		c, err := store.Get(ctx, job.Orgname, id)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, nil
}

// extractTextExecutor passes text bodies through and stubs URL
// references with a fetched-body marker.
type extractTextExecutor struct {
	store content.Store
}

func (e *extractTextExecutor) Execute(ctx context.Context, job *queue.ToolJob) ([]string, error) {
	inputs, err := loadInputs(ctx, e.store, job)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, in := range inputs {
		text := in.Text
		if text == "" && in.URL != "" {
			text = fmt.Sprintf("[extracted from %s]", in.URL)
		}
		if text == "" {
			return nil, fmt.Errorf("content %s has neither text nor url", in.ID)
		}
		c, err := e.store.Create(ctx, job.Orgname, content.CreateContent{
			Name:   in.Name + " (text)",
			Text:   text,
			Labels: []string{"extract-text"},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID)
	}
	return out, nil
}

// summarizeExecutor truncates each input to its leading sentences.
type summarizeExecutor struct {
	store content.Store
}

const summarySentences = 3

func (e *summarizeExecutor) Execute(ctx context.Context, job *queue.ToolJob) ([]string, error) {
	inputs, err := loadInputs(ctx, e.store, job)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, in := range inputs {
		c, err := e.store.Create(ctx, job.Orgname, content.CreateContent{
			Name:   in.Name + " (summary)",
			Text:   leadingSentences(in.Text, summarySentences),
			Labels: []string{"summarize"},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID)
	}
	return out, nil
}

// leadingSentences returns the first n sentences of text, or the whole
// text when it has fewer.
func leadingSentences(text string, n int) string {
	count := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				return strings.TrimSpace(text[:i+1])
			}
		}
	}
	return strings.TrimSpace(text)
}

// embeddingsExecutor emits one vector stub per input.
type embeddingsExecutor struct {
	store content.Store
}

func (e *embeddingsExecutor) Execute(ctx context.Context, job *queue.ToolJob) ([]string, error) {
	inputs, err := loadInputs(ctx, e.store, job)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, in := range inputs {
		c, err := e.store.Create(ctx, job.Orgname, content.CreateContent{
			Name:   in.Name + " (embedding)",
			Text:   fmt.Sprintf("embedding:%d", len(in.Text)),
			Labels: []string{"create-embeddings"},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID)
	}
	return out, nil
}

// textToImageExecutor emits a URL reference per input.
type textToImageExecutor struct {
	store content.Store
}

func (e *textToImageExecutor) Execute(ctx context.Context, job *queue.ToolJob) ([]string, error) {
	return deriveURL(ctx, e.store, job, "image", "text-to-image")
}

// textToSpeechExecutor emits a URL reference per input.
type textToSpeechExecutor struct {
	store content.Store
}

func (e *textToSpeechExecutor) Execute(ctx context.Context, job *queue.ToolJob) ([]string, error) {
	return deriveURL(ctx, e.store, job, "audio", "text-to-speech")
}

func deriveURL(ctx context.Context, store content.Store, job *queue.ToolJob, kind, label string) ([]string, error) {
	inputs, err := loadInputs(ctx, store, job)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, in := range inputs {
		c, err := store.Create(ctx, job.Orgname, content.CreateContent{
			Name:   fmt.Sprintf("%s (%s)", in.Name, kind),
			URL:    fmt.Sprintf("flume://%s/%s/%s", job.Orgname, kind, in.ID),
			Labels: []string{label},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID)
	}
	return out, nil
}
