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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/internal/backend/memory"
	"github.com/tombee/flume/internal/notify"
	"github.com/tombee/flume/internal/queue"
	"github.com/tombee/flume/pkg/content"
	"github.com/tombee/flume/pkg/engine"
	"github.com/tombee/flume/pkg/pipeline"
	"github.com/tombee/flume/pkg/tool"
)

type harness struct {
	engine  *engine.Engine
	runs    *memory.Backend
	queue   *queue.MemoryQueue
	content *content.MemoryStore
	tools   *tool.MemoryRegistry
	pstore  *pipeline.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	runs := memory.New()
	q := queue.NewMemoryQueue()
	cs := content.NewMemoryStore()
	reg := tool.NewMemoryRegistry()
	ps := pipeline.NewMemoryStore()
	require.NoError(t, reg.SeedDefaults("acme"))

	eng, err := engine.New(engine.Deps{
		Runs:      runs,
		Pipelines: ps,
		Tools:     reg,
		Content:   cs,
		Queue:     q,
		Notifier:  notify.Nop{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return &harness{engine: eng, runs: runs, queue: q, content: cs, tools: reg, pstore: ps}
}

// waitForStatus polls until the run reaches the status or the deadline
// passes.
func (h *harness) waitForStatus(t *testing.T, runID string, want backend.Status) *backend.Run {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.runs.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		if run.Status.IsTerminal() {
			t.Fatalf("run %s settled at %s (error=%q), want %s", runID, run.Status, run.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestPoolExecutesToolRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := h.content.Create(ctx, "acme", content.CreateContent{Name: "doc", Text: "First. Second. Third. Fourth."})
	require.NoError(t, err)
	summarize, err := h.tools.GetByBase(ctx, "acme", tool.BaseSummarize)
	require.NoError(t, err)

	run, err := h.engine.CreateRun(ctx, "acme", engine.CreateRunRequest{
		RunType:    backend.TypeToolRun,
		ToolID:     summarize.ID,
		ContentIDs: []string{in.ID},
	})
	require.NoError(t, err)

	pool := NewPool(h.queue, h.engine, DefaultExecutors(h.content), 2, nil)
	pool.Start(ctx)

	done := h.waitForStatus(t, run.ID, backend.StatusComplete)
	assert.Equal(t, float64(1), done.Progress)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	require.Len(t, done.Outputs, 1)

	summary, err := h.content.Get(ctx, "acme", done.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "First. Second. Third.", summary.Text)

	cancel()
	pool.Wait()
}

func TestPoolDrivesPipelineToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tools, err := h.tools.List(ctx, "acme")
	require.NoError(t, err)
	p, err := pipeline.Default("acme", tools)
	require.NoError(t, err)
	p, err = h.pstore.Create(ctx, p)
	require.NoError(t, err)

	in, err := h.content.Create(ctx, "acme", content.CreateContent{Name: "doc", Text: "Body text. More text."})
	require.NoError(t, err)

	parent, err := h.engine.CreateRun(ctx, "acme", engine.CreateRunRequest{
		RunType:    backend.TypePipelineRun,
		PipelineID: p.ID,
		ContentIDs: []string{in.ID},
	})
	require.NoError(t, err)

	pool := NewPool(h.queue, h.engine, DefaultExecutors(h.content), 4, nil)
	pool.Start(ctx)

	done := h.waitForStatus(t, parent.ID, backend.StatusComplete)
	assert.Equal(t, float64(1), done.Progress)

	children, err := h.runs.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, len(p.Steps))
	for _, c := range children {
		assert.Equal(t, backend.StatusComplete, c.Status, "child %s", c.PipelineStepID)
		assert.NotEmpty(t, c.Outputs, "child %s produced no outputs", c.PipelineStepID)
	}

	cancel()
	pool.Wait()
}

func TestPoolReportsExecutorFailure(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := h.content.Create(ctx, "acme", content.CreateContent{Name: "doc", Text: "text"})
	require.NoError(t, err)
	summarize, err := h.tools.GetByBase(ctx, "acme", tool.BaseSummarize)
	require.NoError(t, err)

	run, err := h.engine.CreateRun(ctx, "acme", engine.CreateRunRequest{
		RunType:    backend.TypeToolRun,
		ToolID:     summarize.ID,
		ContentIDs: []string{in.ID},
	})
	require.NoError(t, err)

	boom := map[string]Executor{
		tool.BaseSummarize: ExecutorFunc(func(ctx context.Context, job *queue.ToolJob) ([]string, error) {
			return nil, assert.AnError
		}),
	}
	pool := NewPool(h.queue, h.engine, boom, 1, nil)
	pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.runs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		if got.Status == backend.StatusError {
			assert.NotEmpty(t, got.Error)
			assert.NotNil(t, got.CompletedAt)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never failed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	pool.Wait()
}

func TestPoolSkipsUnknownToolBase(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := h.content.Create(ctx, "acme", content.CreateContent{Name: "doc", Text: "text"})
	require.NoError(t, err)
	summarize, err := h.tools.GetByBase(ctx, "acme", tool.BaseSummarize)
	require.NoError(t, err)

	run, err := h.engine.CreateRun(ctx, "acme", engine.CreateRunRequest{
		RunType:    backend.TypeToolRun,
		ToolID:     summarize.ID,
		ContentIDs: []string{in.ID},
	})
	require.NoError(t, err)

	// Executors that know nothing about summarize: the run must fail,
	// not hang.
	pool := NewPool(h.queue, h.engine, map[string]Executor{}, 1, nil)
	pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.runs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		if got.Status == backend.StatusError {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never failed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	pool.Wait()
}

func TestLeadingSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"truncates", "A. B. C. D.", 2, "A. B."},
		{"fewer than n", "Only one.", 3, "Only one."},
		{"no terminator", "no punctuation here", 2, "no punctuation here"},
		{"empty", "", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, leadingSentences(tt.in, tt.n))
		})
	}
}
