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

// Package worker consumes the job queue and executes tool jobs,
// reporting progress and results back to the run engine.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/internal/log"
	"github.com/tombee/flume/internal/metrics"
	"github.com/tombee/flume/internal/queue"
)

// RunReporter is the slice of the engine the pool needs: status
// transitions and output attachment.
type RunReporter interface {
	SetStatus(ctx context.Context, runID string, status backend.Status) (*backend.Run, error)
	SetRunError(ctx context.Context, runID, message string) (*backend.Run, error)
	AttachContent(ctx context.Context, runID string, kind backend.ContentKind, contentIDs []string) error
}

// Pool executes queued jobs with a fixed number of workers.
type Pool struct {
	queue       queue.Queue
	reporter    RunReporter
	executors   map[string]Executor
	concurrency int
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewPool creates a worker pool. Concurrency values below 1 are raised
// to 1.
func NewPool(q queue.Queue, reporter RunReporter, executors map[string]Executor, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:       q,
		reporter:    reporter,
		executors:   executors,
		concurrency: concurrency,
		logger:      log.WithComponent(logger, "worker"),
	}
}

// Start launches the workers. They run until the context is cancelled
// or the queue is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	logger := p.logger.With(log.Int("worker", id))
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrQueueClosed || ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", log.Error(err))
			return
		}
		metrics.SetQueueDepth(p.queue.Len())

		switch job.Kind {
		case queue.KindTool:
			p.runTool(ctx, logger, job.Tool)
		case queue.KindFlow:
			// Dispatch ordering is engine-driven; the flow job exists
			// for queue fabrics with native DAG support.
			logger.Info("flow acknowledged",
				log.String(log.RunIDKey, job.Flow.RunID),
				log.Int("steps", len(job.Flow.Graph)))
		default:
			logger.Warn("unknown job kind", log.String(log.JobKey, string(job.Kind)))
		}
	}
}

func (p *Pool) runTool(ctx context.Context, logger *slog.Logger, tj *queue.ToolJob) {
	logger = logger.With(
		log.String(log.RunIDKey, tj.RunID),
		log.String("tool_base", tj.ToolBase))

	exec, ok := p.executors[tj.ToolBase]
	if !ok {
		p.fail(ctx, logger, tj.RunID, fmt.Sprintf("no executor for tool base %q", tj.ToolBase))
		return
	}

	if _, err := p.reporter.SetStatus(ctx, tj.RunID, backend.StatusProcessing); err != nil {
		// A terminal run (short-circuited while queued) stays put.
		logger.Warn("run not startable", log.Error(err))
		return
	}

	start := time.Now()
	outputs, err := exec.Execute(ctx, tj)
	metrics.ObserveJobDuration(tj.ToolBase, time.Since(start).Seconds())
	if err != nil {
		p.fail(ctx, logger, tj.RunID, err.Error())
		return
	}

	if len(outputs) > 0 {
		if err := p.reporter.AttachContent(ctx, tj.RunID, backend.KindOutput, outputs); err != nil {
			p.fail(ctx, logger, tj.RunID, fmt.Sprintf("failed to attach outputs: %v", err))
			return
		}
	}
	if _, err := p.reporter.SetStatus(ctx, tj.RunID, backend.StatusComplete); err != nil {
		logger.Error("completion report failed", log.Error(err))
		return
	}
	logger.Info("tool job complete", log.Int("outputs", len(outputs)))
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, runID, message string) {
	logger.Error("tool job failed", log.String("reason", message))
	if _, err := p.reporter.SetRunError(ctx, runID, message); err != nil {
		logger.Error("error report failed", log.Error(err))
	}
}
