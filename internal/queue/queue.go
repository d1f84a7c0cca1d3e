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

// Package queue provides the work queue between the run engine and the
// worker pool.
//
// Delivery is at-least-once: the engine tags every job with an
// idempotency key (the run id) so duplicate deliveries are harmless,
// and the in-memory queue additionally suppresses re-enqueues of a key
// that is still pending.
package queue

import (
	"context"
	"sync"
	"time"
)

// Kind discriminates the payload carried by a Job.
type Kind string

const (
	// KindTool executes one tool against a run's inputs.
	KindTool Kind = "tool"
	// KindFlow announces a full pipeline DAG to fabrics with native
	// flow support. In-process workers acknowledge and log it.
	KindFlow Kind = "flow"
)

// Job is a closed tagged union: exactly one payload pointer is non-nil,
// matching the Kind.
type Job struct {
	Kind           Kind
	IdempotencyKey string
	CreatedAt      time.Time

	Tool *ToolJob
	Flow *FlowJob
}

// ToolJob is a request to execute one tool for one run.
type ToolJob struct {
	RunID           string
	ToolID          string
	ToolBase        string
	Orgname         string
	InputContentIDs []string
}

// FlowJob carries a pipeline run's dependency graph: step id to
// predecessor step ids.
type FlowJob struct {
	RunID   string
	Orgname string
	Graph   map[string][]string
}

// NewToolJob builds a tool job keyed by the run id.
func NewToolJob(tj ToolJob) *Job {
	return &Job{
		Kind:           KindTool,
		IdempotencyKey: tj.RunID,
		CreatedAt:      time.Now(),
		Tool:           &tj,
	}
}

// NewFlowJob builds a flow job keyed by the pipeline run id.
func NewFlowJob(fj FlowJob) *Job {
	return &Job{
		Kind:           KindFlow,
		IdempotencyKey: "flow:" + fj.RunID,
		CreatedAt:      time.Now(),
		Flow:           &fj,
	}
}

// Queue defines the interface for job queue implementations.
type Queue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the next job from the queue.
	// Blocks until a job is available or context is cancelled.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the number of jobs in the queue.
	Len() int

	// Close closes the queue.
	Close() error
}

// MemoryQueue is an in-memory FIFO queue implementation.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    []*Job
	pending map[string]bool
	signal  chan struct{}

	closed   bool
	closedMu sync.RWMutex
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make([]*Job, 0),
		pending: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the queue. Re-enqueueing a job whose
// idempotency key is still awaiting delivery is a no-op.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if job.IdempotencyKey != "" && q.pending[job.IdempotencyKey] {
		return nil
	}
	if job.IdempotencyKey != "" {
		q.pending[job.IdempotencyKey] = true
	}
	q.jobs = append(q.jobs, job)

	// Signal that a job is available
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next job from the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			if job.IdempotencyKey != "" {
				delete(q.pending, job.IdempotencyKey)
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		// Wait for a job or context cancellation
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// Job may be available, loop again
		}
	}
}

// Len returns the number of jobs in the queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}
