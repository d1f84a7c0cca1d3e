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

// Package daemon wires configuration, storage, queue, engine, workers
// and the HTTP surface into a running flumed instance.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/internal/backend/memory"
	"github.com/tombee/flume/internal/backend/sqlite"
	"github.com/tombee/flume/internal/config"
	internallog "github.com/tombee/flume/internal/log"
	"github.com/tombee/flume/internal/notify"
	"github.com/tombee/flume/internal/queue"
	"github.com/tombee/flume/internal/tracing"
	"github.com/tombee/flume/internal/worker"
	"github.com/tombee/flume/pkg/content"
	"github.com/tombee/flume/pkg/engine"
	"github.com/tombee/flume/pkg/pipeline"
	"github.com/tombee/flume/pkg/tool"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the flumed composition root.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend   backend.Backend
	queue     *queue.MemoryQueue
	hub       *notify.Hub
	content   content.Store
	tools     tool.Registry
	pipelines pipeline.Store
	engine    *engine.Engine
	pool      *worker.Pool
	tracer    *tracing.Provider

	server      *http.Server
	ln          net.Listener
	stopWorkers context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New builds a daemon from configuration. Nothing starts until Start
// is called.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	tracer, err := tracing.Setup(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	var be backend.Backend
	switch cfg.Backend.Type {
	case config.BackendSQLite:
		be, err = sqlite.New(sqlite.Config{
			Path: cfg.Backend.SQLite.Path,
			WAL:  cfg.Backend.SQLite.WAL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		logger.Info("sqlite backend ready", slog.String("path", cfg.Backend.SQLite.Path))
	default:
		be = memory.New()
		logger.Info("memory backend ready")
	}

	q := queue.NewMemoryQueue()
	hub := notify.NewHub(logger)
	contentStore := content.NewMemoryStore()
	registry := tool.NewMemoryRegistry()
	pipelines := pipeline.NewMemoryStore()

	if err := seedOrgs(context.Background(), cfg.Orgs, registry, pipelines, logger); err != nil {
		be.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Deps{
		Runs:      be,
		Pipelines: pipelines,
		Tools:     registry,
		Content:   contentStore,
		Queue:     q,
		Notifier:  hub,
		Logger:    logger,
	})
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	pool := worker.NewPool(q, eng, worker.DefaultExecutors(contentStore), cfg.Worker.Concurrency, logger)

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		backend:   be,
		queue:     q,
		hub:       hub,
		content:   contentStore,
		tools:     registry,
		pipelines: pipelines,
		engine:    eng,
		pool:      pool,
		tracer:    tracer,
	}, nil
}

// seedOrgs installs the builtin tool catalog and a default pipeline
// for each configured organization.
func seedOrgs(ctx context.Context, orgs []string, registry *tool.MemoryRegistry, pipelines pipeline.Store, logger *slog.Logger) error {
	for _, org := range orgs {
		if err := registry.SeedDefaults(org); err != nil {
			return fmt.Errorf("failed to seed tools for %s: %w", org, err)
		}
		tools, err := registry.List(ctx, org)
		if err != nil {
			return fmt.Errorf("failed to list tools for %s: %w", org, err)
		}
		p, err := pipeline.Default(org, tools)
		if err != nil {
			return fmt.Errorf("failed to build default pipeline for %s: %w", org, err)
		}
		if _, err := pipelines.Create(ctx, p); err != nil {
			return fmt.Errorf("failed to store default pipeline for %s: %w", org, err)
		}
		logger.Info("organization seeded",
			internallog.String(internallog.OrgKey, org),
			internallog.Int("tools", len(tools)))
	}
	return nil
}

// Engine exposes the run engine, mainly for embedding and tests.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Addr returns the bound listener address, or empty before Start.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start binds the listener, launches the worker pool and begins
// serving HTTP. It does not block.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.Background())
	d.stopWorkers = cancel
	d.pool.Start(workerCtx)

	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Listen, err)
	}
	d.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", d.hub)

	d.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error("HTTP server error", internallog.Error(err))
		}
	}()

	d.logger.Info("daemon started",
		slog.String("addr", ln.Addr().String()),
		slog.String("backend", d.cfg.Backend.Type),
		slog.Int("workers", d.cfg.Worker.Concurrency),
		slog.String("version", d.opts.Version))

	return nil
}

// Run starts the daemon and blocks until the context is cancelled,
// then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

// Shutdown stops intake, drains the workers and releases resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}
	d.started = false

	d.logger.Info("graceful shutdown initiated")

	// Stop accepting HTTP work first so no new runs arrive.
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	// Closing the queue wakes blocked workers; cancelling covers any
	// executor mid-flight.
	d.queue.Close()
	if d.stopWorkers != nil {
		d.stopWorkers()
	}
	d.pool.Wait()

	if err := d.hub.Close(); err != nil {
		d.logger.Error("hub shutdown error", internallog.Error(err))
	}

	if err := d.backend.Close(); err != nil {
		d.logger.Error("backend shutdown error", internallog.Error(err))
	}

	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Error("tracing shutdown error", internallog.Error(err))
		}
	}

	d.logger.Info("shutdown complete")
	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","version":%q,"queue_depth":%d}`+"\n",
		d.opts.Version, d.queue.Len())
}
