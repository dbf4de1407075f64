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

// Package daemon wires a durable.Storage backend, a world.World, and the
// registered workflow/step/class collaborators into a long-running
// process: an HTTP surface for queue push-delivery and webhook callbacks,
// plus in-process pull-loop consumers for the configured queue.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/northvane/durable/internal/config"
	internallog "github.com/northvane/durable/internal/log"
	"github.com/northvane/durable/internal/tracing"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/durable/memstore"
	"github.com/northvane/durable/pkg/durable/sqlite"
	"github.com/northvane/durable/pkg/hooks"
	"github.com/northvane/durable/pkg/orchestrator"
	"github.com/northvane/durable/pkg/stepexec"
	"github.com/northvane/durable/pkg/world"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options carries build-time metadata, reported in the daemon's startup
// log, the same shape the teacher's daemon exposes for its own binary.
type Options struct {
	Version string
	Commit  string
}

// Daemon owns the durable.Storage backend, the World, the two queue
// consumers (workflow engine, step executor), the hook resolver the
// webhook surface calls, and the HTTP server that fronts them.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	storage durable.Storage
	world   *world.World

	registry *orchestrator.WorkflowRegistry
	classes  *codec.ClassRegistry
	steps    *codec.StepRegistry

	engine   *orchestrator.Engine
	executor *stepexec.Executor
	resolver *hooks.Resolver
	webhooks *hooks.WebhookRegistry

	server         *http.Server
	ln             net.Listener
	tracerProvider *tracing.OTelProvider
	metricsServer  *http.Server
	metricsLn      net.Listener

	mu       sync.Mutex
	started  bool
	draining bool
	eg       *errgroup.Group
	cancel   context.CancelFunc
}

// New wires storage, world, and the queue consumers from cfg and the
// caller's registries. registry/classes/steps are supplied by the
// embedding application (the set of workflows and step functions it has
// registered); New does not register anything itself.
func New(cfg *config.Config, opts Options, logger *slog.Logger, registry *orchestrator.WorkflowRegistry, classes *codec.ClassRegistry, steps *codec.StepRegistry) (*Daemon, error) {
	storage, err := openStorage(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("daemon: open backend: %w", err)
	}

	q, err := openQueue(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("daemon: open queue: %w", err)
	}
	w := &world.World{Queue: q, Streams: world.NewMemoryStreamStore()}
	if cfg.Security.MasterKeyEnv != "" {
		if key := os.Getenv(cfg.Security.MasterKeyEnv); key != "" {
			w.EncryptionKeys = world.StaticKeyProvider{MasterKey: []byte(key)}
		}
	}
	webhooks := hooks.NewWebhookRegistry()

	var tracerProvider *tracing.OTelProvider
	var tracer trace.Tracer
	if cfg.Observability.Enabled {
		tracerProvider, err = tracing.NewOTelProviderWithConfig(tracing.Config{
			Enabled:        true,
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: opts.Version,
			Sampling:       tracing.DefaultConfig().Sampling,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: init tracing: %w", err)
		}
		tracer = otel.Tracer(cfg.Observability.ServiceName)
	}

	engine := &orchestrator.Engine{
		Storage:  storage,
		World:    w,
		Registry: registry,
		Classes:  classes,
		Steps:    steps,
		Webhooks: webhooks,
		Tracer:   tracer,
	}
	var limiter *rate.Limiter
	if cfg.World.StepRateLimit > 0 {
		burst := cfg.World.StepRateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.World.StepRateLimit), burst)
	}

	executor := &stepexec.Executor{
		Storage:     storage,
		World:       w,
		Steps:       steps,
		Classes:     classes,
		MaxRetries:  cfg.World.MaxStepRetries,
		Tracer:      tracer,
		RateLimiter: limiter,
	}
	resolver := &hooks.Resolver{
		Storage: storage,
		World:   w,
		Classes: classes,
		Steps:   steps,
	}

	return &Daemon{
		cfg:            cfg,
		opts:           opts,
		logger:         logger,
		storage:        storage,
		world:          w,
		registry:       registry,
		classes:        classes,
		steps:          steps,
		engine:         engine,
		executor:       executor,
		resolver:       resolver,
		webhooks:       webhooks,
		tracerProvider: tracerProvider,
	}, nil
}

func openStorage(cfg config.BackendConfig) (durable.Storage, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath})
	case "memory", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

// openQueue pairs each backend with a Queue implementation that shares
// its durability story: MemoryQueue only exists inside this process, so
// it is paired with the in-memory storage backend, while the sqlite
// backend gets a SQLiteQueue against the same database file, so a
// durablectl process started against that file can enqueue work this
// daemon will actually see.
func openQueue(cfg config.BackendConfig) (world.Queue, error) {
	switch cfg.Type {
	case "sqlite":
		return world.NewSQLiteQueue(world.SQLiteQueueConfig{Path: cfg.SQLitePath})
	case "memory", "":
		return world.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

// Start writes the PID file, mounts the HTTP surface, launches the
// in-process workflow/step pull-loop consumers against the configured
// queue, and begins serving. It blocks in http.Server.Serve until the
// server stops and returns Serve's error (http.ErrServerClosed after
// Shutdown), so callers run it in its own goroutine and call Shutdown
// to stop it.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.Daemon.PIDFile != "" {
		if err := os.WriteFile(d.cfg.Daemon.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("daemon: write pid file: %w", err)
		}
	}

	ln, err := net.Listen("tcp", d.cfg.Daemon.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.cfg.Daemon.ListenAddr, err)
	}
	d.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	eg := &errgroup.Group{}
	d.eg = eg
	eg.Go(func() error {
		if err := world.RunHandler(runCtx, d.world.Queue, world.WorkflowQueuePrefix, d.cfg.World.QueueVisibilityTimeout, d.engine.Handle); err != nil {
			d.logger.Error("workflow consumer stopped", internallog.Error(err))
		}
		return nil
	})
	eg.Go(func() error {
		if err := world.RunHandler(runCtx, d.world.Queue, world.StepQueuePrefix, d.cfg.World.QueueVisibilityTimeout, d.executor.Handle); err != nil {
			d.logger.Error("step consumer stopped", internallog.Error(err))
		}
		return nil
	})

	var handler http.Handler = d.mux()
	if d.tracerProvider != nil {
		handler = tracing.CorrelationMiddleware(tracing.HTTPMiddleware(tracing.TracingMiddleware(handler)))

		metricsLn, err := net.Listen("tcp", d.cfg.Observability.MetricsAddr)
		if err != nil {
			return fmt.Errorf("daemon: listen on metrics addr %s: %w", d.cfg.Observability.MetricsAddr, err)
		}
		d.metricsLn = metricsLn
		d.metricsServer = &http.Server{Handler: d.tracerProvider.MetricsHandler()}
		eg.Go(func() error {
			if err := d.metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server stopped", internallog.Error(err))
			}
			return nil
		})
		d.logger.Info("tracing enabled", internallog.String("metrics_addr", metricsLn.Addr().String()))
	}
	d.server = &http.Server{Handler: handler}

	d.logger.Info("daemon listening",
		internallog.String("addr", ln.Addr().String()),
		internallog.String("backend", d.cfg.Backend.Type),
		internallog.String("version", d.opts.Version))

	return d.server.Serve(ln)
}

// Shutdown stops accepting new HTTP requests, waits up to DrainTimeout
// for the in-process consumers to finish their current message, and
// closes the storage backend.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	d.mu.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
	defer shutdownCancel()
	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http server shutdown did not complete cleanly", internallog.Error(err))
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown did not complete cleanly", internallog.Error(err))
		}
	}
	if d.tracerProvider != nil {
		if err := d.tracerProvider.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("tracer provider shutdown did not complete cleanly", internallog.Error(err))
		}
	}

	if d.cancel != nil {
		d.cancel()
	}

	if d.eg != nil {
		drained := make(chan struct{})
		go func() {
			_ = d.eg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(d.cfg.Daemon.DrainTimeout):
			d.logger.Warn("drain timeout elapsed with consumers still running")
		}
	}

	if d.cfg.Daemon.PIDFile != "" {
		_ = os.Remove(d.cfg.Daemon.PIDFile)
	}

	return d.storage.Close()
}

// Webhooks returns the registry an embedding application's CreateWebhook
// wiring registers response contracts into.
func (d *Daemon) Webhooks() *hooks.WebhookRegistry {
	return d.webhooks
}
