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

// Command durabled runs the workflow engine's HTTP surface and in-process
// queue consumers. Workflow and step functions are registered in Go code,
// not loaded from files, so this binary is a starting point: a deployment
// imports pkg/orchestrator/pkg/stepexec, registers its own workflows and
// steps below, and builds its own durabled from there.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/northvane/durable/internal/config"
	"github.com/northvane/durable/internal/daemon"
	"github.com/northvane/durable/internal/log"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/orchestrator"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file")
		backendType = flag.String("backend", "", "Storage backend (memory, sqlite)")
		listenAddr  = flag.String("listen", "", "TCP address to listen on")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("durabled %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *listenAddr != "" {
		cfg.Daemon.ListenAddr = *listenAddr
	}

	registry := orchestrator.NewWorkflowRegistry()
	classes := codec.NewClassRegistry()
	steps := codec.NewStepRegistry()
	registerWorkflows(registry, classes, steps)

	d, err := daemon.New(cfg, daemon.Options{Version: version, Commit: commit}, logger, registry, classes, steps)
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", log.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", log.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			os.Exit(1)
		}
	}
}

// registerWorkflows is where a deployment registers its workflow
// functions, step functions, and durable classes. Empty by default.
func registerWorkflows(_ *orchestrator.WorkflowRegistry, _ *codec.ClassRegistry, _ *codec.StepRegistry) {
}
