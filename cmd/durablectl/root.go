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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/northvane/durable/internal/clishared"
	"github.com/northvane/durable/internal/config"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/durable/memstore"
	"github.com/northvane/durable/pkg/durable/sqlite"
	"github.com/northvane/durable/pkg/runtime"
	"github.com/northvane/durable/pkg/world"
)

// NewRootCommand builds durablectl's root command and every subcommand.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "durablectl",
		Short: "durablectl - durable workflow run control",
		Long: `durablectl starts, inspects, and manages workflow runs against the
durable.Storage backend a deployment's durabled daemon is configured
with.

Read-only and lifecycle operations (status, cancel, wake-up, streams)
talk to the storage backend directly and work regardless of which
process is running the backing durabled. Start and recreate also enqueue
a workflow-queue message: against the sqlite backend that message is
visible to any durabled pointed at the same database file; against the
memory backend it is only visible within this process, so those two
subcommands are most useful there for local testing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, jsonOut, cfgPath := clishared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(cfgPath, "config", "", "Path to a YAML config file")

	cmd.AddCommand(
		newStartCommand(),
		newStatusCommand(),
		newCancelCommand(),
		newRecreateCommand(),
		newWakeUpCommand(),
		newStreamsCommand(),
	)
	return cmd
}

// buildClient loads configuration, opens the configured durable.Storage
// and Queue, and wires a pkg/runtime.Client against them. Every
// subcommand calls this in its RunE rather than in a PersistentPreRunE,
// so a command that never touches the client (none currently, but this
// mirrors the teacher's per-command resolution instead of a shared
// bootstrap step) fails lazily with the actual cobra usage error first.
func buildClient() (*runtime.Client, func() error, error) {
	cfg, err := config.Load(clishared.GetConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	storage, err := openStorage(cfg.Backend)
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}
	q, err := openQueue(cfg.Backend)
	if err != nil {
		storage.Close()
		return nil, nil, fmt.Errorf("open queue: %w", err)
	}

	w := &world.World{Queue: q, Streams: world.NewMemoryStreamStore()}
	classes := codec.NewClassRegistry()
	steps := codec.NewStepRegistry()
	client := runtime.NewClient(storage, w, classes, steps)

	closeFn := func() error {
		q.Close()
		return storage.Close()
	}
	return client, closeFn, nil
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
