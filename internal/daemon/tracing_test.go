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

package daemon

import (
	"context"
	"testing"

	"github.com/northvane/durable/internal/config"
	internallog "github.com/northvane/durable/internal/log"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/orchestrator"
)

func TestNew_ObservabilityDisabledLeavesTracersNil(t *testing.T) {
	d := newTestDaemon(t)
	if d.tracerProvider != nil {
		t.Fatalf("expected no tracer provider when observability is disabled")
	}
	if d.engine.Tracer != nil {
		t.Errorf("expected engine.Tracer to be nil")
	}
	if d.executor.Tracer != nil {
		t.Errorf("expected executor.Tracer to be nil")
	}
}

func TestNew_ObservabilityEnabledWiresTracers(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "memory"
	cfg.Observability.Enabled = true
	cfg.Observability.ServiceName = "durable-test"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	logger := internallog.New(internallog.FromEnv())

	d, err := New(cfg, Options{Version: "test"}, logger,
		orchestrator.NewWorkflowRegistry(), codec.NewClassRegistry(), codec.NewStepRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := d.storage.Close(); err != nil {
			t.Errorf("storage.Close: %v", err)
		}
	}()

	if d.tracerProvider == nil {
		t.Fatalf("expected a tracer provider to be constructed")
	}
	if d.engine.Tracer == nil {
		t.Errorf("expected engine.Tracer to be set")
	}
	if d.executor.Tracer == nil {
		t.Errorf("expected executor.Tracer to be set")
	}

	if err := d.tracerProvider.Shutdown(context.Background()); err != nil {
		t.Errorf("tracerProvider.Shutdown: %v", err)
	}
}

func TestDaemon_ShutdownWithoutStartIsSafe(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
