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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/northvane/durable/internal/config"
	internallog "github.com/northvane/durable/internal/log"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/hooks"
	"github.com/northvane/durable/pkg/orchestrator"
	"github.com/northvane/durable/pkg/runtime"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return newTestDaemonWithRegistry(t, orchestrator.NewWorkflowRegistry())
}

func newTestDaemonWithRegistry(t *testing.T, registry *orchestrator.WorkflowRegistry) *Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Type = "memory"
	logger := internallog.New(internallog.FromEnv())

	d, err := New(cfg, Options{Version: "test"}, logger,
		registry, codec.NewClassRegistry(), codec.NewStepRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestMux_WorkflowHealthProbe(t *testing.T) {
	d := newTestDaemon(t)
	req := httptest.NewRequest(http.MethodPost, "/"+"__wkf_workflow_greet?__health", nil)
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected body %q, got %q", "ok", rec.Body.String())
	}
}

func TestMux_StepHealthProbe(t *testing.T) {
	d := newTestDaemon(t)
	req := httptest.NewRequest(http.MethodPost, "/"+"__wkf_step_fetch?__health", nil)
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMux_WebhookHealthProbe(t *testing.T) {
	d := newTestDaemon(t)
	req := httptest.NewRequest(http.MethodGet, webhookPathPrefix+"abc?__health", nil)
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMux_WorkflowPush_RejectsNonPost(t *testing.T) {
	d := newTestDaemon(t)
	req := httptest.NewRequest(http.MethodGet, "/"+"__wkf_workflow_greet", nil)
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMux_WorkflowPush_UnknownRunFails(t *testing.T) {
	d := newTestDaemon(t)
	body := strings.NewReader(`{"runId":"does-not-exist"}`)
	req := httptest.NewRequest(http.MethodPost, "/"+"__wkf_workflow_greet", body)
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a push referencing a nonexistent run, got %d", rec.Code)
	}
}

func TestMux_Webhook_UnknownTokenNotFound(t *testing.T) {
	d := newTestDaemon(t)
	req := httptest.NewRequest(http.MethodPost, webhookPathPrefix+"unknown-token", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered webhook token, got %d", rec.Code)
	}
}

// TestMux_Webhook_ManualResponseRoundTrip exercises the full webhook
// manual-response contract end to end: a workflow calls CreateWebhook in
// manual mode, the engine persists the resulting hook_created event and
// registers the response spec, a reply is written to the hook's reply
// stream, and the inbound webhook POST blocks only until that reply is
// available before returning it as the HTTP response body.
func TestMux_Webhook_ManualResponseRoundTrip(t *testing.T) {
	registry := orchestrator.NewWorkflowRegistry()
	registry.Register("order-approval", func(ctx *orchestrator.Context, input any) (any, error) {
		hook := ctx.CreateWebhook("order-1", nil, hooks.WebhookSpec{Mode: hooks.ResponseModeManual})
		v, err := ctx.Await(hook.Next())
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	d := newTestDaemonWithRegistry(t, registry)
	client := runtime.NewClient(d.storage, d.world, d.classes, d.steps)

	ctx := context.Background()
	run, err := client.Start(ctx, "order-approval", nil, runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.engine.Run(ctx, run.RunID); err != nil {
		t.Fatalf("Run (suspend on webhook): %v", err)
	}

	if _, ok := d.webhooks.Lookup("order-1"); !ok {
		t.Fatalf("expected CreateWebhook to have registered token %q", "order-1")
	}

	replyStream := hooks.ReplyStreamName("order-1")
	if err := d.world.Streams.Write(ctx, replyStream, "", []byte(`"approved"`)); err != nil {
		t.Fatalf("Write reply stream: %v", err)
	}
	if err := d.world.Streams.Close(ctx, replyStream, ""); err != nil {
		t.Fatalf("Close reply stream: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, webhookPathPrefix+"order-1", strings.NewReader(`"approved"`))
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `"approved"` {
		t.Errorf("expected reply body %q, got %q", `"approved"`, rec.Body.String())
	}

	if _, ok := d.webhooks.Lookup("order-1"); ok {
		t.Errorf("expected webhook token to be forgotten after it resolves")
	}

	if err := d.engine.Run(ctx, run.RunID); err != nil {
		t.Fatalf("Run (resume after hook delivery): %v", err)
	}
	value, err := run.ReturnValue(ctx)
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != "approved" {
		t.Errorf("expected workflow return value %q, got %v", "approved", value)
	}
}

func TestMux_UnknownPathNotFound(t *testing.T) {
	d := newTestDaemon(t)
	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
