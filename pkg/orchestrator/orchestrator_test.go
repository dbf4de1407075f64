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

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/durable/memstore"
	"github.com/northvane/durable/pkg/hooks"
	"github.com/northvane/durable/pkg/runtime"
	"github.com/northvane/durable/pkg/world"
)

// testEngine bundles an Engine together with the runtime.Client used to
// start runs and read their outcome, so each test only has to thread one
// struct through.
type testEngine struct {
	*Engine
	client *runtime.Client
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	storage := memstore.New()
	w := world.NewMemoryWorld()
	classes := codec.NewClassRegistry()
	steps := codec.NewStepRegistry()
	registry := NewWorkflowRegistry()

	client := runtime.NewClient(storage, w, classes, steps)
	engine := &Engine{Storage: storage, World: w, Registry: registry, Classes: classes, Steps: steps, Webhooks: hooks.NewWebhookRegistry()}
	return &testEngine{Engine: engine, client: client}
}

func findEvent(t *testing.T, storage durable.Storage, runID string, eventType durable.EventType) *durable.Event {
	t.Helper()
	events, err := storage.ListEvents(context.Background(), durable.EventFilter{RunID: runID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	for _, ev := range events {
		if ev.EventType == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event found for run %s", eventType, runID)
	return nil
}

func TestEngine_Run_EchoWorkflowCompletes(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("echo", func(ctx *Context, input any) (any, error) {
		return input, nil
	})

	run, err := te.client.Start(context.Background(), "echo", "hello", runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	value, err := run.ReturnValue(context.Background())
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != "hello" {
		t.Errorf("expected %q, got %v", "hello", value)
	}
}

func TestEngine_Run_UnregisteredWorkflowFails(t *testing.T) {
	te := newTestEngine(t)

	run, err := te.client.Start(context.Background(), "missing", nil, runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("Run should record the failure rather than return an error: %v", err)
	}

	status, err := run.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != durable.RunFailed {
		t.Errorf("expected status failed, got %s", status.Status)
	}
}

func TestEngine_Run_AlreadyTerminalIsNoop(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("echo", func(ctx *Context, input any) (any, error) {
		return input, nil
	})

	run, err := te.client.Start(context.Background(), "echo", "hello", runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	eventsBefore, err := te.Storage.ListEvents(context.Background(), durable.EventFilter{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("second Run on a completed run should no-op, got: %v", err)
	}

	eventsAfter, err := te.Storage.ListEvents(context.Background(), durable.EventFilter{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(eventsAfter) != len(eventsBefore) {
		t.Errorf("expected no new events from re-running a terminal run, had %d now have %d", len(eventsBefore), len(eventsAfter))
	}
}

func TestEngine_Run_StepSuspendsThenCompletesOnRedelivery(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("doubler", func(ctx *Context, input any) (any, error) {
		f := ctx.Step("double", input)
		v, err := ctx.Await(f)
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	run, err := te.client.Start(context.Background(), "doubler", float64(21), runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("first Run (suspend on step): %v", err)
	}

	status, err := run.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != durable.RunPending {
		t.Fatalf("expected the run to still be pending after suspending on a step, got %s", status.Status)
	}

	msg, err := te.World.Queue.Receive(context.Background(), []string{world.StepQueuePrefix}, time.Second)
	if err != nil {
		t.Fatalf("expected the step invocation to be enqueued: %v", err)
	}
	if err := te.World.Queue.Ack(context.Background(), msg.DeliveryToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	created := findEvent(t, te.Storage, run.RunID, durable.EventStepCreated)

	output, ops, err := codec.Dehydrate(&codec.Context{Boundary: codec.BoundaryStepReturn, Classes: te.Classes, Steps: te.Steps}, float64(42))
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	for _, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("dehydrate op: %v", err)
		}
	}
	if err := te.Storage.AppendEvent(context.Background(), &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: created.CorrelationID,
		EventType:     durable.EventStepCompleted,
		EventData:     output,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(step_completed): %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("second Run (resume after step completes): %v", err)
	}

	value, err := run.ReturnValue(context.Background())
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != float64(42) {
		t.Errorf("expected 42, got %v", value)
	}
}

func TestEngine_Run_StepFailureFailsRun(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("doubler", func(ctx *Context, input any) (any, error) {
		f := ctx.Step("double", input)
		v, err := ctx.Await(f)
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	run, err := te.client.Start(context.Background(), "doubler", float64(21), runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	created := findEvent(t, te.Storage, run.RunID, durable.EventStepCreated)
	errData := []byte(`{"message":"step exploded"}`)
	if err := te.Storage.AppendEvent(context.Background(), &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: created.CorrelationID,
		EventType:     durable.EventStepFailed,
		EventData:     errData,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(step_failed): %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("Run should record the failure rather than return an error: %v", err)
	}

	status, err := run.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != durable.RunFailed {
		t.Errorf("expected status failed, got %s", status.Status)
	}
}

func TestEngine_Run_SleepCreatesWaitAndRedeliveryResumes(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("napper", func(ctx *Context, input any) (any, error) {
		f := ctx.Sleep(time.Minute)
		if _, err := ctx.Await(f); err != nil {
			return nil, err
		}
		return "awake", nil
	})

	run, err := te.client.Start(context.Background(), "napper", nil, runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("first Run (suspend on sleep): %v", err)
	}

	created := findEvent(t, te.Storage, run.RunID, durable.EventWaitCreated)

	msg, err := te.World.Queue.Receive(context.Background(), []string{world.WorkflowQueuePrefix}, time.Second)
	if err != nil {
		t.Fatalf("expected a delayed workflow continuation to be enqueued: %v", err)
	}
	if err := te.World.Queue.Ack(context.Background(), msg.DeliveryToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if err := te.Storage.AppendEvent(context.Background(), &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: created.CorrelationID,
		EventType:     durable.EventWaitCompleted,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(wait_completed): %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("second Run (resume after wait completes): %v", err)
	}

	value, err := run.ReturnValue(context.Background())
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != "awake" {
		t.Errorf("expected %q, got %v", "awake", value)
	}
}

func TestEngine_Run_HookDeliveryResumesWorkflow(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("waiter", func(ctx *Context, input any) (any, error) {
		hook := ctx.CreateHook("approval", nil)
		v, err := ctx.Await(hook.Next())
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	run, err := te.client.Start(context.Background(), "waiter", nil, runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("first Run (suspend on hook): %v", err)
	}

	created := findEvent(t, te.Storage, run.RunID, durable.EventHookCreated)

	output, ops, err := codec.Dehydrate(&codec.Context{Boundary: codec.BoundaryStepArgs, Classes: te.Classes, Steps: te.Steps}, "approved")
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	for _, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("dehydrate op: %v", err)
		}
	}
	if err := te.Storage.AppendEvent(context.Background(), &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: created.CorrelationID,
		EventType:     durable.EventHookReceived,
		EventData:     output,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(hook_received): %v", err)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("second Run (resume after hook delivery): %v", err)
	}

	value, err := run.ReturnValue(context.Background())
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != "approved" {
		t.Errorf("expected %q, got %v", "approved", value)
	}
}

func TestEngine_Run_CreateWebhookRegistersResponseSpec(t *testing.T) {
	te := newTestEngine(t)
	te.Registry.Register("webhook-waiter", func(ctx *Context, input any) (any, error) {
		hook := ctx.CreateWebhook("order-123", nil, hooks.WebhookSpec{Mode: hooks.ResponseModeManual})
		v, err := ctx.Await(hook.Next())
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	run, err := te.client.Start(context.Background(), "webhook-waiter", nil, runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("first Run (suspend on webhook): %v", err)
	}

	spec, ok := te.Webhooks.Lookup("order-123")
	if !ok {
		t.Fatalf("expected CreateWebhook to register a response spec for token %q", "order-123")
	}
	if spec.Mode != hooks.ResponseModeManual {
		t.Errorf("expected mode %v, got %v", hooks.ResponseModeManual, spec.Mode)
	}
}

func TestEngine_Run_EncryptsInputAndOutputAtRest(t *testing.T) {
	te := newTestEngine(t)
	te.World.EncryptionKeys = world.StaticKeyProvider{MasterKey: []byte("shh-its-a-secret")}
	te.Registry.Register("echo", func(ctx *Context, input any) (any, error) {
		return input, nil
	})

	run, err := te.client.Start(context.Background(), "echo", "sensitive payload", runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	created := findEvent(t, te.Storage, run.RunID, durable.EventRunCreated)
	var createdPayload struct {
		Input []byte `json:"input"`
	}
	if err := json.Unmarshal(created.EventData, &createdPayload); err != nil {
		t.Fatalf("decode run_created: %v", err)
	}
	if bytes.Contains(createdPayload.Input, []byte("sensitive payload")) {
		t.Errorf("expected run_created input to be encrypted, found plaintext: %q", createdPayload.Input)
	}

	if err := te.Run(context.Background(), run.RunID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	completed := findEvent(t, te.Storage, run.RunID, durable.EventRunCompleted)
	if bytes.Contains(completed.EventData, []byte("sensitive payload")) {
		t.Errorf("expected run_completed output to be encrypted, found plaintext: %q", completed.EventData)
	}

	value, err := run.ReturnValue(context.Background())
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != "sensitive payload" {
		t.Errorf("expected decrypted value %q, got %v", "sensitive payload", value)
	}
}
