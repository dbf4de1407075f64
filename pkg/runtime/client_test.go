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

package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/durable/memstore"
	durerrors "github.com/northvane/durable/pkg/errors"
	"github.com/northvane/durable/pkg/world"
)

func newTestClient() *Client {
	return NewClient(memstore.New(), world.NewMemoryWorld(), codec.NewClassRegistry(), codec.NewStepRegistry())
}

func TestClient_StartWritesRunCreatedAndEnqueues(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	run, err := c.Start(ctx, "greet", map[string]any{"name": "ada"}, StartOptions{DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.RunID == "" {
		t.Fatal("expected a non-empty run id")
	}

	status, err := run.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.WorkflowName != "greet" {
		t.Errorf("expected workflow name 'greet', got %q", status.WorkflowName)
	}
	if status.Status != durable.RunPending {
		t.Errorf("expected a freshly started run to be pending, got %s", status.Status)
	}

	msg, err := c.World.Queue.Receive(ctx, []string{world.WorkflowQueuePrefix}, time.Second)
	if err != nil {
		t.Fatalf("expected Start to enqueue a continuation, Receive failed: %v", err)
	}
	if msg.Queue != world.WorkflowQueueName("greet") {
		t.Errorf("expected queue %q, got %q", world.WorkflowQueueName("greet"), msg.Queue)
	}
}

func TestClient_ReturnValue_Completed(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	run, err := c.Start(ctx, "greet", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	output, ops, err := codec.Dehydrate(&codec.Context{Boundary: codec.BoundaryWorkflowArgs, Classes: c.Classes, Steps: c.Steps}, "hello ada")
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	for _, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("dehydrate op: %v", err)
		}
	}
	if err := c.Storage.AppendEvent(ctx, &durable.Event{
		EventID:   durable.NewEventID(),
		RunID:     run.RunID,
		EventType: durable.EventRunCompleted,
		EventData: output,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(run_completed): %v", err)
	}

	value, err := run.ReturnValue(ctx)
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if value != "hello ada" {
		t.Errorf("expected return value %q, got %v", "hello ada", value)
	}
}

func TestClient_ReturnValue_Failed(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	run, err := c.Start(ctx, "greet", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	errData := []byte(`{"message":"boom","code":"E_BOOM"}`)
	if err := c.Storage.AppendEvent(ctx, &durable.Event{
		EventID:   durable.NewEventID(),
		RunID:     run.RunID,
		EventType: durable.EventRunFailed,
		EventData: errData,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(run_failed): %v", err)
	}

	_, err = run.ReturnValue(ctx)
	if err == nil {
		t.Fatal("expected an error for a failed run")
	}
	var failed *durerrors.WorkflowRunFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected a WorkflowRunFailedError, got %T: %v", err, err)
	}
	if failed.Message != "boom" || failed.Code != "E_BOOM" {
		t.Errorf("expected message/code from the run's error, got %q/%q", failed.Message, failed.Code)
	}
}

func TestClient_Cancel_IdempotentAfterCancelled(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	run, err := c.Start(ctx, "greet", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := run.Cancel(ctx); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := run.Cancel(ctx); err != nil {
		t.Fatalf("second Cancel should be idempotent, got: %v", err)
	}

	status, err := run.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != durable.RunCancelled {
		t.Errorf("expected status cancelled, got %s", status.Status)
	}
}

func TestClient_Cancel_RejectsAlreadyCompleted(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	run, err := c.Start(ctx, "greet", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Storage.AppendEvent(ctx, &durable.Event{
		EventID:   durable.NewEventID(),
		RunID:     run.RunID,
		EventType: durable.EventRunCompleted,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendEvent(run_completed): %v", err)
	}

	if err := run.Cancel(ctx); err == nil {
		t.Fatal("expected Cancel on an already-completed run to fail")
	}
}

func TestClient_RecreateRunFromExisting_CopiesInput(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	original, err := c.Start(ctx, "greet", "original input", StartOptions{DeploymentID: "dep-1", SpecVersion: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	recreated, err := c.RecreateRunFromExisting(ctx, original.RunID, StartOptions{})
	if err != nil {
		t.Fatalf("RecreateRunFromExisting: %v", err)
	}
	if recreated.RunID == original.RunID {
		t.Fatal("expected a new run id")
	}

	status, err := recreated.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.WorkflowName != "greet" {
		t.Errorf("expected workflow name 'greet', got %q", status.WorkflowName)
	}
	if status.DeploymentID != "dep-1" {
		t.Errorf("expected the original deployment id to carry over, got %q", status.DeploymentID)
	}
	if status.SpecVersion != 2 {
		t.Errorf("expected the original spec version to carry over, got %d", status.SpecVersion)
	}
}

func TestClient_GetRun_DoesNotValidateExistence(t *testing.T) {
	c := newTestClient()
	run := c.GetRun("does-not-exist")
	if _, err := run.Status(context.Background()); err != durable.ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}
