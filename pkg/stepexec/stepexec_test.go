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

package stepexec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/durable/memstore"
	durerrors "github.com/northvane/durable/pkg/errors"
	"github.com/northvane/durable/pkg/orchestrator"
	"github.com/northvane/durable/pkg/runtime"
	"github.com/northvane/durable/pkg/world"
	"golang.org/x/time/rate"
)

// testFixture wires a runtime.Client, an orchestrator.Engine, and an
// Executor against the same in-memory storage/world, so a test can start a
// run, drive it to a step suspension with the real orchestrator, then feed
// the resulting step queue message to the Executor under test.
type testFixture struct {
	client   *runtime.Client
	engine   *orchestrator.Engine
	executor *Executor
}

func newTestFixture(t *testing.T, workflowName, stepID string, workflowFn orchestrator.WorkflowFunc, stepFn StepFunc) *testFixture {
	t.Helper()
	storage := memstore.New()
	w := world.NewMemoryWorld()
	classes := codec.NewClassRegistry()
	steps := codec.NewStepRegistry()
	steps.RegisterStep(stepID, stepFn)

	registry := orchestrator.NewWorkflowRegistry()
	registry.Register(workflowName, workflowFn)

	return &testFixture{
		client:   runtime.NewClient(storage, w, classes, steps),
		engine:   &orchestrator.Engine{Storage: storage, World: w, Registry: registry, Classes: classes, Steps: steps},
		executor: &Executor{Storage: storage, World: w, Steps: steps, Classes: classes},
	}
}

// startAndSuspendOnStep starts workflowName, runs it once (suspending on its
// single step invocation), and returns the resulting step queue message
// ready to hand to Executor.Handle.
func startAndSuspendOnStep(t *testing.T, f *testFixture, workflowName string, input any) (*durable.Run, *world.Message) {
	t.Helper()
	ctx := context.Background()

	run, err := f.client.Start(ctx, workflowName, input, runtime.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Run(ctx, run.RunID); err != nil {
		t.Fatalf("orchestrator Run (suspend on step): %v", err)
	}

	msg, err := f.client.World.Queue.Receive(ctx, []string{world.StepQueuePrefix}, time.Second)
	if err != nil {
		t.Fatalf("expected the step invocation to be enqueued: %v", err)
	}
	if err := f.client.World.Queue.Ack(ctx, msg.DeliveryToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	return run, msg
}

func TestExecutor_Handle_SucceedsAndReenqueuesWorkflow(t *testing.T) {
	f := newTestFixture(t, "doubler", "double", func(ctx *orchestrator.Context, input any) (any, error) {
		v, err := ctx.Await(ctx.Step("double", input))
		if err != nil {
			return nil, err
		}
		return v, nil
	}, func(ctx *StepContext, input any) (any, error) {
		return input.(float64) * 2, nil
	})

	run, msg := startAndSuspendOnStep(t, f, "doubler", float64(21))

	if _, err := f.executor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	events, err := f.client.Storage.ListEvents(context.Background(), durable.EventFilter{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawCompleted bool
	for _, ev := range events {
		if ev.EventType == durable.EventStepCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("expected a step_completed event after a successful Handle")
	}

	continuation, err := f.client.World.Queue.Receive(context.Background(), []string{world.WorkflowQueuePrefix}, time.Second)
	if err != nil {
		t.Fatalf("expected the workflow to be re-enqueued after the step completes: %v", err)
	}
	if continuation.Queue != world.WorkflowQueueName("doubler") {
		t.Errorf("expected queue %q, got %q", world.WorkflowQueueName("doubler"), continuation.Queue)
	}
}

func TestExecutor_Handle_RateLimiterRejectsOnContextCancellation(t *testing.T) {
	var invoked bool
	f := newTestFixture(t, "limited", "step", func(ctx *orchestrator.Context, input any) (any, error) {
		v, err := ctx.Await(ctx.Step("step", input))
		if err != nil {
			return nil, err
		}
		return v, nil
	}, func(ctx *StepContext, input any) (any, error) {
		invoked = true
		return input, nil
	})
	// A limiter that refills one token an hour, with its only token spent
	// here: Wait blocks until ctx is done, which we cancel up front.
	f.executor.RateLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	f.executor.RateLimiter.Allow()

	_, msg := startAndSuspendOnStep(t, f, "limited", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.executor.Handle(ctx, msg); err == nil {
		t.Fatal("expected Handle to fail when the rate limiter cannot admit the request")
	}
	if invoked {
		t.Error("expected the step function not to run when the rate limiter blocks it")
	}
}

func TestExecutor_Handle_FatalErrorFailsStepImmediately(t *testing.T) {
	f := newTestFixture(t, "doubler", "double", func(ctx *orchestrator.Context, input any) (any, error) {
		v, err := ctx.Await(ctx.Step("double", input))
		if err != nil {
			return nil, err
		}
		return v, nil
	}, func(ctx *StepContext, input any) (any, error) {
		return nil, &durerrors.FatalError{Message: "permanently broken"}
	})

	run, msg := startAndSuspendOnStep(t, f, "doubler", float64(21))

	if _, err := f.executor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	events, err := f.client.Storage.ListEvents(context.Background(), durable.EventFilter{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var failed *durable.Event
	for _, ev := range events {
		if ev.EventType == durable.EventStepFailed {
			failed = ev
		}
	}
	if failed == nil {
		t.Fatal("expected a step_failed event for a FatalError")
	}
	var stepErr durable.StepError
	if err := json.Unmarshal(failed.EventData, &stepErr); err != nil {
		t.Fatalf("unmarshal step error: %v", err)
	}
	if stepErr.Message != "permanently broken" {
		t.Errorf("expected the fatal error's message to be recorded, got %q", stepErr.Message)
	}
}

func TestExecutor_Handle_RetryableErrorSchedulesRetry(t *testing.T) {
	f := newTestFixture(t, "doubler", "double", func(ctx *orchestrator.Context, input any) (any, error) {
		v, err := ctx.Await(ctx.Step("double", input))
		if err != nil {
			return nil, err
		}
		return v, nil
	}, func(ctx *StepContext, input any) (any, error) {
		return nil, &durerrors.RetryableError{Message: "try again", RetryAfter: time.Now().Add(time.Hour)}
	})

	run, msg := startAndSuspendOnStep(t, f, "doubler", float64(21))

	result, err := f.executor.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.TimeoutSeconds <= 0 {
		t.Errorf("expected a positive retry timeout, got %d", result.TimeoutSeconds)
	}

	events, err := f.client.Storage.ListEvents(context.Background(), durable.EventFilter{RunID: run.RunID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawRetrying bool
	for _, ev := range events {
		if ev.EventType == durable.EventStepRetrying {
			sawRetrying = true
		}
	}
	if !sawRetrying {
		t.Fatal("expected a step_retrying event for a RetryableError")
	}
}

func TestExecutor_Handle_TerminalStepReenqueuesWithoutReexecuting(t *testing.T) {
	calls := 0
	f := newTestFixture(t, "doubler", "double", func(ctx *orchestrator.Context, input any) (any, error) {
		v, err := ctx.Await(ctx.Step("double", input))
		if err != nil {
			return nil, err
		}
		return v, nil
	}, func(ctx *StepContext, input any) (any, error) {
		calls++
		return input.(float64) * 2, nil
	})

	_, msg := startAndSuspendOnStep(t, f, "doubler", float64(21))

	if _, err := f.executor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	// Drain the re-enqueued workflow continuation so it doesn't mask the
	// second Receive below.
	if _, err := f.client.World.Queue.Receive(context.Background(), []string{world.WorkflowQueuePrefix}, time.Second); err != nil {
		t.Fatalf("drain workflow continuation: %v", err)
	}

	if _, err := f.executor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("second Handle on an already-terminal step: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected the step function to run exactly once, ran %d times", calls)
	}
	if _, err := f.client.World.Queue.Receive(context.Background(), []string{world.WorkflowQueuePrefix}, time.Second); err != nil {
		t.Fatalf("expected a redelivered terminal-step message to still re-enqueue the workflow: %v", err)
	}
}
