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

package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/northvane/durable/pkg/durable"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	b, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func appendRunCreated(t *testing.T, b *Backend, runID, workflowName string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"workflow_name": workflowName})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.AppendEvent(context.Background(), &durable.Event{
		RunID:     runID,
		EventType: durable.EventRunCreated,
		EventData: data,
	}); err != nil {
		t.Fatalf("AppendEvent(run_created): %v", err)
	}
}

func TestBackend_GetRun_NotFound(t *testing.T) {
	b := newTestBackend(t)
	if _, err := b.GetRun(context.Background(), "missing"); err != durable.ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestBackend_AppendEvent_PersistsRunAndEventLog(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "greet")

	run, err := b.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.WorkflowName != "greet" || run.Status != durable.RunPending {
		t.Errorf("expected pending run for workflow greet, got %+v", run)
	}

	events, err := b.ListEvents(ctx, durable.EventFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != durable.EventRunCreated {
		t.Fatalf("expected a single run_created event, got %+v", events)
	}
}

func TestBackend_FinishRun_RejectsDoubleTerminal(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "greet")

	if err := b.AppendEvent(ctx, &durable.Event{RunID: "run-1", EventType: durable.EventRunCompleted}); err != nil {
		t.Fatalf("AppendEvent(run_completed): %v", err)
	}
	if err := b.AppendEvent(ctx, &durable.Event{RunID: "run-1", EventType: durable.EventRunCancelled}); err != durable.ErrRunTerminal {
		t.Errorf("expected ErrRunTerminal for a cancel against a completed run, got %v", err)
	}
}

func TestBackend_StepLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "greet")

	stepEnv, _ := json.Marshal(map[string]any{"step_name": "fetch"})
	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1",
		EventType: durable.EventStepCreated, EventData: stepEnv,
	}); err != nil {
		t.Fatalf("AppendEvent(step_created): %v", err)
	}

	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepStarted,
	}); err != nil {
		t.Fatalf("AppendEvent(step_started): %v", err)
	}
	step, err := b.GetStep(ctx, "run-1", "step-1")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if step.Status != durable.StepRunning || step.Attempt != 1 {
		t.Fatalf("expected running/attempt 1, got %s/%d", step.Status, step.Attempt)
	}

	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepCompleted,
		EventData: []byte(`"done"`),
	}); err != nil {
		t.Fatalf("AppendEvent(step_completed): %v", err)
	}

	err = b.AppendEvent(ctx, &durable.Event{RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepStarted})
	if err != durable.ErrStepTerminal {
		t.Errorf("expected ErrStepTerminal for a start against a completed step, got %v", err)
	}
}

func TestBackend_StepStarted_GuardsOnRetryAfter(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "greet")

	stepEnv, _ := json.Marshal(map[string]any{"step_name": "fetch"})
	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1",
		EventType: durable.EventStepCreated, EventData: stepEnv,
	}); err != nil {
		t.Fatalf("AppendEvent(step_created): %v", err)
	}
	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepStarted,
	}); err != nil {
		t.Fatalf("AppendEvent(step_started): %v", err)
	}

	future := time.Now().Add(time.Hour)
	retryEnv, _ := json.Marshal(map[string]any{"retry_after": future})
	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepRetrying,
		EventData: retryEnv,
	}); err != nil {
		t.Fatalf("AppendEvent(step_retrying): %v", err)
	}

	err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepStarted,
		CreatedAt: time.Now(),
	})
	if err != durable.ErrTooEarly {
		t.Fatalf("expected ErrTooEarly for a restart attempted before retryAfter, got %v", err)
	}

	err = b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "step-1", EventType: durable.EventStepStarted,
		CreatedAt: future.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("expected the restart to succeed once retryAfter has elapsed, got %v", err)
	}
	step, err := b.GetStep(ctx, "run-1", "step-1")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if step.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", step.Attempt)
	}
	if step.RetryAfter != nil {
		t.Errorf("expected retryAfter to be cleared on a successful start, got %v", step.RetryAfter)
	}
}

func TestBackend_AppendEvent_OnClosedDBIsAPersistenceError(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := b.AppendEvent(context.Background(), &durable.Event{
		RunID: "run-1", EventType: durable.EventRunCreated, EventData: []byte(`{"workflow_name":"greet"}`),
	})
	if err == nil {
		t.Fatal("expected AppendEvent against a closed database to fail")
	}
	if errors.Is(err, durable.ErrRunNotFound) || errors.Is(err, durable.ErrStepTerminal) {
		t.Errorf("closed-database failure should not be mistaken for an ordering sentinel, got %v", err)
	}
}

func TestBackend_HookTokenConflictAcrossRuns(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "approver")
	appendRunCreated(t, b, "run-2", "approver")

	hookEnv, _ := json.Marshal(map[string]any{"token": "shared-token"})
	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "hook-1",
		EventType: durable.EventHookCreated, EventData: hookEnv,
	}); err != nil {
		t.Fatalf("AppendEvent(hook_created, run-1): %v", err)
	}

	err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-2", CorrelationID: "hook-1",
		EventType: durable.EventHookCreated, EventData: hookEnv,
	})
	if err != durable.ErrHookTokenConflict {
		t.Errorf("expected ErrHookTokenConflict, got %v", err)
	}

	hook, err := b.GetHookByToken(ctx, "shared-token")
	if err != nil {
		t.Fatalf("GetHookByToken: %v", err)
	}
	if hook.RunID != "run-1" {
		t.Errorf("expected the first claimant to keep the token, got run %q", hook.RunID)
	}
}

func TestBackend_WaitCompletionIsGuarded(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "napper")

	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "wait-1", EventType: durable.EventWaitCreated,
	}); err != nil {
		t.Fatalf("AppendEvent(wait_created): %v", err)
	}

	waitID := durable.WaitIDFor("run-1", "wait-1")
	if _, err := b.GetWait(ctx, waitID); err != nil {
		t.Fatalf("GetWait: %v", err)
	}

	if err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "wait-1", EventType: durable.EventWaitCompleted,
	}); err != nil {
		t.Fatalf("first wait_completed: %v", err)
	}
	err := b.AppendEvent(ctx, &durable.Event{
		RunID: "run-1", CorrelationID: "wait-1", EventType: durable.EventWaitCompleted,
	})
	if err != durable.ErrWaitAlreadyCompleted {
		t.Errorf("expected ErrWaitAlreadyCompleted, got %v", err)
	}
}

func TestBackend_ListDueWaits_OrdersByResumeAtAndExcludesFuture(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "napper")

	past := time.Now().Add(-time.Hour)
	soon := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	for id, at := range map[string]time.Time{"a": soon, "b": past, "c": future} {
		env, _ := json.Marshal(map[string]any{"resume_at": at})
		if err := b.AppendEvent(ctx, &durable.Event{
			RunID: "run-1", CorrelationID: id, EventType: durable.EventWaitCreated, EventData: env,
		}); err != nil {
			t.Fatalf("AppendEvent(wait_created %s): %v", id, err)
		}
	}

	due, err := b.ListDueWaits(ctx, 0)
	if err != nil {
		t.Fatalf("ListDueWaits: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due waits (future excluded), got %d", len(due))
	}
	if due[0].WaitID != durable.WaitIDFor("run-1", "b") {
		t.Errorf("expected the earliest resume time first, got %s", due[0].WaitID)
	}
}

func TestBackend_ListEvents_SinceCursorExcludesAlreadySeen(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "greet")

	first, err := b.ListEvents(ctx, durable.EventFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	cursor := first[len(first)-1].EventID

	if err := b.AppendEvent(ctx, &durable.Event{RunID: "run-1", EventType: durable.EventRunCompleted}); err != nil {
		t.Fatalf("AppendEvent(run_completed): %v", err)
	}

	page, err := b.ListEvents(ctx, durable.EventFilter{RunID: "run-1", Since: cursor})
	if err != nil {
		t.Fatalf("ListEvents(since): %v", err)
	}
	if len(page) != 1 || page[0].EventType != durable.EventRunCompleted {
		t.Fatalf("expected only the event after the cursor, got %+v", page)
	}
}

func TestBackend_ListRuns_FiltersByWorkflowNameAndStatus(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	appendRunCreated(t, b, "run-1", "greet")
	appendRunCreated(t, b, "run-2", "other")
	if err := b.AppendEvent(ctx, &durable.Event{RunID: "run-1", EventType: durable.EventRunCompleted}); err != nil {
		t.Fatalf("AppendEvent(run_completed): %v", err)
	}

	runs, err := b.ListRuns(ctx, durable.RunFilter{WorkflowName: "greet"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("expected only run-1, got %+v", runs)
	}

	runs, err = b.ListRuns(ctx, durable.RunFilter{Status: durable.RunPending})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-2" {
		t.Fatalf("expected only run-2 to still be pending, got %+v", runs)
	}
}
