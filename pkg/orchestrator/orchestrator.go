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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/northvane/durable/internal/tracing"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	durerrors "github.com/northvane/durable/pkg/errors"
	"github.com/northvane/durable/pkg/hooks"
	"github.com/northvane/durable/pkg/observability"
	"github.com/northvane/durable/pkg/world"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the workflow queue consumer: given a runId it
// loads the event log, replays the registered workflow function against
// it, and either persists newly reached suspension points or terminates
// the run.
type Engine struct {
	Storage  durable.Storage
	World    *world.World
	Registry *WorkflowRegistry
	Classes  *codec.ClassRegistry
	Steps    *codec.StepRegistry

	// Webhooks is the registry Context.CreateWebhook registers response
	// contracts into. Nil is valid: workflows that never call CreateWebhook
	// don't need one, and tests that only exercise CreateHook can omit it.
	Webhooks *hooks.WebhookRegistry

	// MaxEventsPerPage bounds a single ListEvents call; Run pages through
	// the full log regardless, so this only affects how many round trips
	// replay takes. Zero uses a sensible default.
	MaxEventsPerPage int

	// Tracer, when non-nil, wraps each Run pass in a workflow-run span via
	// internal/tracing.StartWorkflowRun. Nil disables tracing entirely.
	Tracer trace.Tracer
}

const defaultEventPageSize = 500

// Run is invoked by the workflow queue consumer with a runId. It performs
// one full replay-and-resume pass: on success it either persists the
// invocations queue generated by a suspension, or writes the run's terminal
// event. It never blocks on external work completing; the caller acks the
// queue message once Run returns nil.
func (e *Engine) Run(ctx context.Context, runID string) (runErr error) {
	run, err := e.Storage.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil // already finished; a duplicate or late continuation message
	}

	if e.Tracer != nil {
		var span *tracing.WorkflowSpan
		ctx, span = tracing.StartWorkflowRun(ctx, e.Tracer, runID, run.WorkflowName)
		defer func() {
			if runErr != nil {
				span.RecordError(runErr)
			}
			span.End()
		}()
	}

	events, err := e.loadAllEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("load events for run %s: %w", runID, err)
	}

	fn, ok := e.Registry.Lookup(run.WorkflowName)
	if !ok {
		return e.fail(ctx, run, &durerrors.WorkflowRuntimeError{
			RunID:  runID,
			Reason: fmt.Sprintf("no workflow registered for name %q", run.WorkflowName),
		})
	}

	startedAt := run.CreatedAt
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	sandbox := NewSandbox(runID, startedAt)
	idx := buildReplayIndex(events)
	encryptionKey, err := world.EncryptionKeyFor(ctx, e.World, runID)
	if err != nil {
		return e.fail(ctx, run, err)
	}
	codecCtx := &codec.Context{Boundary: codec.BoundaryWorkflowArgs, Classes: e.Classes, Steps: e.Steps, EncryptionKey: encryptionKey}
	if e.World != nil {
		codecCtx.Streams = e.World.Streams
	}

	var input any
	if len(run.Input) > 0 {
		if err := codec.Hydrate(codecCtx, run.Input, &input); err != nil {
			return e.fail(ctx, run, err)
		}
	}

	wctx := newContext(runID, sandbox, idx, codecCtx, e.Webhooks)
	result, ferr, suspended := invoke(fn, wctx, input)

	if wctx.err != nil {
		return e.fail(ctx, run, wctx.err)
	}
	if suspended {
		return e.persistInvocations(ctx, run, wctx.invocations, idx)
	}
	if ferr != nil {
		return e.fail(ctx, run, ferr)
	}
	return e.complete(ctx, run, codecCtx, result)
}

// workflowMessage is the workflow queue payload shape: both the in-process
// RunHandler loop over a world.Queue and the HTTP queue endpoint parse this
// same body before calling Run.
type workflowMessage struct {
	RunID string `json:"runId"`
}

// Handle adapts Run to a world.Handler, the form the workflow queue's
// consumer loop (and its HTTP push-delivery equivalent) invoke.
func (e *Engine) Handle(ctx context.Context, msg *world.Message) (world.HandlerResult, error) {
	var m workflowMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return world.HandlerResult{}, fmt.Errorf("orchestrator: malformed message: %w", err)
	}
	if err := e.Run(ctx, m.RunID); err != nil {
		return world.HandlerResult{}, err
	}
	return world.HandlerResult{}, nil
}

func (e *Engine) loadAllEvents(ctx context.Context, runID string) ([]*durable.Event, error) {
	pageSize := e.MaxEventsPerPage
	if pageSize <= 0 {
		pageSize = defaultEventPageSize
	}
	var all []*durable.Event
	since := ""
	for {
		page, err := e.Storage.ListEvents(ctx, durable.EventFilter{RunID: runID, Since: since, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		since = page[len(page)-1].EventID
	}
}

// invoke runs fn, translating a suspend panic into (nil, nil, true) instead
// of letting it escape.
func invoke(fn WorkflowFunc, ctx *Context, input any) (result any, err error, suspended bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(suspendSignal); ok {
				suspended = true
				return
			}
			panic(r)
		}
	}()
	result, err = fn(ctx, input)
	return
}

// persistInvocations writes the creation event and enqueues the matching
// work for every invocation that does not already have one in the replay
// log.
func (e *Engine) persistInvocations(ctx context.Context, run *durable.Run, invocations []*Invocation, idx *replayIndex) error {
	for _, inv := range invocations {
		if idx.hasAny(inv.CorrelationID) {
			continue
		}
		switch inv.Kind {
		case InvocationStep:
			if err := e.createStep(ctx, run, inv); err != nil {
				return err
			}
		case InvocationWait:
			if err := e.createWait(ctx, run, inv); err != nil {
				return err
			}
		case InvocationHook:
			if err := e.createHook(ctx, run, inv); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) createStep(ctx context.Context, run *durable.Run, inv *Invocation) error {
	codecCtx := &codec.Context{Boundary: codec.BoundaryStepArgs, Classes: e.Classes, Steps: e.Steps}
	if e.World != nil {
		codecCtx.Streams = e.World.Streams
	}
	inputBytes, ops, err := codec.Dehydrate(codecCtx, inv.StepInput)
	if err != nil {
		return err
	}
	if err := runOps(ctx, ops); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{"step_name": inv.StepName, "input": inputBytes})
	if err != nil {
		return err
	}
	if err := e.Storage.AppendEvent(ctx, &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: inv.CorrelationID,
		EventType:     durable.EventStepCreated,
		EventData:     payload,
		SpecVersion:   run.SpecVersion,
		CreatedAt:     time.Now(),
	}); err != nil {
		return err
	}

	if e.World == nil {
		return nil
	}
	msg, err := json.Marshal(map[string]any{
		"workflowName":      run.WorkflowName,
		"workflowRunId":     run.RunID,
		"workflowStartedAt": run.CreatedAt,
		"stepId":            inv.CorrelationID,
		"requestedAt":       time.Now(),
	})
	if err != nil {
		return err
	}
	return e.World.Queue.Enqueue(ctx, world.StepQueueName(inv.StepName), msg, world.PublishOptions{})
}

func (e *Engine) createWait(ctx context.Context, run *durable.Run, inv *Invocation) error {
	resumeAt := time.Now().Add(inv.Duration)
	payload, err := json.Marshal(map[string]any{"resume_at": resumeAt})
	if err != nil {
		return err
	}
	if err := e.Storage.AppendEvent(ctx, &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: inv.CorrelationID,
		EventType:     durable.EventWaitCreated,
		EventData:     payload,
		SpecVersion:   run.SpecVersion,
		CreatedAt:     time.Now(),
	}); err != nil {
		return err
	}

	if e.World == nil {
		return nil
	}
	msg, err := json.Marshal(map[string]any{"runId": run.RunID})
	if err != nil {
		return err
	}
	delaySeconds := int(inv.Duration / time.Second)
	return e.World.Queue.Enqueue(ctx, world.WorkflowQueueName(run.WorkflowName), msg, world.PublishOptions{DelaySeconds: delaySeconds})
}

func (e *Engine) createHook(ctx context.Context, run *durable.Run, inv *Invocation) error {
	codecCtx := &codec.Context{Boundary: codec.BoundaryStepArgs, Classes: e.Classes, Steps: e.Steps}
	metaBytes, _, err := codec.Dehydrate(codecCtx, inv.Metadata)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"token": inv.Token, "metadata": metaBytes})
	if err != nil {
		return err
	}
	err = e.Storage.AppendEvent(ctx, &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         run.RunID,
		CorrelationID: inv.CorrelationID,
		EventType:     durable.EventHookCreated,
		EventData:     payload,
		SpecVersion:   run.SpecVersion,
		CreatedAt:     time.Now(),
	})
	if err == durable.ErrHookTokenConflict {
		observability.RecordHookConflict(run.WorkflowName)
		return e.Storage.AppendEvent(ctx, &durable.Event{
			EventID:       durable.NewEventID(),
			RunID:         run.RunID,
			CorrelationID: inv.CorrelationID,
			EventType:     durable.EventHookConflict,
			EventData:     payload,
			SpecVersion:   run.SpecVersion,
			CreatedAt:     time.Now(),
		})
	}
	return err
}

// complete dehydrates result and writes run_completed.
func (e *Engine) complete(ctx context.Context, run *durable.Run, codecCtx *codec.Context, result any) error {
	returnCtx := &codec.Context{Boundary: codec.BoundaryWorkflowReturn, Classes: codecCtx.Classes, Steps: codecCtx.Steps, Streams: codecCtx.Streams, EncryptionKey: codecCtx.EncryptionKey}
	output, ops, err := codec.Dehydrate(returnCtx, result)
	if err != nil {
		return e.fail(ctx, run, err)
	}
	if err := runOps(ctx, ops); err != nil {
		return e.fail(ctx, run, err)
	}
	if err := e.Storage.AppendEvent(ctx, &durable.Event{
		EventID:     durable.NewEventID(),
		RunID:       run.RunID,
		EventType:   durable.EventRunCompleted,
		EventData:   output,
		SpecVersion: run.SpecVersion,
		CreatedAt:   time.Now(),
	}); err != nil {
		return err
	}
	observability.RecordRunTerminal(run.WorkflowName, "completed")
	return nil
}

// fail writes run_failed with err's message, returning nil once it is
// recorded (a successfully recorded failure is not a queue-handler error);
// a storage error from the append is returned.
func (e *Engine) fail(ctx context.Context, run *durable.Run, cause error) error {
	runErr := durable.RunError{Message: cause.Error()}
	if fatal, ok := cause.(*durerrors.FatalError); ok {
		runErr.Message = fatal.Message
	}
	payload, err := json.Marshal(runErr)
	if err != nil {
		return err
	}
	if err := e.Storage.AppendEvent(ctx, &durable.Event{
		EventID:     durable.NewEventID(),
		RunID:       run.RunID,
		EventType:   durable.EventRunFailed,
		EventData:   payload,
		SpecVersion: run.SpecVersion,
		CreatedAt:   time.Now(),
	}); err != nil {
		return err
	}
	observability.RecordRunTerminal(run.WorkflowName, "failed")
	return nil
}

func runOps(ctx context.Context, ops []codec.Op) error {
	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}
	_ = ctx
	return nil
}
