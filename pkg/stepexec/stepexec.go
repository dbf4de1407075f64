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

// Package stepexec implements the step queue handler: it starts a
// step attempt, hydrates its arguments, invokes the registered step
// function, and records the outcome as a step_completed, step_failed, or
// step_retrying event, re-enqueuing the parent workflow's continuation.
package stepexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/northvane/durable/internal/tracing"
	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	durerrors "github.com/northvane/durable/pkg/errors"
	"github.com/northvane/durable/pkg/observability"
	"github.com/northvane/durable/pkg/world"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultMaxRetries is the retry budget applied when Executor.MaxRetries is
// unset: up to four total attempts (the first plus three retries).
const DefaultMaxRetries = 3

// StepContext is passed to every registered step function, carrying the
// metadata that would otherwise require ambient globals.
type StepContext struct {
	context.Context

	StepID            string
	StepName          string
	Attempt           int
	StepStartedAt     time.Time
	WorkflowRunID     string
	WorkflowStartedAt time.Time
}

// StepFunc is a registered step's calling convention: receives its
// hydrated input and returns a dehydratable result or an error. Returning
// *errors.FatalError marks the failure non-retryable; *errors.RetryableError
// carries a caller-chosen backoff; any other error uses the executor's
// default retry policy.
type StepFunc func(ctx *StepContext, input any) (any, error)

// message is the step queue payload shape written by the orchestrator's
// createStep and read back here.
type message struct {
	WorkflowName      string    `json:"workflowName"`
	WorkflowRunID     string    `json:"workflowRunId"`
	WorkflowStartedAt time.Time `json:"workflowStartedAt"`
	StepID            string    `json:"stepId"`
	RequestedAt       time.Time `json:"requestedAt"`
}

// Executor is the step queue consumer.
type Executor struct {
	Storage    durable.Storage
	World      *world.World
	Steps      *codec.StepRegistry
	Classes    *codec.ClassRegistry
	MaxRetries int

	// ServerErrorRetries/backoff configure withServerErrorRetry: up to
	// three in-process retries of a storage call that fails with a
	// transient-looking error, at increasing backoff.
	ServerErrorRetries int
	ServerErrorBackoff []time.Duration

	// Tracer, when non-nil, wraps each step attempt in a span via
	// internal/tracing.StartStep. Nil disables tracing entirely.
	Tracer trace.Tracer

	// RateLimiter, when non-nil, is waited on before invoking a step
	// function, throttling the rate at which this executor's in-process
	// consumer calls into step code. Useful when the registered steps
	// themselves call a rate-limited downstream (an API with a request
	// quota) and redelivery storms would otherwise blow through it
	// before a single step's own backoff kicks in.
	RateLimiter *rate.Limiter
}

func (e *Executor) maxRetries() int {
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return DefaultMaxRetries
}

func (e *Executor) serverErrorBackoff() []time.Duration {
	if len(e.ServerErrorBackoff) > 0 {
		return e.ServerErrorBackoff
	}
	return []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
}

// Handle is a world.Handler: drive one step queue message to completion.
func (e *Executor) Handle(ctx context.Context, msg *world.Message) (world.HandlerResult, error) {
	var m message
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return world.HandlerResult{}, fmt.Errorf("stepexec: malformed message: %w", err)
	}
	return e.run(ctx, m)
}

func (e *Executor) run(ctx context.Context, m message) (world.HandlerResult, error) {
	now := time.Now()

	step, err := e.Storage.GetStep(ctx, m.WorkflowRunID, m.StepID)
	if err != nil {
		return world.HandlerResult{}, fmt.Errorf("stepexec: load step: %w", err)
	}
	if step.Status.Terminal() {
		e.reenqueueWorkflow(ctx, m.WorkflowName, m.WorkflowRunID)
		return world.HandlerResult{}, nil
	}
	if step.RetryAfter != nil && step.RetryAfter.After(now) {
		return world.HandlerResult{TimeoutSeconds: int(step.RetryAfter.Sub(now).Seconds()) + 1}, nil
	}

	startErr := e.withServerErrorRetry(ctx, func() error {
		return e.Storage.AppendEvent(ctx, &durable.Event{
			EventID:       durable.NewEventID(),
			RunID:         m.WorkflowRunID,
			CorrelationID: m.StepID,
			EventType:     durable.EventStepStarted,
			SpecVersion:   0,
			CreatedAt:     time.Now(),
		})
	})
	switch {
	case errors.Is(startErr, durable.ErrStepTerminal):
		e.reenqueueWorkflow(ctx, m.WorkflowName, m.WorkflowRunID)
		return world.HandlerResult{}, nil
	case errors.Is(startErr, durable.ErrRunTerminal):
		return world.HandlerResult{}, nil // run already terminal: ack and drop
	case errors.Is(startErr, durable.ErrTooEarly):
		// The client-side pre-check above is only a fast path to skip a
		// wasted AppendEvent call; the backend's atomic guard is what
		// actually prevents two concurrent redeliveries from both
		// starting an attempt before retryAfter elapses, so a race that
		// slips past the pre-check still lands here.
		latest, err := e.Storage.GetStep(ctx, m.WorkflowRunID, m.StepID)
		if err != nil {
			return world.HandlerResult{}, fmt.Errorf("stepexec: reload step after too-early: %w", err)
		}
		if latest.RetryAfter != nil {
			return world.HandlerResult{TimeoutSeconds: int(time.Until(*latest.RetryAfter).Seconds()) + 1}, nil
		}
		return world.HandlerResult{TimeoutSeconds: 1}, nil
	case startErr != nil:
		return world.HandlerResult{}, startErr
	}

	step, err = e.Storage.GetStep(ctx, m.WorkflowRunID, m.StepID)
	if err != nil {
		return world.HandlerResult{}, fmt.Errorf("stepexec: reload step after start: %w", err)
	}
	attempt := step.Attempt

	if attempt > e.maxRetries()+1 {
		return world.HandlerResult{}, e.failStep(ctx, m, stepNameOf(step), "exceeded max retries")
	}

	stepCtx := &StepContext{
		Context:           ctx,
		StepID:            m.StepID,
		StepName:          stepNameOf(step),
		Attempt:           attempt,
		StepStartedAt:     now,
		WorkflowRunID:     m.WorkflowRunID,
		WorkflowStartedAt: m.WorkflowStartedAt,
	}

	fnAny, ok := e.Steps.ResolveStep(stepCtx.StepName)
	if !ok {
		return world.HandlerResult{}, e.failStep(ctx, m, stepCtx.StepName, fmt.Sprintf("no step registered with id %q", stepCtx.StepName))
	}
	fn, ok := fnAny.(StepFunc)
	if !ok {
		return world.HandlerResult{}, e.failStep(ctx, m, stepCtx.StepName, fmt.Sprintf("step %q is not a stepexec.StepFunc", stepCtx.StepName))
	}

	hydrateCtx := &codec.Context{Boundary: codec.BoundaryStepArgs, Classes: e.Classes, Steps: e.Steps}
	if e.World != nil {
		hydrateCtx.Streams = e.World.Streams
	}
	var input any
	if len(step.Input) > 0 {
		if err := codec.Hydrate(hydrateCtx, step.Input, &input); err != nil {
			return world.HandlerResult{}, e.failStep(ctx, m, stepCtx.StepName, err.Error())
		}
	}

	if e.RateLimiter != nil {
		if err := e.RateLimiter.Wait(ctx); err != nil {
			return world.HandlerResult{}, fmt.Errorf("stepexec: rate limiter: %w", err)
		}
	}

	spanCtx := ctx
	var span *tracing.WorkflowSpan
	if e.Tracer != nil {
		spanCtx, span = tracing.StartStep(ctx, e.Tracer, m.StepID, stepCtx.StepName)
		stepCtx.Context = spanCtx
	}
	result, runErr := fn(stepCtx, input)
	if span != nil {
		if runErr != nil {
			span.RecordError(runErr)
		}
		span.End()
	}
	if runErr != nil {
		return e.handleStepError(ctx, m, stepCtx.StepName, attempt, runErr)
	}

	returnCtx := &codec.Context{Boundary: codec.BoundaryStepReturn, Classes: e.Classes, Steps: e.Steps}
	if e.World != nil {
		returnCtx.Streams = e.World.Streams
	}
	output, ops, err := codec.Dehydrate(returnCtx, result)
	if err != nil {
		return world.HandlerResult{}, e.failStep(ctx, m, stepCtx.StepName, err.Error())
	}
	for _, op := range ops {
		if err := op(); err != nil {
			return world.HandlerResult{}, e.failStep(ctx, m, stepCtx.StepName, err.Error())
		}
	}

	if err := e.withServerErrorRetry(ctx, func() error {
		return e.Storage.AppendEvent(ctx, &durable.Event{
			EventID:       durable.NewEventID(),
			RunID:         m.WorkflowRunID,
			CorrelationID: m.StepID,
			EventType:     durable.EventStepCompleted,
			EventData:     output,
			CreatedAt:     time.Now(),
		})
	}); err != nil && !errors.Is(err, durable.ErrStepTerminal) {
		return world.HandlerResult{}, err
	}
	observability.RecordStepAttempt(stepCtx.StepName, "completed")
	e.reenqueueWorkflow(ctx, m.WorkflowName, m.WorkflowRunID)
	return world.HandlerResult{}, nil
}

func (e *Executor) handleStepError(ctx context.Context, m message, stepName string, attempt int, runErr error) (world.HandlerResult, error) {
	var fatal *durerrors.FatalError
	var retryable *durerrors.RetryableError

	switch {
	case errors.As(runErr, &fatal):
		return world.HandlerResult{}, e.failStep(ctx, m, stepName, fatal.Message)

	case errors.As(runErr, &retryable):
		retryAfter := retryable.RetryAfter
		if retryAfter.IsZero() {
			retryAfter = time.Now().Add(time.Second)
		}
		if err := e.writeRetrying(ctx, m, stepName, retryAfter, retryable.Message); err != nil {
			return world.HandlerResult{}, err
		}
		timeout := int(time.Until(retryAfter).Seconds())
		if timeout < 0 {
			timeout = 0
		}
		return world.HandlerResult{TimeoutSeconds: timeout}, nil

	case attempt < e.maxRetries()+1:
		retryAfter := time.Now().Add(time.Second)
		if err := e.writeRetrying(ctx, m, stepName, retryAfter, runErr.Error()); err != nil {
			return world.HandlerResult{}, err
		}
		return world.HandlerResult{TimeoutSeconds: 1}, nil

	default:
		return world.HandlerResult{}, e.failStep(ctx, m, stepName, runErr.Error())
	}
}

func (e *Executor) writeRetrying(ctx context.Context, m message, stepName string, retryAfter time.Time, message string) error {
	payload, _ := json.Marshal(map[string]any{
		"retry_after": retryAfter,
		"message":     message,
	})
	err := e.withServerErrorRetry(ctx, func() error {
		return e.Storage.AppendEvent(ctx, &durable.Event{
			EventID:       durable.NewEventID(),
			RunID:         m.WorkflowRunID,
			CorrelationID: m.StepID,
			EventType:     durable.EventStepRetrying,
			EventData:     payload,
			CreatedAt:     time.Now(),
		})
	})
	if err == nil {
		observability.RecordStepAttempt(stepName, "retrying")
	}
	return err
}

func (e *Executor) failStep(ctx context.Context, m message, stepName, reason string) error {
	payload, _ := json.Marshal(durable.StepError{Message: reason})
	err := e.withServerErrorRetry(ctx, func() error {
		return e.Storage.AppendEvent(ctx, &durable.Event{
			EventID:       durable.NewEventID(),
			RunID:         m.WorkflowRunID,
			CorrelationID: m.StepID,
			EventType:     durable.EventStepFailed,
			EventData:     payload,
			CreatedAt:     time.Now(),
		})
	})
	if err != nil && !errors.Is(err, durable.ErrStepTerminal) {
		return err
	}
	observability.RecordStepAttempt(stepName, "failed")
	e.reenqueueWorkflow(ctx, m.WorkflowName, m.WorkflowRunID)
	return nil
}

func (e *Executor) reenqueueWorkflow(ctx context.Context, workflowName, runID string) {
	if e.World == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"runId": runID})
	_ = e.World.Queue.Enqueue(ctx, world.WorkflowQueueName(workflowName), payload, world.PublishOptions{})
}

// withServerErrorRetry retries op up to ServerErrorRetries times with
// increasing backoff, the same transient-5xx handling applied to every
// storage call a step attempt makes. A result satisfying one of the
// ordering-signal sentinels is never retried.
func (e *Executor) withServerErrorRetry(ctx context.Context, op func() error) error {
	backoff := e.serverErrorBackoff()
	attempts := e.ServerErrorRetries
	if attempts <= 0 {
		attempts = len(backoff)
	}

	var lastErr error
	for i := 0; i <= attempts; i++ {
		lastErr = op()
		if lastErr == nil || isOrderingSignal(lastErr) {
			return lastErr
		}
		if i >= attempts {
			break
		}
		delay := backoff[i%len(backoff)]
		jitter := time.Duration(rand.Int63n(int64(delay) / 4))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return lastErr
}

func isOrderingSignal(err error) bool {
	return errors.Is(err, durable.ErrStepTerminal) ||
		errors.Is(err, durable.ErrRunTerminal) ||
		errors.Is(err, durable.ErrTooEarly) ||
		errors.Is(err, durable.ErrHookTokenConflict) ||
		errors.Is(err, durable.ErrWaitAlreadyCompleted) ||
		errors.Is(err, durable.ErrOptimisticConflict)
}

func stepNameOf(step *durable.Step) string {
	return step.StepName
}
