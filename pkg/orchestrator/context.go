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
	"encoding/json"
	"time"

	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	durerrors "github.com/northvane/durable/pkg/errors"
	"github.com/northvane/durable/pkg/hooks"
)

// Event data for run_completed/step_completed is the raw codec-dehydrated
// output; run_failed/step_failed carries the raw JSON of RunError/StepError;
// hook_received carries the raw codec-dehydrated payload. None of these are
// wrapped in an envelope — the event's own EventData field IS the value.

// Context is passed to every workflow function. It is the only place
// workflow code may reach outside its own arguments: every method either
// returns a value already known from replay, or registers a suspension
// point and returns a pending Future.
type Context struct {
	Sandbox *Sandbox

	runID    string
	codec    *codec.Context
	replay   *replayIndex
	webhooks *hooks.WebhookRegistry

	invocations []*Invocation
	err         error // set when an unexpected event forces a hard stop
}

func newContext(runID string, sandbox *Sandbox, replay *replayIndex, codecCtx *codec.Context, webhooks *hooks.WebhookRegistry) *Context {
	return &Context{Sandbox: sandbox, runID: runID, codec: codecCtx, replay: replay, webhooks: webhooks}
}

// Step calls stepName with input, returning a Future that resolves
// immediately if this correlation id already has a terminal event in the
// replay log, or registers a pending invocation otherwise. Never suspends
// by itself; call Await/All/Race/Any to suspend.
func (ctx *Context) Step(stepName string, input any) *Future {
	correlationID := ctx.Sandbox.NextCorrelationID()
	f := &Future{correlationID: correlationID}

	if ev := ctx.replay.terminal(correlationID); ev != nil {
		switch ev.EventType {
		case durable.EventStepCompleted:
			var result any
			if len(ev.EventData) > 0 {
				if err := codec.Hydrate(ctx.codec, ev.EventData, &result); err != nil {
					f.resolved, f.err = true, err
					return f
				}
			}
			f.resolved, f.value = true, result
			return f

		case durable.EventStepFailed:
			var stepErr durable.StepError
			_ = json.Unmarshal(ev.EventData, &stepErr)
			msg := stepErr.Message
			if msg == "" {
				msg = "step failed"
			}
			f.resolved, f.err = true, &durerrors.FatalError{Message: msg}
			return f

		default:
			ctx.err = unexpectedEventError(ctx.runID, correlationID, ev.EventType)
			f.resolved, f.err = true, ctx.err
			return f
		}
	}

	if !ctx.replay.hasAny(correlationID) {
		ctx.invocations = append(ctx.invocations, &Invocation{
			Kind:          InvocationStep,
			CorrelationID: correlationID,
			StepName:      stepName,
			StepInput:     input,
		})
	}
	return f
}

// Sleep pauses the workflow for d, returning a Future that resolves once
// the corresponding wait_completed event has been recorded.
func (ctx *Context) Sleep(d time.Duration) *Future {
	correlationID := ctx.Sandbox.NextCorrelationID()
	f := &Future{correlationID: correlationID}

	if ev := ctx.replay.terminal(correlationID); ev != nil {
		if ev.EventType != durable.EventWaitCompleted {
			ctx.err = unexpectedEventError(ctx.runID, correlationID, ev.EventType)
			f.resolved, f.err = true, ctx.err
			return f
		}
		f.resolved = true
		return f
	}

	if !ctx.replay.hasAny(correlationID) {
		ctx.invocations = append(ctx.invocations, &Invocation{
			Kind:          InvocationWait,
			CorrelationID: correlationID,
			Duration:      d,
		})
	}
	return f
}

// HookHandle is returned by CreateHook; Next returns a Future for the next
// undelivered hook_received payload.
type HookHandle struct {
	ctx           *Context
	correlationID string
	consumed      int
}

// CreateHook registers a hook suspension point for token. Hooks are
// iterable: call Next repeatedly to observe each distinct delivery.
func (ctx *Context) CreateHook(token string, metadata any) *HookHandle {
	correlationID := ctx.Sandbox.NextCorrelationID()
	if !ctx.replay.hasAny(correlationID) {
		ctx.invocations = append(ctx.invocations, &Invocation{
			Kind:          InvocationHook,
			CorrelationID: correlationID,
			Token:         token,
			Metadata:      metadata,
		})
	}
	return &HookHandle{ctx: ctx, correlationID: correlationID}
}

// CreateWebhook is CreateHook plus a response contract: it registers spec
// against the daemon's WebhookRegistry so the inbound webhook HTTP handler
// knows how to answer the caller once the hook fires (202-Accepted, a
// fixed static response, or blocking for a manual reply). Registration is
// a harmless side effect on every replay, not a durable event by itself —
// the hook_created event CreateHook writes is what makes the token durable.
func (ctx *Context) CreateWebhook(token string, metadata any, spec hooks.WebhookSpec) *HookHandle {
	handle := ctx.CreateHook(token, metadata)
	if ctx.webhooks != nil {
		spec.Token = token
		ctx.webhooks.Register(spec)
	}
	return handle
}

// Next returns a Future for the h.consumed-th hook_received delivery,
// advancing the cursor so the following call observes the next one.
func (h *HookHandle) Next() *Future {
	deliveries := h.ctx.replay.hookEvents(h.correlationID)
	f := &Future{correlationID: h.correlationID}
	if h.consumed < len(deliveries) {
		ev := deliveries[h.consumed]
		h.consumed++
		var payload any
		if len(ev.EventData) > 0 {
			if err := codec.Hydrate(h.ctx.codec, ev.EventData, &payload); err != nil {
				f.resolved, f.err = true, err
				return f
			}
		}
		f.resolved, f.value = true, payload
	}
	return f
}
