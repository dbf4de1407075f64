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

// Package hooks implements the external-facing half of hook/wait handling: resolving a
// hook token to its owning run and signalling it (ResumeHook), waking a
// sleeping run early (WakeUpRun), and the webhook response-mode contract
// layered on top of a hook (CreateWebhook). Workflow-side hook creation
// lives in package orchestrator (Context.CreateHook); these are the
// handler-side calls that complete the round trip.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/world"
)

// Resolver bundles the collaborators ResumeHook/WakeUpRun need.
type Resolver struct {
	Storage durable.Storage
	World   *world.World
	Classes *codec.ClassRegistry
	Steps   *codec.StepRegistry
}

// ResumeHook resolves token to its owning hook, dehydrates payload, writes
// hook_received, and re-enqueues the owning run's workflow continuation.
// Called by an inbound webhook/signal handler, never by workflow code.
func (r *Resolver) ResumeHook(ctx context.Context, token string, payload any) error {
	hook, err := r.Storage.GetHookByToken(ctx, token)
	if err != nil {
		return err
	}

	encryptionKey, err := world.EncryptionKeyFor(ctx, r.World, hook.RunID)
	if err != nil {
		return err
	}
	dehydrateCtx := &codec.Context{Boundary: codec.BoundaryStepArgs, Classes: r.Classes, Steps: r.Steps, EncryptionKey: encryptionKey}
	if r.World != nil {
		dehydrateCtx.Streams = r.World.Streams
	}
	body, ops, err := codec.Dehydrate(dehydrateCtx, payload)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}

	run, err := r.Storage.GetRun(ctx, hook.RunID)
	if err != nil {
		return err
	}

	if err := r.Storage.AppendEvent(ctx, &durable.Event{
		EventID:       durable.NewEventID(),
		RunID:         hook.RunID,
		CorrelationID: hook.HookID,
		EventType:     durable.EventHookReceived,
		EventData:     body,
		CreatedAt:     time.Now(),
	}); err != nil {
		return err
	}

	return r.reenqueueWorkflow(ctx, run.WorkflowName, run.RunID)
}

// WakeUpRun forces every pending wait on runID (or only those whose
// correlation id is in correlationIDs, if non-empty) to complete
// immediately, then re-enqueues the workflow continuation once.
func (r *Resolver) WakeUpRun(ctx context.Context, runID string, correlationIDs ...string) error {
	run, err := r.Storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(correlationIDs))
	for _, id := range correlationIDs {
		want[id] = true
	}

	events, err := r.Storage.ListEvents(ctx, durable.EventFilter{RunID: runID})
	if err != nil {
		return err
	}
	woke := false
	for _, ev := range events {
		if ev.EventType != durable.EventWaitCreated {
			continue
		}
		if len(want) > 0 && !want[ev.CorrelationID] {
			continue
		}
		err := r.Storage.AppendEvent(ctx, &durable.Event{
			EventID:       durable.NewEventID(),
			RunID:         runID,
			CorrelationID: ev.CorrelationID,
			EventType:     durable.EventWaitCompleted,
			CreatedAt:     time.Now(),
		})
		if err != nil && err != durable.ErrWaitAlreadyCompleted {
			return err
		}
		woke = true
	}
	if !woke {
		return nil
	}
	return r.reenqueueWorkflow(ctx, run.WorkflowName, runID)
}

func (r *Resolver) reenqueueWorkflow(ctx context.Context, workflowName, runID string) error {
	if r.World == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"runId": runID})
	if err != nil {
		return err
	}
	return r.World.Queue.Enqueue(ctx, world.WorkflowQueueName(workflowName), payload, world.PublishOptions{})
}

// ResponseMode selects how a webhook-backed hook answers its HTTP caller.
type ResponseMode int

const (
	// ResponseModeAccepted returns HTTP 202 immediately; the workflow
	// processes the payload asynchronously.
	ResponseModeAccepted ResponseMode = iota
	// ResponseModeStatic returns a fixed response configured at webhook
	// creation time.
	ResponseModeStatic
	// ResponseModeManual blocks the HTTP caller until the workflow writes
	// a response to the hook's reply stream.
	ResponseModeManual
)

// WebhookSpec configures CreateWebhook's response behavior.
type WebhookSpec struct {
	Token        string
	Mode         ResponseMode
	StaticStatus int
	StaticBody   []byte
}

// WebhookRegistry maps a webhook's token to the response contract its hook
// was created with, so the inbound HTTP router knows how to answer the
// caller without threading that decision through ResumeHook.
type WebhookRegistry struct {
	mu    sync.RWMutex
	specs map[string]WebhookSpec
}

// NewWebhookRegistry returns an empty registry.
func NewWebhookRegistry() *WebhookRegistry {
	return &WebhookRegistry{specs: make(map[string]WebhookSpec)}
}

// Register associates a token with its response contract. Called when the
// workflow-side CreateHook call that minted the token also configures a
// webhook response mode.
func (r *WebhookRegistry) Register(spec WebhookSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Token] = spec
}

// Lookup returns the registered spec for token, if any.
func (r *WebhookRegistry) Lookup(token string) (WebhookSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[token]
	return spec, ok
}

// Forget removes a token's registration once its hook is resolved, so the
// registry does not grow unbounded across the life of a long-running
// daemon.
func (r *WebhookRegistry) Forget(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, token)
}

// ReplyStreamName is the stream a manual-mode webhook's workflow step
// writes its HTTP response to, addressed by the hook's token so the
// waiting HTTP handler can find it without a run id.
func ReplyStreamName(token string) string {
	return "__webhook_reply__" + token
}

// AwaitManualReply blocks until the workflow writes and closes the reply
// stream for token, returning the accumulated response body.
func (r *Resolver) AwaitManualReply(ctx context.Context, token string) ([]byte, error) {
	name := ReplyStreamName(token)
	var body []byte
	index := 0
	for {
		chunks, err := r.World.Streams.Read(ctx, name, "", index)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return body, nil
			}
			return body, err
		}
		index += len(chunks)
		for _, c := range chunks {
			body = append(body, c...)
		}
	}
}
