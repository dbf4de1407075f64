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

// Package runtime is the run-control surface: starting runs,
// polling or reading their outcome, cancelling them, and recreating a run
// from an existing one's input. It is the client library a host
// application embeds; the queue-driven orchestrator and step executor are
// what actually advance a started run.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/northvane/durable/pkg/codec"
	"github.com/northvane/durable/pkg/durable"
	durerrors "github.com/northvane/durable/pkg/errors"
	"github.com/northvane/durable/pkg/hooks"
	"github.com/northvane/durable/pkg/world"
)

// PollInterval is how often ReturnValue re-checks a run's status while
// waiting for it to reach a terminal state.
const PollInterval = time.Second

// Client is the embeddable run-control API.
type Client struct {
	Storage durable.Storage
	World   *world.World
	Classes *codec.ClassRegistry
	Steps   *codec.StepRegistry
	Hooks   *hooks.Resolver
}

// NewClient wires a Client from its collaborators, constructing the hooks
// resolver if one was not supplied.
func NewClient(storage durable.Storage, w *world.World, classes *codec.ClassRegistry, steps *codec.StepRegistry) *Client {
	return &Client{
		Storage: storage,
		World:   w,
		Classes: classes,
		Steps:   steps,
		Hooks:   &hooks.Resolver{Storage: storage, World: w, Classes: classes, Steps: steps},
	}
}

// StartOptions configures Start/RecreateRunFromExisting.
type StartOptions struct {
	DeploymentID string
	SpecVersion  int
}

// Run is the handle Start/RecreateRunFromExisting return: a thin wrapper
// around a run id with the polling/read convenience methods below.
type Run struct {
	client *Client
	RunID  string
}

// Start dehydrates args, writes run_created, and enqueues the workflow's
// continuation queue, returning a handle to the new run.
func (c *Client) Start(ctx context.Context, workflowName string, args any, opts StartOptions) (*Run, error) {
	runID := durable.NewRunID()

	encryptionKey, err := world.EncryptionKeyFor(ctx, c.World, runID)
	if err != nil {
		return nil, err
	}
	dehydrateCtx := &codec.Context{Boundary: codec.BoundaryWorkflowArgs, Classes: c.Classes, Steps: c.Steps, EncryptionKey: encryptionKey}
	if c.World != nil {
		dehydrateCtx.Streams = c.World.Streams
	}
	input, ops, err := codec.Dehydrate(dehydrateCtx, args)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := op(); err != nil {
			return nil, err
		}
	}

	payload, err := runCreatedPayload(workflowName, opts.DeploymentID, input)
	if err != nil {
		return nil, err
	}
	if err := c.Storage.AppendEvent(ctx, &durable.Event{
		EventID:     durable.NewEventID(),
		RunID:       runID,
		EventType:   durable.EventRunCreated,
		EventData:   payload,
		SpecVersion: opts.SpecVersion,
		CreatedAt:   time.Now(),
	}); err != nil {
		return nil, err
	}

	if c.World != nil {
		msg, err := runMessagePayload(runID)
		if err != nil {
			return nil, err
		}
		if err := c.World.Queue.Enqueue(ctx, world.WorkflowQueueName(workflowName), msg, world.PublishOptions{}); err != nil {
			return nil, err
		}
	}

	return &Run{client: c, RunID: runID}, nil
}

// GetRun returns a handle to an existing run id without validating it
// exists yet; use Status to force a lookup.
func (c *Client) GetRun(runID string) *Run {
	return &Run{client: c, RunID: runID}
}

// RecreateRunFromExisting reads runID's original input and starts a fresh
// run of the same workflow with it.
func (c *Client) RecreateRunFromExisting(ctx context.Context, runID string, opts StartOptions) (*Run, error) {
	original, err := c.Storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if opts.DeploymentID == "" {
		opts.DeploymentID = original.DeploymentID
	}
	if opts.SpecVersion == 0 {
		opts.SpecVersion = original.SpecVersion
	}

	newRunID := durable.NewRunID()
	payload, err := runCreatedPayload(original.WorkflowName, opts.DeploymentID, original.Input)
	if err != nil {
		return nil, err
	}
	if err := c.Storage.AppendEvent(ctx, &durable.Event{
		EventID:     durable.NewEventID(),
		RunID:       newRunID,
		EventType:   durable.EventRunCreated,
		EventData:   payload,
		SpecVersion: opts.SpecVersion,
		CreatedAt:   time.Now(),
	}); err != nil {
		return nil, err
	}
	if c.World != nil {
		msg, err := runMessagePayload(newRunID)
		if err != nil {
			return nil, err
		}
		if err := c.World.Queue.Enqueue(ctx, world.WorkflowQueueName(original.WorkflowName), msg, world.PublishOptions{}); err != nil {
			return nil, err
		}
	}
	return &Run{client: c, RunID: newRunID}, nil
}

// WakeUpRun forces pending waits on runID (or just correlationIDs, if
// given) to complete immediately.
func (c *Client) WakeUpRun(ctx context.Context, runID string, correlationIDs ...string) error {
	return c.Hooks.WakeUpRun(ctx, runID, correlationIDs...)
}

// Status returns the run's materialized entity.
func (r *Run) Status(ctx context.Context) (*durable.Run, error) {
	return r.client.Storage.GetRun(ctx, r.RunID)
}

// Cancel writes run_cancelled; idempotent if already cancelled.
func (r *Run) Cancel(ctx context.Context) error {
	err := r.client.Storage.AppendEvent(ctx, &durable.Event{
		EventID:   durable.NewEventID(),
		RunID:     r.RunID,
		EventType: durable.EventRunCancelled,
		CreatedAt: time.Now(),
	})
	if err == durable.ErrRunTerminal {
		run, getErr := r.client.Storage.GetRun(ctx, r.RunID)
		if getErr == nil && run.Status == durable.RunCancelled {
			return nil
		}
	}
	return err
}

// ReturnValue polls Status every PollInterval until the run reaches a
// terminal state, then hydrates and returns its output, or a typed error
// for cancellation/failure.
func (r *Run) ReturnValue(ctx context.Context) (any, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		run, err := r.client.Storage.GetRun(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case durable.RunCompleted:
			encryptionKey, err := world.EncryptionKeyFor(ctx, r.client.World, r.RunID)
			if err != nil {
				return nil, err
			}
			hydrateCtx := &codec.Context{Boundary: codec.BoundaryWorkflowArgs, Classes: r.client.Classes, Steps: r.client.Steps, EncryptionKey: encryptionKey}
			if r.client.World != nil {
				hydrateCtx.Streams = r.client.World.Streams
			}
			var out any
			if len(run.Output) > 0 {
				if err := codec.Hydrate(hydrateCtx, run.Output, &out); err != nil {
					return nil, err
				}
			}
			return out, nil
		case durable.RunCancelled:
			return nil, &durerrors.WorkflowRunCancelledError{RunID: r.RunID}
		case durable.RunFailed:
			msg, code := "", ""
			if run.Error != nil {
				msg, code = run.Error.Message, run.Error.Code
			}
			return nil, &durerrors.WorkflowRunFailedError{RunID: r.RunID, Message: msg, Code: code}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadStream returns every chunk currently available on name starting at
// startIndex, blocking until at least one is ready or the stream closes.
func (r *Run) ReadStream(ctx context.Context, name string, startIndex int) ([][]byte, error) {
	if r.client.World == nil {
		return nil, fmt.Errorf("runtime: no stream store configured")
	}
	return r.client.World.Streams.Read(ctx, name, r.RunID, startIndex)
}

// ListStreams returns every stream name with data written under this run.
func (r *Run) ListStreams(ctx context.Context) ([]string, error) {
	if r.client.World == nil {
		return nil, fmt.Errorf("runtime: no stream store configured")
	}
	return r.client.World.Streams.ListByRun(ctx, r.RunID)
}
