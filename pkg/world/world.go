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

package world

import (
	"context"
	"encoding/json"
	"time"
)

// World bundles the queue and stream store a deployment's workflows and
// steps talk to, the Go equivalent of the reference runtime's globally
// injected `World` object (`World.queue`, `World.createQueueHandler`,
// `writeToStream`, ...).
type World struct {
	Queue   Queue
	Streams StreamStore

	// EncryptionKeys resolves the per-run key used to encrypt run input
	// and output at rest (see pkg/codec's EncryptionKey boundary). Nil
	// disables encryption entirely; callers that build a codec.Context
	// should treat a nil EncryptionKeys the same as one whose Key always
	// returns (nil, nil).
	EncryptionKeys EncryptionKeyProvider
}

// EncryptionKeyProvider resolves the encryption key a run's dehydrated
// input/output should be sealed under. Implementations may derive the key
// from the run id, a deployment-wide secret, or an external KMS; a nil
// return disables encryption for that run.
type EncryptionKeyProvider interface {
	Key(ctx context.Context, runID string) ([]byte, error)
}

// StaticKeyProvider returns the same master key for every run, derived
// once at startup (e.g. from an environment variable), the same
// single-master-key model the teacher's secrets backend uses for its
// encrypted file store.
type StaticKeyProvider struct {
	MasterKey []byte
}

// Key implements EncryptionKeyProvider.
func (p StaticKeyProvider) Key(ctx context.Context, runID string) ([]byte, error) {
	return p.MasterKey, nil
}

// EncryptionKeyFor returns w's per-run encryption key, or nil if w or its
// EncryptionKeys provider is unset. Callers thread the result into a
// codec.Context's EncryptionKey field.
func EncryptionKeyFor(ctx context.Context, w *World, runID string) ([]byte, error) {
	if w == nil || w.EncryptionKeys == nil {
		return nil, nil
	}
	return w.EncryptionKeys.Key(ctx, runID)
}

// NewMemoryWorld returns a World backed entirely by in-process
// implementations, suitable for tests and single-process deployments.
func NewMemoryWorld() *World {
	return &World{Queue: NewMemoryQueue(), Streams: NewMemoryStreamStore()}
}

// HandlerResult is a queue handler's return value: zero value means ack,
// a positive TimeoutSeconds means defer redelivery that long.
type HandlerResult struct {
	TimeoutSeconds int
}

// Handler processes one delivered message. Returning an error is treated as
// a transient failure and Nacks the message for immediate redelivery.
type Handler func(ctx context.Context, msg *Message) (HandlerResult, error)

// RunHandler drives Receive/dispatch/Ack-or-Defer in a loop for every queue
// name with the given prefix, until ctx is cancelled. This is the process
// loop behind World.createQueueHandler(prefix, handler).
func RunHandler(ctx context.Context, q Queue, prefix string, visibilityTimeout time.Duration, handler Handler) error {
	for {
		msg, err := q.Receive(ctx, []string{prefix}, visibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		result, herr := handler(ctx, msg)
		if herr != nil {
			_ = q.Nack(ctx, msg.DeliveryToken)
			continue
		}
		if result.TimeoutSeconds > 0 {
			_ = q.Defer(ctx, msg.DeliveryToken, time.Duration(result.TimeoutSeconds)*time.Second)
			continue
		}
		_ = q.Ack(ctx, msg.DeliveryToken)
	}
}

// healthCheckStreamPrefix is the one-shot stream a health-check queue
// consumer replies on, named after the probe's correlation id.
const healthCheckStreamPrefix = "__health_check__"

// HealthCheckStreamName returns the one-shot reply stream for a health
// check's correlation id.
func HealthCheckStreamName(correlationID string) string {
	return healthCheckStreamPrefix + correlationID
}

// PublishHealthCheck enqueues a probe onto the given health-check queue
// (WorkflowHealthCheckQueue or StepHealthCheckQueue) and waits for the
// consumer's reply on the matching one-shot stream, the mechanism an
// operator's readiness probe uses to confirm a worker is actually draining
// its queue rather than merely running.
func PublishHealthCheck(ctx context.Context, w *World, queueName, correlationID string, timeout time.Duration) error {
	payload, err := json.Marshal(map[string]string{"correlationId": correlationID})
	if err != nil {
		return err
	}
	if err := w.Queue.Enqueue(ctx, queueName, payload, PublishOptions{}); err != nil {
		return err
	}

	streamName := HealthCheckStreamName(correlationID)
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = w.Streams.Read(deadline, streamName, "", 0)
	return err
}

// RespondHealthCheck is called by a health-check queue's handler to signal
// liveness back to PublishHealthCheck's waiting reader.
func RespondHealthCheck(ctx context.Context, w *World, correlationID string) error {
	streamName := HealthCheckStreamName(correlationID)
	if err := w.Streams.Write(ctx, streamName, "", []byte("ok")); err != nil {
		return err
	}
	return w.Streams.Close(ctx, streamName, "")
}
