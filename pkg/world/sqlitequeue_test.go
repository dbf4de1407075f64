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
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := NewSQLiteQueue(SQLiteQueueConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSQLiteQueue_EnqueueReceiveAck(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, WorkflowQueueName("greet"), []byte("payload"), PublishOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected len 1, got %d", q.Len())
	}

	msg, err := q.Receive(ctx, []string{WorkflowQueuePrefix}, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(msg.Payload) != "payload" {
		t.Errorf("expected payload %q, got %q", "payload", msg.Payload)
	}

	if err := q.Ack(ctx, msg.DeliveryToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("expected len 0 after ack, got %d", q.Len())
	}
}

func TestSQLiteQueue_IdempotencyDedup(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	opts := PublishOptions{IdempotencyKey: "run-123"}
	if err := q.Enqueue(ctx, "q", []byte("first"), opts); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "q", []byte("second"), opts); err != nil {
		t.Fatalf("Enqueue (duplicate): %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected the duplicate idempotency key to be dropped, got len %d", q.Len())
	}
}

func TestSQLiteQueue_PrefixFiltering(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, StepQueueName("fetch"), []byte("step"), PublishOptions{})

	recvCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(recvCtx, []string{WorkflowQueuePrefix}, time.Second); err == nil {
		t.Fatal("expected Receive to time out, a step message should not match the workflow prefix")
	}
}

func TestSQLiteQueue_DeferRedelivery(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "q", []byte("payload"), PublishOptions{})
	msg, err := q.Receive(ctx, nil, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if err := q.Defer(ctx, msg.DeliveryToken, 50*time.Millisecond); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	redelivered, err := q.Receive(ctx, nil, time.Second)
	if err != nil {
		t.Fatalf("Receive after defer elapsed: %v", err)
	}
	if redelivered.Attempt != 2 {
		t.Errorf("expected attempt 2 on redelivery, got %d", redelivered.Attempt)
	}
}

func TestSQLiteQueue_SharedAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	writer, err := NewSQLiteQueue(SQLiteQueueConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteQueue (writer): %v", err)
	}
	defer writer.Close()

	reader, err := NewSQLiteQueue(SQLiteQueueConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteQueue (reader): %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	if err := writer.Enqueue(ctx, "q", []byte("cross-process"), PublishOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := reader.Receive(ctx, nil, time.Second)
	if err != nil {
		t.Fatalf("Receive on a separate handle to the same file: %v", err)
	}
	if string(msg.Payload) != "cross-process" {
		t.Errorf("expected payload %q, got %q", "cross-process", msg.Payload)
	}
}
