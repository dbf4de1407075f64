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

// Package world implements the two durable side channels a running
// workflow or step talks to outside the event log: the priority queue
// that drives workflow/step continuations (C3), and the append-only
// stream store chunked data pipes through (C4).
package world

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue/Receive on a closed queue.
type ErrQueueClosed struct{}

func (ErrQueueClosed) Error() string { return "world: queue is closed" }

// PublishOptions configures a single Enqueue call, mirroring
// World.queue(queueName, payload, {deploymentId?, idempotencyKey?,
// delaySeconds?, headers?}).
type PublishOptions struct {
	DeploymentID   string
	IdempotencyKey string
	DelaySeconds   int
	Headers        map[string]string
	Priority       int
}

// Message is one durable queue entry. DeliveryToken identifies a specific
// delivery attempt and must be echoed back to Ack/Defer/Nack.
type Message struct {
	ID             string
	Queue          string
	Payload        []byte
	Headers        map[string]string
	IdempotencyKey string
	Priority       int
	EnqueuedAt     time.Time
	VisibleAt      time.Time
	Attempt        int
	DeliveryToken  string
}

// Queue is the durable message bus contract. Receive blocks (respecting
// ctx) until a message becomes visible; the caller must Ack, Defer, or
// Nack every received message using its DeliveryToken, or it becomes
// visible again once VisibilityTimeout elapses (at-least-once delivery).
type Queue interface {
	// Enqueue publishes payload to queueName. A duplicate IdempotencyKey
	// within the dedup window is treated as success without re-publishing
	// duplicate idempotency keys are treated as success.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts PublishOptions) error

	// Receive blocks until a message is visible on any queue whose name
	// has one of the given prefixes (createQueueHandler mounts by
	// prefix, not exact name).
	Receive(ctx context.Context, prefixes []string, visibilityTimeout time.Duration) (*Message, error)

	// Ack permanently removes a delivered message.
	Ack(ctx context.Context, deliveryToken string) error

	// Defer re-queues a delivered message to become visible again after
	// timeout, clamped to MaxDefer — the mechanism behind "the handler
	// returns {timeoutSeconds}" and behind sleep's delayed redelivery.
	Defer(ctx context.Context, deliveryToken string, timeout time.Duration) error

	// Nack returns a delivered message to the queue immediately,
	// available for redelivery without waiting out the visibility
	// timeout.
	Nack(ctx context.Context, deliveryToken string) error

	// Len reports the number of messages not yet acked, across all
	// queues, for diagnostics and tests.
	Len() int

	// Close releases queue resources. Pending Receive calls return
	// ErrQueueClosed.
	Close() error
}

// MaxDefer is the backend-wide ceiling on Defer's timeout, the Go
// equivalent of "clamped to the backend's maximum".
const MaxDefer = 12 * time.Hour

// Well-known queue name prefixes.
const (
	WorkflowQueuePrefix      = "__wkf_workflow_"
	StepQueuePrefix          = "__wkf_step_"
	WorkflowHealthCheckQueue = "__wkf_workflow_health_check"
	StepHealthCheckQueue     = "__wkf_step_health_check"
)

// WorkflowQueueName returns the continuation queue for a workflow name.
func WorkflowQueueName(workflowName string) string {
	return WorkflowQueuePrefix + workflowName
}

// StepQueueName returns the invocation queue for a step name.
func StepQueueName(stepName string) string {
	return StepQueuePrefix + stepName
}

type heapItem struct {
	msg   *Message
	index int
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].msg.VisibleAt.Before(h[j].msg.VisibleAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryQueue is an in-process priority queue with visibility timeouts and
// idempotency-key deduplication, grounded on the teacher's MemoryQueue but
// generalized from single-FIFO to the prefix-addressed, delay-aware, at-
// least-once contract a queue requires.
type MemoryQueue struct {
	mu      sync.Mutex
	pending priorityHeap
	inFlight map[string]*heapItem // deliveryToken -> item
	seenKeys map[string]time.Time // idempotencyKey -> first-seen time
	signal  chan struct{}
	closed  bool
	nextSeq uint64
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inFlight: make(map[string]*heapItem),
		seenKeys: make(map[string]time.Time),
		signal:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue publishes payload, deduplicating on IdempotencyKey when set.
func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts PublishOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed{}
	}
	if opts.IdempotencyKey != "" {
		if _, seen := q.seenKeys[opts.IdempotencyKey]; seen {
			return nil
		}
		q.seenKeys[opts.IdempotencyKey] = time.Now()
	}

	now := time.Now()
	visibleAt := now
	if opts.DelaySeconds > 0 {
		visibleAt = now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	}
	q.nextSeq++
	msg := &Message{
		ID:             idFor(queueName, q.nextSeq),
		Queue:          queueName,
		Payload:        payload,
		Headers:        opts.Headers,
		IdempotencyKey: opts.IdempotencyKey,
		Priority:       opts.Priority,
		EnqueuedAt:     now,
		VisibleAt:      visibleAt,
	}
	heap.Push(&q.pending, &heapItem{msg: msg})
	q.wake()
	return nil
}

func idFor(queueName string, seq uint64) string {
	return queueName + "#" + itoa(seq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Receive blocks until a message matching one of prefixes is visible,
// moving it into the in-flight table under a fresh delivery token.
func (q *MemoryQueue) Receive(ctx context.Context, prefixes []string, visibilityTimeout time.Duration) (*Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed{}
		}

		now := time.Now()
		for token, item := range q.inFlight {
			if item.msg.VisibleAt.Compare(now) <= 0 {
				delete(q.inFlight, token)
				item.msg.DeliveryToken = ""
				heap.Push(&q.pending, item)
			}
		}
		var picked *heapItem
		var rest []*heapItem
		for q.pending.Len() > 0 {
			item := heap.Pop(&q.pending).(*heapItem)
			if picked == nil && item.msg.VisibleAt.Compare(now) <= 0 && matchesAny(item.msg.Queue, prefixes) {
				picked = item
				continue
			}
			rest = append(rest, item)
		}
		for _, item := range rest {
			heap.Push(&q.pending, item)
		}

		if picked != nil {
			picked.msg.Attempt++
			picked.msg.DeliveryToken = idFor(picked.msg.Queue, uint64(time.Now().UnixNano()))
			picked.msg.VisibleAt = now.Add(visibilityTimeout)
			q.inFlight[picked.msg.DeliveryToken] = picked
			q.mu.Unlock()
			return picked.msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(50 * time.Millisecond):
			// bounded poll: catches messages whose delay just elapsed
			// without a fresh Enqueue to wake us.
		}
	}
}

func matchesAny(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}

// Ack permanently removes a delivered message.
func (q *MemoryQueue) Ack(ctx context.Context, deliveryToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, deliveryToken)
	return nil
}

// Defer re-queues a delivered message to become visible again after
// timeout, clamped to MaxDefer.
func (q *MemoryQueue) Defer(ctx context.Context, deliveryToken string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inFlight[deliveryToken]
	if !ok {
		return nil
	}
	if timeout > MaxDefer {
		timeout = MaxDefer
	}
	delete(q.inFlight, deliveryToken)
	item.msg.VisibleAt = time.Now().Add(timeout)
	item.msg.DeliveryToken = ""
	heap.Push(&q.pending, item)
	q.wake()
	return nil
}

// Nack returns a delivered message to the queue immediately.
func (q *MemoryQueue) Nack(ctx context.Context, deliveryToken string) error {
	return q.Defer(ctx, deliveryToken, 0)
}

// Len reports pending plus in-flight message counts.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() + len(q.inFlight)
}

// Close marks the queue closed; blocked Receive calls return ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
