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

// Package durable defines the event-sourced data model shared by the
// orchestrator, the step executor, and every Storage backend: runs,
// steps, hooks, waits, and the append-only event log that is their single
// source of truth.
package durable

import "time"

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further event appends,
// other than the I4 exceptions (idempotent cancellation, in-flight step
// completions).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// RunError is the structured error recorded on run_failed.
type RunError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Run is the materialized WorkflowRun entity. It is a cache derived
// from the event log (I2); storage backends update it synchronously with
// every AppendEvent call.
type Run struct {
	RunID             string     `json:"run_id"`
	WorkflowName      string     `json:"workflow_name"`
	DeploymentID      string     `json:"deployment_id,omitempty"`
	SpecVersion       int        `json:"spec_version"`
	Status            RunStatus  `json:"status"`
	Input             []byte     `json:"input,omitempty"`
	Output            []byte     `json:"output,omitempty"`
	Error             *RunError  `json:"error,omitempty"`
	ExecutionContext  []byte     `json:"execution_context,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step has reached completed or failed (I5).
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// StepError is the structured error recorded on step_failed / step_retrying.
type StepError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Step is the materialized Step entity, the fold of every event
// sharing its StepID (I2).
type Step struct {
	RunID       string     `json:"run_id"`
	StepID      string     `json:"step_id"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	Input       []byte     `json:"input,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Error       *StepError `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Hook is the materialized Hook entity: an external-signal correlation
// token that may be delivered to repeatedly (hook_received is
// non-destructive) until the owning run terminates.
type Hook struct {
	RunID       string    `json:"run_id"`
	HookID      string    `json:"hook_id"`
	Token       string    `json:"token"`
	Metadata    []byte    `json:"metadata,omitempty"`
	SpecVersion int       `json:"spec_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// WaitStatus is the lifecycle state of a Wait.
type WaitStatus string

const (
	WaitWaiting   WaitStatus = "waiting"
	WaitCompleted WaitStatus = "completed"
)

// Wait is the materialized Wait entity: a timed or externally
// completable pause, the realization of the sleep primitive.
type Wait struct {
	WaitID    string     `json:"wait_id"` // runID||correlationID
	RunID     string     `json:"run_id"`
	Status    WaitStatus `json:"status"`
	ResumeAt  *time.Time `json:"resume_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// WaitID derives the composite identifier for a wait from its owning run
// and correlation id.
func WaitIDFor(runID, correlationID string) string {
	return runID + "||" + correlationID
}

// EventType enumerates the event type -> entity effect table.
type EventType string

const (
	EventRunCreated     EventType = "run_created"
	EventRunStarted     EventType = "run_started"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunCancelled   EventType = "run_cancelled"
	EventStepCreated    EventType = "step_created"
	EventStepStarted    EventType = "step_started"
	EventStepCompleted  EventType = "step_completed"
	EventStepFailed     EventType = "step_failed"
	EventStepRetrying   EventType = "step_retrying"
	EventHookCreated    EventType = "hook_created"
	EventHookReceived   EventType = "hook_received"
	EventHookDisposed   EventType = "hook_disposed"
	EventHookConflict   EventType = "hook_conflict"
	EventWaitCreated    EventType = "wait_created"
	EventWaitCompleted  EventType = "wait_completed"
)

// Event is one append-only entry in a run's totally ordered log (I1).
// EventData is the type-specific payload, already dehydrated by the codec
// where it carries user values (step/hook/run input-output); the fields
// below are the envelope every event type shares.
type Event struct {
	EventID       string    `json:"event_id"`
	RunID         string    `json:"run_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EventType     EventType `json:"event_type"`
	EventData     []byte    `json:"event_data,omitempty"`
	SpecVersion   int       `json:"spec_version"`
	CreatedAt     time.Time `json:"created_at"`
}
