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

import "time"

// InvocationKind distinguishes the three suspension-point shapes a workflow
// function can create.
type InvocationKind string

const (
	InvocationStep InvocationKind = "step"
	InvocationWait InvocationKind = "wait"
	InvocationHook InvocationKind = "hook"
)

// Invocation is a suspension point reached during this execution that has
// not yet produced a creation event in the log. Engine.Run collects these
// into the pending invocations queue an engine turn persists, and is
// responsible for writing the matching *_created event and enqueuing the
// corresponding work for every one still present once the workflow
// function suspends or returns.
type Invocation struct {
	Kind          InvocationKind
	CorrelationID string

	// Step fields.
	StepName      string
	StepInput     any
	ClosureVars   any

	// Wait fields.
	Duration time.Duration

	// Hook fields.
	Token    string
	Metadata any
}
