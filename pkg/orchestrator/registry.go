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

import "sync"

// WorkflowFunc is a registered workflow entry point. ctx is the only
// channel to durable side effects; input has already been hydrated from
// the run's dehydrated argument bytes.
type WorkflowFunc func(ctx *Context, input any) (any, error)

// WorkflowRegistry is the process-local, boot-time-populated table the
// orchestrator resolves workflowName against. Read-only once
// the process has finished registering its workflows.
type WorkflowRegistry struct {
	mu    sync.RWMutex
	funcs map[string]WorkflowFunc
}

// NewWorkflowRegistry returns an empty registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{funcs: make(map[string]WorkflowFunc)}
}

// Register associates workflowName with fn.
func (r *WorkflowRegistry) Register(workflowName string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[workflowName] = fn
}

// Lookup resolves workflowName, reporting whether it was found.
func (r *WorkflowRegistry) Lookup(workflowName string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[workflowName]
	return fn, ok
}
