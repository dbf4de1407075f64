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

package codec

import (
	"fmt"
	"reflect"
	"sync"

	durerrors "github.com/northvane/durable/pkg/errors"
)

// StepRef is what a step function reference dehydrates to: the step's
// registered id plus whatever closure variables its call site captured.
type StepRef struct {
	StepID      string
	ClosureVars any
}

// UseStepFunc is the workflow-context reviver hook (the Go analogue of the
// reference codec's global WORKFLOW_USE_STEP): given a step id and its
// closure variables, it returns a callable proxy that, when invoked,
// registers an invocation with the orchestrator's queue. The concrete
// proxy type is owned by package orchestrator; codec only moves it
// through as `any` to avoid an import cycle.
type UseStepFunc func(stepID string, closureVars any) (any, error)

// StepRegistry is the process-local table used by both boundary sides:
// workflow-context hydration calls the registered UseStepFunc, step-context
// hydration looks the step id up directly to obtain the real function
// value to invoke.
type StepRegistry struct {
	mu      sync.RWMutex
	steps   map[string]any
	useStep UseStepFunc
}

// NewStepRegistry returns an empty registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make(map[string]any)}
}

// RegisterStep associates a step id with the concrete step function value
// the step executor invokes once hydration resolves the reference.
func (r *StepRegistry) RegisterStep(stepID string, fn any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[stepID] = fn
}

// SetUseStepHook installs the workflow-context reviver hook.
func (r *StepRegistry) SetUseStepHook(fn UseStepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useStep = fn
}

func (r *StepRegistry) lookupStep(stepID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[stepID]
	return fn, ok
}

// ResolveStep is the exported form of lookupStep, used by the step
// executor to retrieve the concrete function value to invoke once a step
// queue message names it by id.
func (r *StepRegistry) ResolveStep(stepID string) (any, bool) {
	return r.lookupStep(stepID)
}

func (r *StepRegistry) useStepProxy(stepID string, closureVars any) (any, error) {
	r.mu.RLock()
	hook := r.useStep
	r.mu.RUnlock()
	if hook == nil {
		return nil, fmt.Errorf("codec: no WORKFLOW_USE_STEP hook installed for step %q", stepID)
	}
	return hook(stepID, closureVars)
}

func dehydrateStep(v *StepRef) node {
	return map[string]any{tagKey: stepTag, "stepId": v.StepID, "closureVars": v.ClosureVars}
}

func hydrateStep(ctx *Context, obj map[string]any, dst reflect.Value) error {
	stepID, _ := obj["stepId"].(string)
	closureVars := obj["closureVars"]

	if ctx.Steps == nil {
		return &durerrors.DeserializationError{Reason: fmt.Sprintf("step reference %q cannot resolve: no step registry in context", stepID)}
	}

	switch ctx.Boundary {
	case BoundaryWorkflowArgs:
		proxy, err := ctx.Steps.useStepProxy(stepID, closureVars)
		if err != nil {
			return &durerrors.DeserializationError{Reason: "resolve step proxy", Cause: err}
		}
		return setAnyValue(dst, proxy)

	default:
		fn, ok := ctx.Steps.lookupStep(stepID)
		if !ok {
			return &durerrors.DeserializationError{Reason: fmt.Sprintf("unregistered step id %q", stepID)}
		}
		return setAnyValue(dst, fn)
	}
}

func setAnyValue(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	if dst.Kind() == reflect.Interface || rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	return &durerrors.DeserializationError{Reason: fmt.Sprintf("cannot assign %T into %s", v, dst.Type())}
}
