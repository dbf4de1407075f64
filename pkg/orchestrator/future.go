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

// Future is what Context.Step/Sleep/Hook return: a handle that is either
// already resolved from the replay log, or still pending. Creating a Future
// never suspends the workflow function; only Await (directly, or via
// All/Race/Any) does.
type Future struct {
	correlationID string
	label         string
	resolved      bool
	value         any
	err           error
}

// CorrelationID is the deterministic suspension-point id this future was
// allocated under.
func (f *Future) CorrelationID() string { return f.correlationID }

// Resolved reports whether this future's outcome is already known from the
// replay log, without suspending.
func (f *Future) Resolved() bool { return f.resolved }

// suspendSignal is panicked by Context.Await when it reaches an unresolved
// future, unwinding the workflow function's call stack back to Engine.Run
// without the workflow code ever observing it. The Go equivalent of
// draining microtasks until no further progress can be made.
type suspendSignal struct{}

// Await blocks logically on f: if f is already resolved (from replay),
// it returns immediately; otherwise it suspends the current workflow
// execution by unwinding to Engine.Run via panic/recover, having already
// registered f's invocation when the future was created.
func (ctx *Context) Await(f *Future) (any, error) {
	if f.resolved {
		return f.value, f.err
	}
	panic(suspendSignal{})
}

// All waits for every future to resolve, short-circuiting (via suspend) the
// moment any one of them is still pending — the Go analogue of
// Promise.all: if all are already resolved it returns every value,
// otherwise it suspends without distinguishing which ones are still
// outstanding (they all remain in the invocations queue from creation).
func (ctx *Context) All(futures ...*Future) ([]any, error) {
	values := make([]any, len(futures))
	for i, f := range futures {
		if !f.resolved {
			panic(suspendSignal{})
		}
		if f.err != nil {
			return nil, f.err
		}
		values[i] = f.value
	}
	return values, nil
}

// Race resolves as soon as any one future resolves, returning its value (or
// error) and index. If none are yet resolved, it suspends.
func (ctx *Context) Race(futures ...*Future) (any, error, int) {
	for i, f := range futures {
		if f.resolved {
			return f.value, f.err, i
		}
	}
	panic(suspendSignal{})
}

// Any resolves as soon as any one future resolves successfully, ignoring
// individual failures unless every future has failed. If no outcome can yet
// be determined, it suspends.
func (ctx *Context) Any(futures ...*Future) (any, error, int) {
	allFailed := true
	for i, f := range futures {
		if !f.resolved {
			allFailed = false
			continue
		}
		if f.err == nil {
			return f.value, nil, i
		}
	}
	if allFailed {
		return nil, errAllFailed, -1
	}
	panic(suspendSignal{})
}

var errAllFailed = &AggregateError{Message: "all futures rejected"}

// AggregateError is returned by Any when every future has failed.
type AggregateError struct {
	Message string
}

func (e *AggregateError) Error() string { return e.Message }
