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

import (
	"fmt"

	"github.com/northvane/durable/pkg/durable"
	durerrors "github.com/northvane/durable/pkg/errors"
)

// replayIndex groups a run's event log by correlation id so Context can
// answer, for each deterministic suspension point reached during this
// execution, whether it has already produced an event and, if so, whether
// that event was terminal.
type replayIndex struct {
	byCorrelation map[string][]*durable.Event
}

func buildReplayIndex(events []*durable.Event) *replayIndex {
	idx := &replayIndex{byCorrelation: make(map[string][]*durable.Event)}
	for _, ev := range events {
		if ev.CorrelationID == "" {
			continue
		}
		idx.byCorrelation[ev.CorrelationID] = append(idx.byCorrelation[ev.CorrelationID], ev)
	}
	return idx
}

func (r *replayIndex) hasAny(correlationID string) bool {
	return len(r.byCorrelation[correlationID]) > 0
}

// terminal returns the terminal event for correlationID appropriate to kind
// ("step" or "wait"), or nil if none has been recorded yet.
func (r *replayIndex) terminal(correlationID string) *durable.Event {
	for _, ev := range r.byCorrelation[correlationID] {
		switch ev.EventType {
		case durable.EventStepCompleted, durable.EventStepFailed, durable.EventWaitCompleted:
			return ev
		}
	}
	return nil
}

// hookEvents returns every hook_received event recorded for correlationID,
// in log order, supporting the hook's iterable-delivery semantics.
func (r *replayIndex) hookEvents(correlationID string) []*durable.Event {
	var out []*durable.Event
	for _, ev := range r.byCorrelation[correlationID] {
		if ev.EventType == durable.EventHookReceived {
			out = append(out, ev)
		}
	}
	return out
}

// unexpectedEventError reports log corruption: an event type recorded
// against a correlation id that the current replay reached via a
// differently-typed suspension call ("unexpected event types").
func unexpectedEventError(runID, correlationID string, got durable.EventType) error {
	return &durerrors.WorkflowRuntimeError{
		RunID:  runID,
		Reason: fmt.Sprintf("unexpected event type %s recorded for correlation id %s", got, correlationID),
	}
}
