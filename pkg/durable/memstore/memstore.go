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

// Package memstore is an in-memory durable.Storage implementation for unit
// tests and single-process demos. It folds events into entity maps under
// one mutex, matching the guarded-update semantics of the sqlite backend
// without a database. One difference: a repeated run_created or
// step_created for an existing id is a no-op here, where the sqlite
// backend fails on the duplicate key.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/northvane/durable/pkg/durable"
)

var _ durable.Storage = (*Backend)(nil)

// Backend is an in-memory storage backend.
type Backend struct {
	mu     sync.RWMutex
	runs   map[string]*durable.Run
	steps  map[string]map[string]*durable.Step // runID -> stepID -> step
	hooks  map[string]map[string]*durable.Hook // runID -> hookID -> hook
	tokens map[string]string                   // token -> runID
	waits  map[string]*durable.Wait
	events map[string][]*durable.Event // runID -> ordered events
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runs:   make(map[string]*durable.Run),
		steps:  make(map[string]map[string]*durable.Step),
		hooks:  make(map[string]map[string]*durable.Hook),
		tokens: make(map[string]string),
		waits:  make(map[string]*durable.Wait),
		events: make(map[string][]*durable.Event),
	}
}

// Close is a no-op; memstore owns no external resources.
func (b *Backend) Close() error { return nil }

type runCreatedEnvelope struct {
	WorkflowName string `json:"workflow_name"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Input        []byte `json:"input,omitempty"`
}

type stepCreatedEnvelope struct {
	StepName string `json:"step_name"`
	Input    []byte `json:"input,omitempty"`
}

type retryingEnvelope struct {
	RetryAfter time.Time `json:"retry_after"`
}

type hookCreatedEnvelope struct {
	Token    string `json:"token"`
	Metadata []byte `json:"metadata,omitempty"`
}

type waitCreatedEnvelope struct {
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

// AppendEvent folds ev into the in-memory entity maps and appends it to the
// run's event log, all under a single exclusive lock so the fold and the
// append are atomic with respect to every other reader and writer.
func (b *Backend) AppendEvent(ctx context.Context, ev *durable.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.EventID == "" {
		ev.EventID = durable.NewEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := b.apply(ev); err != nil {
		return err
	}

	cp := *ev
	b.events[ev.RunID] = append(b.events[ev.RunID], &cp)
	return nil
}

func (b *Backend) apply(ev *durable.Event) error {
	switch ev.EventType {
	case durable.EventRunCreated:
		var env runCreatedEnvelope
		_ = json.Unmarshal(ev.EventData, &env)
		if _, exists := b.runs[ev.RunID]; exists {
			return nil // idempotent redelivery
		}
		b.runs[ev.RunID] = &durable.Run{
			RunID:        ev.RunID,
			WorkflowName: env.WorkflowName,
			DeploymentID: env.DeploymentID,
			SpecVersion:  ev.SpecVersion,
			Status:       durable.RunPending,
			Input:        env.Input,
			CreatedAt:    ev.CreatedAt,
		}
		return nil

	case durable.EventRunStarted:
		r, err := b.mustRun(ev.RunID)
		if err != nil {
			return err
		}
		if r.Status != durable.RunPending {
			return durable.ErrRunTerminal
		}
		r.Status = durable.RunRunning
		t := ev.CreatedAt
		r.StartedAt = &t
		return nil

	case durable.EventRunCompleted:
		return b.finishRun(ev, durable.RunCompleted, ev.EventData, nil)

	case durable.EventRunFailed:
		return b.finishRun(ev, durable.RunFailed, nil, ev.EventData)

	case durable.EventRunCancelled:
		r, err := b.mustRun(ev.RunID)
		if err != nil {
			return err
		}
		if r.Status == durable.RunCancelled {
			return nil
		}
		if r.Status.Terminal() {
			return durable.ErrRunTerminal
		}
		r.Status = durable.RunCancelled
		t := ev.CreatedAt
		r.CompletedAt = &t
		return nil

	case durable.EventStepCreated:
		var env stepCreatedEnvelope
		_ = json.Unmarshal(ev.EventData, &env)
		stepID := ev.CorrelationID
		if b.steps[ev.RunID] == nil {
			b.steps[ev.RunID] = make(map[string]*durable.Step)
		}
		if _, exists := b.steps[ev.RunID][stepID]; exists {
			return nil
		}
		b.steps[ev.RunID][stepID] = &durable.Step{
			RunID:    ev.RunID,
			StepID:   stepID,
			StepName: env.StepName,
			Status:   durable.StepPending,
			Input:    env.Input,
		}
		return nil

	case durable.EventStepStarted:
		s, err := b.mustStep(ev.RunID, ev.CorrelationID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return durable.ErrStepTerminal
		}
		if s.RetryAfter != nil && s.RetryAfter.After(ev.CreatedAt) {
			return durable.ErrTooEarly
		}
		s.Status = durable.StepRunning
		s.Attempt++
		s.RetryAfter = nil
		if s.StartedAt == nil {
			t := ev.CreatedAt
			s.StartedAt = &t
		}
		return nil

	case durable.EventStepCompleted:
		return b.finishStep(ev, durable.StepCompleted, ev.EventData, nil)

	case durable.EventStepFailed:
		return b.finishStep(ev, durable.StepFailed, nil, ev.EventData)

	case durable.EventStepRetrying:
		s, err := b.mustStep(ev.RunID, ev.CorrelationID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return durable.ErrStepTerminal
		}
		var env retryingEnvelope
		_ = json.Unmarshal(ev.EventData, &env)
		s.Status = durable.StepPending
		t := env.RetryAfter
		s.RetryAfter = &t
		var serr durable.StepError
		_ = json.Unmarshal(ev.EventData, &serr)
		s.Error = &serr
		return nil

	case durable.EventHookCreated:
		var env hookCreatedEnvelope
		_ = json.Unmarshal(ev.EventData, &env)
		if owner, exists := b.tokens[env.Token]; exists {
			if owner == ev.RunID {
				return nil
			}
			return durable.ErrHookTokenConflict
		}
		if b.hooks[ev.RunID] == nil {
			b.hooks[ev.RunID] = make(map[string]*durable.Hook)
		}
		b.hooks[ev.RunID][ev.CorrelationID] = &durable.Hook{
			RunID:       ev.RunID,
			HookID:      ev.CorrelationID,
			Token:       env.Token,
			Metadata:    env.Metadata,
			SpecVersion: ev.SpecVersion,
			CreatedAt:   ev.CreatedAt,
		}
		b.tokens[env.Token] = ev.RunID
		return nil

	case durable.EventHookReceived, durable.EventHookConflict:
		return nil

	case durable.EventHookDisposed:
		if h, ok := b.hooks[ev.RunID][ev.CorrelationID]; ok {
			delete(b.tokens, h.Token)
			delete(b.hooks[ev.RunID], ev.CorrelationID)
		}
		return nil

	case durable.EventWaitCreated:
		var env waitCreatedEnvelope
		_ = json.Unmarshal(ev.EventData, &env)
		waitID := durable.WaitIDFor(ev.RunID, ev.CorrelationID)
		if _, exists := b.waits[waitID]; exists {
			return nil
		}
		b.waits[waitID] = &durable.Wait{
			WaitID:    waitID,
			RunID:     ev.RunID,
			Status:    durable.WaitWaiting,
			ResumeAt:  env.ResumeAt,
			CreatedAt: ev.CreatedAt,
		}
		return nil

	case durable.EventWaitCompleted:
		waitID := durable.WaitIDFor(ev.RunID, ev.CorrelationID)
		w, exists := b.waits[waitID]
		if !exists {
			return durable.ErrWaitNotFound
		}
		if w.Status == durable.WaitCompleted {
			return durable.ErrWaitAlreadyCompleted
		}
		w.Status = durable.WaitCompleted
		return nil

	default:
		return fmt.Errorf("memstore: unknown event type %q", ev.EventType)
	}
}

func (b *Backend) mustRun(runID string) (*durable.Run, error) {
	r, ok := b.runs[runID]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	return r, nil
}

func (b *Backend) mustStep(runID, stepID string) (*durable.Step, error) {
	m, ok := b.steps[runID]
	if !ok {
		return nil, durable.ErrStepNotFound
	}
	s, ok := m[stepID]
	if !ok {
		return nil, durable.ErrStepNotFound
	}
	return s, nil
}

func (b *Backend) finishRun(ev *durable.Event, status durable.RunStatus, output, errData []byte) error {
	r, err := b.mustRun(ev.RunID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return durable.ErrRunTerminal
	}
	r.Status = status
	r.Output = output
	if errData != nil {
		var rerr durable.RunError
		_ = json.Unmarshal(errData, &rerr)
		r.Error = &rerr
	}
	t := ev.CreatedAt
	r.CompletedAt = &t
	return nil
}

func (b *Backend) finishStep(ev *durable.Event, status durable.StepStatus, output, errData []byte) error {
	s, err := b.mustStep(ev.RunID, ev.CorrelationID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return durable.ErrStepTerminal
	}
	s.Status = status
	s.Output = output
	if errData != nil {
		var serr durable.StepError
		_ = json.Unmarshal(errData, &serr)
		s.Error = &serr
	}
	t := ev.CreatedAt
	s.CompletedAt = &t
	return nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, runID string) (*durable.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[runID]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// ListRuns returns runs matching filter, newest (by RunID, which is ULID
// time-ordered) first.
func (b *Backend) ListRuns(ctx context.Context, filter durable.RunFilter) ([]*durable.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*durable.Run
	for _, r := range b.runs {
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Cursor != "" && r.RunID >= filter.Cursor {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID > out[j].RunID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetStep retrieves a step by run id and step id.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*durable.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, err := b.mustStep(runID, stepID)
	if err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

// ListSteps returns every step belonging to a run, unordered beyond a
// stable sort on step id (memstore keeps no explicit creation sequence).
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*durable.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*durable.Step
	for _, s := range b.steps[runID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// GetHook retrieves a hook by run id and hook id.
func (b *Backend) GetHook(ctx context.Context, runID, hookID string) (*durable.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.hooks[runID]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	h, ok := m[hookID]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	cp := *h
	return &cp, nil
}

// GetHookByToken looks up a hook by its delivery token.
func (b *Backend) GetHookByToken(ctx context.Context, token string) (*durable.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	runID, ok := b.tokens[token]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	for _, h := range b.hooks[runID] {
		if h.Token == token {
			cp := *h
			return &cp, nil
		}
	}
	return nil, durable.ErrHookNotFound
}

// ListHooks returns every hook belonging to a run.
func (b *Backend) ListHooks(ctx context.Context, runID string) ([]*durable.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*durable.Hook
	for _, h := range b.hooks[runID] {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookID < out[j].HookID })
	return out, nil
}

// GetWait retrieves a wait by id.
func (b *Backend) GetWait(ctx context.Context, waitID string) (*durable.Wait, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.waits[waitID]
	if !ok {
		return nil, durable.ErrWaitNotFound
	}
	cp := *w
	return &cp, nil
}

// ListDueWaits returns waiting rows whose resume time has elapsed.
func (b *Backend) ListDueWaits(ctx context.Context, limit int) ([]*durable.Wait, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := time.Now().UTC()
	var out []*durable.Wait
	for _, w := range b.waits {
		if w.Status != durable.WaitWaiting || w.ResumeAt == nil || w.ResumeAt.After(now) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResumeAt.Before(*out[j].ResumeAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEvents returns events matching filter, oldest first.
func (b *Backend) ListEvents(ctx context.Context, filter durable.EventFilter) ([]*durable.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*durable.Event
	passedSince := filter.Since == ""
	for _, ev := range b.events[filter.RunID] {
		if !passedSince {
			if ev.EventID == filter.Since {
				passedSince = true
			}
			continue
		}
		if filter.CorrelationID != "" && ev.CorrelationID != filter.CorrelationID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
