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

// Package sqlite is the reference durable.Storage backend for single-node
// deployments: every AppendEvent call runs inside one transaction that
// inserts the event row and folds its effect into the materialized
// run/step/hook/wait row, using conditional UPDATE ... WHERE status = ...
// statements to enforce the terminal-state invariants without a separate
// locking layer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/northvane/durable/internal/metrics"
	"github.com/northvane/durable/pkg/durable"
	durErrors "github.com/northvane/durable/pkg/errors"
	_ "modernc.org/sqlite"
)

var _ durable.Storage = (*Backend)(nil)

// Backend is a SQLite-backed durable.Storage implementation.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral,
	// single-connection database (tests only; AppendEvent still serializes
	// through the single-writer pool).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent readers.
	WAL bool
}

// New opens (and migrates) a SQLite-backed backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// races between goroutines that the busy_timeout pragma alone won't
	// fully absorb under sustained concurrent AppendEvent calls.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			deployment_id TEXT,
			spec_version INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error_json TEXT,
			execution_context BLOB,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			input BLOB,
			output BLOB,
			error_json TEXT,
			started_at TEXT,
			retry_after TEXT,
			completed_at TEXT,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			run_id TEXT NOT NULL,
			hook_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			metadata BLOB,
			spec_version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, hook_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_run_id ON hooks(run_id)`,
		`CREATE TABLE IF NOT EXISTS waits (
			wait_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			resume_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waits_due ON waits(status, resume_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			correlation_id TEXT,
			event_type TEXT NOT NULL,
			event_data BLOB,
			spec_version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(run_id, correlation_id)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// AppendEvent inserts ev and folds its effect into the entity tables inside
// a single transaction.
func (b *Backend) AppendEvent(ctx context.Context, ev *durable.Event) error {
	if ev.EventID == "" {
		ev.EventID = durable.NewEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		recordPersistenceError("AppendEvent.BeginTx", err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := applyEvent(ctx, tx, ev); err != nil {
		if !isOrderingSignal(err) {
			recordPersistenceError("AppendEvent.applyEvent", err)
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, correlation_id, event_type, event_data, spec_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, nullString(ev.CorrelationID), string(ev.EventType),
		ev.EventData, ev.SpecVersion, ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		recordPersistenceError("AppendEvent.InsertEvent", err)
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		recordPersistenceError("AppendEvent.Commit", err)
		return err
	}
	return nil
}

// isOrderingSignal reports whether err is one of the sentinel values a
// conditional UPDATE returns to signal a replay/concurrency race rather
// than a genuine storage failure; these are expected outcomes, not
// persistence errors.
func isOrderingSignal(err error) bool {
	return errors.Is(err, durable.ErrStepTerminal) ||
		errors.Is(err, durable.ErrRunTerminal) ||
		errors.Is(err, durable.ErrTooEarly) ||
		errors.Is(err, durable.ErrHookTokenConflict) ||
		errors.Is(err, durable.ErrWaitAlreadyCompleted) ||
		errors.Is(err, durable.ErrRunNotFound) ||
		errors.Is(err, durable.ErrStepNotFound) ||
		errors.Is(err, durable.ErrHookNotFound) ||
		errors.Is(err, durable.ErrWaitNotFound)
}

// recordPersistenceError classifies err into the coarse error_type label
// internal/metrics' counter is keyed on.
func recordPersistenceError(operation string, err error) {
	errType := "unknown"
	switch {
	case errors.Is(err, context.Canceled):
		errType = "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		errType = "context_deadline_exceeded"
	case err != nil:
		errType = "io_error"
	}
	metrics.RecordPersistenceError(operation, errType)
}

func applyEvent(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	switch ev.EventType {
	case durable.EventRunCreated:
		return applyRunCreated(ctx, tx, ev)
	case durable.EventRunStarted:
		return guardedRunUpdate(ctx, tx, ev.RunID,
			`UPDATE runs SET status = 'running', started_at = ? WHERE run_id = ? AND status = 'pending'`,
			[]any{ev.CreatedAt.Format(time.RFC3339Nano), ev.RunID}, true)
	case durable.EventRunCompleted:
		return applyRunTerminal(ctx, tx, ev, "completed", ev.EventData, nil)
	case durable.EventRunFailed:
		return applyRunTerminal(ctx, tx, ev, "failed", nil, ev.EventData)
	case durable.EventRunCancelled:
		return applyRunCancelled(ctx, tx, ev)
	case durable.EventStepCreated:
		return applyStepCreated(ctx, tx, ev)
	case durable.EventStepStarted:
		return applyStepStarted(ctx, tx, ev)
	case durable.EventStepCompleted:
		return applyStepTerminal(ctx, tx, ev, "completed", ev.EventData, nil)
	case durable.EventStepFailed:
		return applyStepTerminal(ctx, tx, ev, "failed", nil, ev.EventData)
	case durable.EventStepRetrying:
		return applyStepRetrying(ctx, tx, ev)
	case durable.EventHookCreated:
		return applyHookCreated(ctx, tx, ev)
	case durable.EventHookReceived, durable.EventHookConflict:
		return nil // log-only, no entity mutation
	case durable.EventHookDisposed:
		_, err := tx.ExecContext(ctx, `DELETE FROM hooks WHERE run_id = ? AND hook_id = ?`, ev.RunID, hookIDFromEvent(ev))
		return err
	case durable.EventWaitCreated:
		return applyWaitCreated(ctx, tx, ev)
	case durable.EventWaitCompleted:
		return applyWaitCompleted(ctx, tx, ev)
	default:
		return &durErrors.WorkflowRuntimeError{RunID: ev.RunID, Reason: fmt.Sprintf("unknown event type %q", ev.EventType)}
	}
}

// hookIDFromEvent recovers the hook id carried by a hook_disposed event's
// correlation id field, the convention used for events that act on an
// entity without a dedicated payload struct.
func hookIDFromEvent(ev *durable.Event) string {
	return ev.CorrelationID
}

func applyRunCreated(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	var env runCreatedEnvelope
	_ = json.Unmarshal(ev.EventData, &env)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_name, deployment_id, spec_version, status, input, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		ev.RunID, env.WorkflowName, nullString(env.DeploymentID), ev.SpecVersion, env.Input,
		ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type runCreatedEnvelope struct {
	WorkflowName string `json:"workflow_name"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Input        []byte `json:"input,omitempty"`
}

func guardedRunUpdate(ctx context.Context, tx *sql.Tx, runID, query string, args []any, terminalOnMiss bool) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 && terminalOnMiss {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return durable.ErrRunNotFound
			}
			return err
		}
		return durable.ErrRunTerminal
	}
	return nil
}

func applyRunTerminal(ctx context.Context, tx *sql.Tx, ev *durable.Event, status string, output, errJSON []byte) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, error_json = ?, completed_at = ?
		WHERE run_id = ? AND status IN ('pending', 'running')`,
		status, output, nullBytesStr(errJSON), ev.CreatedAt.Format(time.RFC3339Nano), ev.RunID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return checkRunExistsAndTerminal(ctx, tx, ev.RunID)
	}
	return nil
}

func applyRunCancelled(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = 'cancelled', completed_at = ?
		WHERE run_id = ? AND status IN ('pending', 'running')`,
		ev.CreatedAt.Format(time.RFC3339Nano), ev.RunID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, ev.RunID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return durable.ErrRunNotFound
			}
			return err
		}
		if status == "cancelled" {
			return nil // idempotent: cancelling an already-cancelled run is a no-op
		}
		return durable.ErrRunTerminal
	}
	return nil
}

func checkRunExistsAndTerminal(ctx context.Context, tx *sql.Tx, runID string) error {
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return durable.ErrRunNotFound
		}
		return err
	}
	return durable.ErrRunTerminal
}

type stepCreatedEnvelope struct {
	StepName string `json:"step_name"`
	Input    []byte `json:"input,omitempty"`
}

func applyStepCreated(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	var env stepCreatedEnvelope
	_ = json.Unmarshal(ev.EventData, &env)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (run_id, step_id, step_name, status, attempt, input, started_at)
		VALUES (?, ?, ?, 'pending', 0, ?, NULL)`,
		ev.RunID, stepIDFromEvent(ev), env.StepName, env.Input,
	)
	return err
}

func stepIDFromEvent(ev *durable.Event) string {
	return ev.CorrelationID
}

func applyStepStarted(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	stepID := stepIDFromEvent(ev)
	now := ev.CreatedAt.Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE steps SET
			status = 'running',
			attempt = attempt + 1,
			started_at = COALESCE(started_at, ?),
			retry_after = NULL
		WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed', 'failed')
		  AND (retry_after IS NULL OR retry_after <= ?)`,
		now, ev.RunID, stepID, now,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return checkStepStartGuard(ctx, tx, ev.RunID, stepID, ev.CreatedAt)
	}
	return nil
}

// checkStepStartGuard distinguishes why a step_started guard failed to
// match any row: the step doesn't exist, it's already terminal, or its
// retry_after has not yet elapsed (I5: atomic 425 guard).
func checkStepStartGuard(ctx context.Context, tx *sql.Tx, runID, stepID string, now time.Time) error {
	var status string
	var retryAfter sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT status, retry_after FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID).Scan(&status, &retryAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.ErrStepNotFound
	}
	if err != nil {
		return err
	}
	if status == "completed" || status == "failed" {
		return durable.ErrStepTerminal
	}
	if retryAfter.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, retryAfter.String); perr == nil && now.Before(t) {
			return durable.ErrTooEarly
		}
	}
	return durable.ErrStepTerminal
}

func applyStepTerminal(ctx context.Context, tx *sql.Tx, ev *durable.Event, status string, output, errJSON []byte) error {
	stepID := stepIDFromEvent(ev)
	res, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, output = ?, error_json = ?, completed_at = ?
		WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed', 'failed')`,
		status, output, nullBytesStr(errJSON), ev.CreatedAt.Format(time.RFC3339Nano), ev.RunID, stepID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return checkStepExistsAndTerminal(ctx, tx, ev.RunID, stepID)
	}
	return nil
}

func applyStepRetrying(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	var env struct {
		RetryAfter time.Time `json:"retry_after"`
	}
	_ = json.Unmarshal(ev.EventData, &env)
	stepID := stepIDFromEvent(ev)
	res, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = 'pending', retry_after = ?, error_json = ?
		WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed', 'failed')`,
		env.RetryAfter.Format(time.RFC3339Nano), ev.EventData, ev.RunID, stepID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return checkStepExistsAndTerminal(ctx, tx, ev.RunID, stepID)
	}
	return nil
}

func checkStepExistsAndTerminal(ctx context.Context, tx *sql.Tx, runID, stepID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.ErrStepNotFound
	}
	if err != nil {
		return err
	}
	return durable.ErrStepTerminal
}

type hookCreatedEnvelope struct {
	Token    string `json:"token"`
	Metadata []byte `json:"metadata,omitempty"`
}

func applyHookCreated(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	var env hookCreatedEnvelope
	_ = json.Unmarshal(ev.EventData, &env)
	hookID := ev.CorrelationID

	var existingRun string
	err := tx.QueryRowContext(ctx, `SELECT run_id FROM hooks WHERE token = ?`, env.Token).Scan(&existingRun)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	case err != nil:
		return err
	case existingRun == ev.RunID:
		return nil // idempotent re-delivery of the same hook_created event
	default:
		return durable.ErrHookTokenConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hooks (run_id, hook_id, token, metadata, spec_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, hookID, env.Token, env.Metadata, ev.SpecVersion, ev.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

type waitCreatedEnvelope struct {
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

func applyWaitCreated(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	var env waitCreatedEnvelope
	_ = json.Unmarshal(ev.EventData, &env)
	waitID := durable.WaitIDFor(ev.RunID, ev.CorrelationID)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO waits (wait_id, run_id, status, resume_at, created_at)
		VALUES (?, ?, 'waiting', ?, ?)
		ON CONFLICT (wait_id) DO NOTHING`,
		waitID, ev.RunID, formatTimePtr(env.ResumeAt), ev.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func applyWaitCompleted(ctx context.Context, tx *sql.Tx, ev *durable.Event) error {
	waitID := durable.WaitIDFor(ev.RunID, ev.CorrelationID)
	res, err := tx.ExecContext(ctx, `
		UPDATE waits SET status = 'completed' WHERE wait_id = ? AND status = 'waiting'`,
		waitID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM waits WHERE wait_id = ?`, waitID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return durable.ErrWaitNotFound
			}
			return err
		}
		return durable.ErrWaitAlreadyCompleted
	}
	return nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, runID string) (*durable.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output, error_json,
			execution_context, created_at, started_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*durable.Run, error) {
	var r durable.Run
	var deploymentID, errJSON sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&r.RunID, &r.WorkflowName, &deploymentID, &r.SpecVersion, &r.Status,
		&r.Input, &r.Output, &errJSON, &r.ExecutionContext, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.DeploymentID = deploymentID.String
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		r.CompletedAt = &t
	}
	if errJSON.Valid && errJSON.String != "" {
		var rerr durable.RunError
		if err := json.Unmarshal([]byte(errJSON.String), &rerr); err == nil {
			r.Error = &rerr
		}
	}
	return &r, nil
}

// ListRuns returns runs matching filter, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter durable.RunFilter) ([]*durable.Run, error) {
	query := `
		SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output, error_json,
			execution_context, created_at, started_at, completed_at
		FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Cursor != "" {
		query += " AND run_id < ?"
		args = append(args, filter.Cursor)
	}
	query += " ORDER BY run_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*durable.Run
	for rows.Next() {
		var r durable.Run
		var deploymentID, errJSON sql.NullString
		var createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&r.RunID, &r.WorkflowName, &deploymentID, &r.SpecVersion, &r.Status,
			&r.Input, &r.Output, &errJSON, &r.ExecutionContext, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.DeploymentID = deploymentID.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
			r.StartedAt = &t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		if errJSON.Valid && errJSON.String != "" {
			var rerr durable.RunError
			if err := json.Unmarshal([]byte(errJSON.String), &rerr); err == nil {
				r.Error = &rerr
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetStep retrieves a step by run id and step id.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*durable.Step, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT run_id, step_id, step_name, status, attempt, input, output, error_json,
			started_at, retry_after, completed_at
		FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return scanStep(row)
}

func scanStep(row *sql.Row) (*durable.Step, error) {
	var s durable.Step
	var errJSON sql.NullString
	var startedAt, retryAfter, completedAt sql.NullString

	err := row.Scan(&s.RunID, &s.StepID, &s.StepName, &s.Status, &s.Attempt, &s.Input, &s.Output,
		&errJSON, &startedAt, &retryAfter, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		s.StartedAt = &t
	}
	if retryAfter.Valid {
		t, _ := time.Parse(time.RFC3339Nano, retryAfter.String)
		s.RetryAfter = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		s.CompletedAt = &t
	}
	if errJSON.Valid && errJSON.String != "" {
		var serr durable.StepError
		if err := json.Unmarshal([]byte(errJSON.String), &serr); err == nil {
			s.Error = &serr
		}
	}
	return &s, nil
}

// ListSteps returns every step belonging to a run, oldest first.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*durable.Step, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_id, step_id, step_name, status, attempt, input, output, error_json,
			started_at, retry_after, completed_at
		FROM steps WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*durable.Step
	for rows.Next() {
		var s durable.Step
		var errJSON sql.NullString
		var startedAt, retryAfter, completedAt sql.NullString
		if err := rows.Scan(&s.RunID, &s.StepID, &s.StepName, &s.Status, &s.Attempt, &s.Input, &s.Output,
			&errJSON, &startedAt, &retryAfter, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
			s.StartedAt = &t
		}
		if retryAfter.Valid {
			t, _ := time.Parse(time.RFC3339Nano, retryAfter.String)
			s.RetryAfter = &t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			s.CompletedAt = &t
		}
		if errJSON.Valid && errJSON.String != "" {
			var serr durable.StepError
			if err := json.Unmarshal([]byte(errJSON.String), &serr); err == nil {
				s.Error = &serr
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// GetHook retrieves a hook by run id and hook id.
func (b *Backend) GetHook(ctx context.Context, runID, hookID string) (*durable.Hook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT run_id, hook_id, token, metadata, spec_version, created_at
		FROM hooks WHERE run_id = ? AND hook_id = ?`, runID, hookID)
	return scanHook(row)
}

// GetHookByToken looks up a hook by its delivery token, independent of run.
func (b *Backend) GetHookByToken(ctx context.Context, token string) (*durable.Hook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT run_id, hook_id, token, metadata, spec_version, created_at
		FROM hooks WHERE token = ?`, token)
	return scanHook(row)
}

func scanHook(row *sql.Row) (*durable.Hook, error) {
	var h durable.Hook
	var createdAt string
	err := row.Scan(&h.RunID, &h.HookID, &h.Token, &h.Metadata, &h.SpecVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrHookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan hook: %w", err)
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &h, nil
}

// ListHooks returns every hook belonging to a run.
func (b *Backend) ListHooks(ctx context.Context, runID string) ([]*durable.Hook, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_id, hook_id, token, metadata, spec_version, created_at
		FROM hooks WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	defer rows.Close()

	var out []*durable.Hook
	for rows.Next() {
		var h durable.Hook
		var createdAt string
		if err := rows.Scan(&h.RunID, &h.HookID, &h.Token, &h.Metadata, &h.SpecVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// GetWait retrieves a wait by id.
func (b *Backend) GetWait(ctx context.Context, waitID string) (*durable.Wait, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT wait_id, run_id, status, resume_at, created_at FROM waits WHERE wait_id = ?`, waitID)
	return scanWait(row)
}

func scanWait(row *sql.Row) (*durable.Wait, error) {
	var w durable.Wait
	var resumeAt sql.NullString
	var createdAt string
	err := row.Scan(&w.WaitID, &w.RunID, &w.Status, &resumeAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrWaitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wait: %w", err)
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resumeAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resumeAt.String)
		w.ResumeAt = &t
	}
	return &w, nil
}

// ListDueWaits returns waiting rows whose resume time has elapsed.
func (b *Backend) ListDueWaits(ctx context.Context, limit int) ([]*durable.Wait, error) {
	query := `
		SELECT wait_id, run_id, status, resume_at, created_at
		FROM waits WHERE status = 'waiting' AND resume_at IS NOT NULL AND resume_at <= ?
		ORDER BY resume_at ASC`
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due waits: %w", err)
	}
	defer rows.Close()

	var out []*durable.Wait
	for rows.Next() {
		var w durable.Wait
		var resumeAt sql.NullString
		var createdAt string
		if err := rows.Scan(&w.WaitID, &w.RunID, &w.Status, &resumeAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan wait: %w", err)
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if resumeAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, resumeAt.String)
			w.ResumeAt = &t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ListEvents returns events matching filter, oldest first.
func (b *Backend) ListEvents(ctx context.Context, filter durable.EventFilter) ([]*durable.Event, error) {
	query := `SELECT event_id, run_id, correlation_id, event_type, event_data, spec_version, created_at FROM events WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if filter.Since != "" {
		query += " AND event_id > ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY event_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*durable.Event
	for rows.Next() {
		var ev durable.Event
		var correlationID sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.EventID, &ev.RunID, &correlationID, &ev.EventType, &ev.EventData, &ev.SpecVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CorrelationID = correlationID.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytesStr(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
