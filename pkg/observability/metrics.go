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

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_runs_total",
			Help: "Total workflow runs by workflow name and terminal status",
		},
		[]string{"workflow", "status"},
	)

	stepAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_step_attempts_total",
			Help: "Total step attempts by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	hookConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_hook_conflicts_total",
			Help: "Total hook_created events rejected because the token was already in use",
		},
		[]string{"workflow"},
	)
)

// RecordRunTerminal increments the run counter for workflowName reaching
// status ("completed", "failed", or "cancelled").
func RecordRunTerminal(workflowName, status string) {
	runsTotal.WithLabelValues(workflowName, status).Inc()
}

// RecordStepAttempt increments the step attempt counter for stepName with
// outcome ("completed", "retrying", or "failed").
func RecordStepAttempt(stepName, outcome string) {
	stepAttemptsTotal.WithLabelValues(stepName, outcome).Inc()
}

// RecordHookConflict increments the hook token conflict counter for a
// workflow whose CreateHook call lost a token race.
func RecordHookConflict(workflowName string) {
	hookConflictsTotal.WithLabelValues(workflowName).Inc()
}
