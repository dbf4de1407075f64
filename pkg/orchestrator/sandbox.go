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

// Package orchestrator replays a run's event log against its registered
// workflow function on every invocation, deriving the same sequence of
// suspension points every time by seeding the sandbox's clock, randomness,
// and correlation ids entirely from the run's identity. Workflow code never
// sees wall-clock time or entropy that isn't reproducible this way.
package orchestrator

import (
	"math/rand/v2"
	"time"

	"github.com/northvane/durable/pkg/durable"
)

// Sandbox is the deterministic environment a workflow function executes
// in: Now and Random always return the same sequence of values across every
// replay of the same run, and NextCorrelationID hands out the same sequence
// of suspension-point ids.
type Sandbox struct {
	startedAt time.Time
	ids       *durable.SandboxULID
	rng       *rand.Rand
	ticks     int
}

// NewSandbox seeds a sandbox from a run's identity and start time. Two
// sandboxes constructed from the same (runID, startedAt) produce identical
// Now/Random/NextCorrelationID sequences.
func NewSandbox(runID string, startedAt time.Time) *Sandbox {
	var seed uint64
	for _, b := range []byte(runID) {
		seed = seed*31 + uint64(b)
	}
	seed ^= uint64(startedAt.UnixNano())
	return &Sandbox{
		startedAt: startedAt,
		ids:       durable.NewSandboxULID(runID, startedAt),
		rng:       rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d)),
	}
}

// Now returns a monotonically increasing, replay-stable timestamp. Each
// call advances a tick counter seeded from the run's start time, so
// sequential Now() calls within one workflow execution never collide.
func (s *Sandbox) Now() time.Time {
	s.ticks++
	return s.startedAt.Add(time.Duration(s.ticks) * time.Millisecond)
}

// Random returns a replay-stable float64 in [0, 1), the sandbox equivalent
// of a seeded Math.random().
func (s *Sandbox) Random() float64 {
	return s.rng.Float64()
}

// NextCorrelationID returns the next deterministic suspension-point id.
func (s *Sandbox) NextCorrelationID() string {
	return s.ids.Next()
}
