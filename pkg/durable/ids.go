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

package durable

import (
	crand "crypto/rand"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used by the opaque, globally-unique entity identifiers.
const (
	RunIDPrefix   = "wrun_"
	EventIDPrefix = "wevt_"
	StepIDPrefix  = "step_"
	StreamIDPrefix = "strm_"
)

// idSource is process-wide and safe for concurrent use; ulid.New takes a
// io.Reader and ulid itself is not safe for concurrent monotonic reads from
// a shared source, so access is serialized.
var (
	idMu      sync.Mutex
	idSource  = ulid.Monotonic(crand.Reader, 0)
)

// NewEventID returns a new lexicographically-ordered event identifier.
// Event IDs are the pagination key for replay so they must be
// monotonic within the process even under concurrent append attempts.
func NewEventID() string {
	return EventIDPrefix + newULID()
}

// NewRunID returns a new opaque run identifier.
func NewRunID() string {
	return RunIDPrefix + newULID()
}

// NewStepID returns a new opaque step identifier.
func NewStepID() string {
	return StepIDPrefix + newULID()
}

// NewStreamID returns a new opaque stream identifier.
func NewStreamID() string {
	return StreamIDPrefix + newULID()
}

func newULID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idSource).String()
}

// SandboxULID is a deterministic correlation-id generator seeded from a
// run's startedAt timestamp, used by the orchestrator sandbox so
// that replay assigns the exact same correlation ids to the exact same
// sequence of suspension points. It must never be used outside replay.
type SandboxULID struct {
	mu  sync.Mutex
	src io.Reader
	t   uint64
}

// NewSandboxULID seeds a deterministic id stream from a run's start time
// and run id, so two independent processes replaying the same run produce
// identical correlation ids for identical call sequences.
func NewSandboxULID(runID string, startedAt time.Time) *SandboxULID {
	var seed uint64
	for _, b := range []byte(runID) {
		seed = seed*31 + uint64(b)
	}
	seed ^= uint64(startedAt.UnixNano())
	return &SandboxULID{
		src: rand.NewChaCha8(seedBytes(seed)),
		t:   uint64(startedAt.UnixMilli()),
	}
}

func seedBytes(seed uint64) [32]byte {
	var out [32]byte
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}

// Next returns the next deterministic correlation id in the sequence.
func (s *SandboxULID) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t++
	id := ulid.MustNew(s.t, s.src)
	return id.String()
}
