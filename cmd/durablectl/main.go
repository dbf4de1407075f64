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

// Command durablectl is the operator CLI for the durable workflow
// engine: starting runs, inspecting and cancelling them, waking up
// stalled waits, and reading the streams a run has written to.
package main

import (
	"github.com/northvane/durable/internal/clishared"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	clishared.SetVersion(version, commit)

	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		clishared.HandleExitError(err)
	}
}
