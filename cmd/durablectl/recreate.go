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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/northvane/durable/internal/clishared"
	"github.com/northvane/durable/internal/output"
	"github.com/northvane/durable/pkg/runtime"
)

func newRecreateCommand() *cobra.Command {
	var (
		deploymentID string
		specVersion  int
	)

	cmd := &cobra.Command{
		Use:   "recreate <run-id>",
		Short: "Start a fresh run with an existing run's input",
		Long: `Recreate reads <run-id>'s original input and starts a new run of the
same workflow with it — the operator's tool for replaying a failed or
cancelled run after a fix, without re-typing its arguments.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			client, closeFn, err := buildClient()
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := client.RecreateRunFromExisting(cmd.Context(), runID, runtime.StartOptions{
				DeploymentID: deploymentID,
				SpecVersion:  specVersion,
			})
			if err != nil {
				return fmt.Errorf("recreate run from %s: %w", runID, err)
			}

			if clishared.GetJSON() {
				return output.EmitJSON(struct {
					output.JSONResponse
					RunID    string `json:"run_id"`
					FromRunID string `json:"from_run_id"`
				}{
					JSONResponse: output.JSONResponse{Version: "1.0", Command: "recreate", Success: true},
					RunID:        run.RunID,
					FromRunID:    runID,
				})
			}
			fmt.Printf("%s\n", run.RunID)
			return nil
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "Deployment id override for the new run (defaults to the original's)")
	cmd.Flags().IntVar(&specVersion, "spec-version", 0, "Spec version override for the new run (defaults to the original's)")
	return cmd
}
