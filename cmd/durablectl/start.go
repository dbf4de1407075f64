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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/northvane/durable/internal/clishared"
	"github.com/northvane/durable/internal/output"
	"github.com/northvane/durable/pkg/runtime"
)

func newStartCommand() *cobra.Command {
	var (
		inputJSON    string
		deploymentID string
		specVersion  int
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a new workflow run",
		Annotations: map[string]string{"group": "execution"},
		Long: `Start writes a run_created event for a new run of <workflow> and
enqueues its first continuation, then prints the new run id.

--input-json supplies the workflow's args as a JSON value; omit it to
start the run with no arguments. With --wait, start polls the run to
completion and prints its return value instead of returning immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowName := args[0]

			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return clishared.NewInvalidInputError("--input-json is not valid JSON", err)
				}
			}

			client, closeFn, err := buildClient()
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := client.Start(cmd.Context(), workflowName, input, runtime.StartOptions{
				DeploymentID: deploymentID,
				SpecVersion:  specVersion,
			})
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}

			if !wait {
				return printRunStarted(run.RunID)
			}

			value, err := run.ReturnValue(cmd.Context())
			if err != nil {
				return err
			}
			return printRunResult(run.RunID, value)
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input-json", "", "Workflow args as a JSON value")
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "Deployment id to record on the run")
	cmd.Flags().IntVar(&specVersion, "spec-version", 0, "Spec version to record on the run")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the run completes and print its return value")
	return cmd
}

func printRunStarted(runID string) error {
	if clishared.GetJSON() {
		return output.EmitJSON(struct {
			output.JSONResponse
			RunID string `json:"run_id"`
		}{
			JSONResponse: output.JSONResponse{Version: "1.0", Command: "start", Success: true},
			RunID:        runID,
		})
	}
	fmt.Println(runID)
	return nil
}

func printRunResult(runID string, value any) error {
	if clishared.GetJSON() {
		return output.EmitJSON(struct {
			output.JSONResponse
			RunID  string `json:"run_id"`
			Output any    `json:"output,omitempty"`
		}{
			JSONResponse: output.JSONResponse{Version: "1.0", Command: "start", Success: true},
			RunID:        runID,
			Output:       value,
		})
	}
	fmt.Printf("run %s completed\n", runID)
	if value != nil {
		out, err := json.MarshalIndent(value, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
	}
	return nil
}
