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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/northvane/durable/internal/clishared"
	"github.com/northvane/durable/internal/output"
	"github.com/northvane/durable/pkg/durable"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <run-id>",
		Short:   "Show a run's materialized status",
		Args:    cobra.ExactArgs(1),
		Aliases: []string{"get"},
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			client, closeFn, err := buildClient()
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := client.GetRun(runID).Status(cmd.Context())
			if err != nil {
				if errors.Is(err, durable.ErrRunNotFound) {
					return clishared.NewNotFoundError(fmt.Sprintf("run %s not found", runID), err)
				}
				return err
			}

			if clishared.GetJSON() {
				return output.EmitJSON(struct {
					output.JSONResponse
					Run *durable.Run `json:"run"`
				}{
					JSONResponse: output.JSONResponse{Version: "1.0", Command: "status", Success: true},
					Run:          run,
				})
			}

			fmt.Printf("run_id:        %s\n", run.RunID)
			fmt.Printf("workflow_name: %s\n", run.WorkflowName)
			fmt.Printf("status:        %s\n", run.Status)
			fmt.Printf("created_at:    %s\n", run.CreatedAt)
			if run.StartedAt != nil {
				fmt.Printf("started_at:    %s\n", *run.StartedAt)
			}
			if run.CompletedAt != nil {
				fmt.Printf("completed_at:  %s\n", *run.CompletedAt)
			}
			if run.Error != nil {
				fmt.Printf("error:         %s (%s)\n", run.Error.Message, run.Error.Code)
			}
			return nil
		},
	}
	return cmd
}
