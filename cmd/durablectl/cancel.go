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
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Cancel writes a run_cancelled event for <run-id>. It is idempotent:
cancelling an already-cancelled run succeeds without error. Cancelling a
run that has already completed or failed returns an error, since those
states are terminal and cancellation cannot retroactively apply.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			client, closeFn, err := buildClient()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := client.GetRun(runID).Cancel(cmd.Context()); err != nil {
				return fmt.Errorf("cancel run %s: %w", runID, err)
			}

			if clishared.GetJSON() {
				return output.EmitJSON(struct {
					output.JSONResponse
					RunID string `json:"run_id"`
				}{
					JSONResponse: output.JSONResponse{Version: "1.0", Command: "cancel", Success: true},
					RunID:        runID,
				})
			}
			fmt.Printf("run %s cancelled\n", runID)
			return nil
		},
	}
	return cmd
}
