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

func newWakeUpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wake-up <run-id> [correlation-id...]",
		Short: "Force pending waits on a run to complete immediately",
		Long: `Wake-up forces every wait a run is currently suspended on to complete
now, as if its timer had already elapsed or its signal had already
arrived. With no correlation ids it wakes every pending wait on the run;
given one or more, only waits registered under those correlation ids are
forced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			correlationIDs := args[1:]

			client, closeFn, err := buildClient()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := client.WakeUpRun(cmd.Context(), runID, correlationIDs...); err != nil {
				return fmt.Errorf("wake up run %s: %w", runID, err)
			}

			if clishared.GetJSON() {
				return output.EmitJSON(struct {
					output.JSONResponse
					RunID string `json:"run_id"`
				}{
					JSONResponse: output.JSONResponse{Version: "1.0", Command: "wake-up", Success: true},
					RunID:        runID,
				})
			}
			fmt.Printf("run %s woken up\n", runID)
			return nil
		},
	}
	return cmd
}
