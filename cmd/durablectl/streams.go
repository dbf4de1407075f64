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
	"os"

	"github.com/spf13/cobra"

	"github.com/northvane/durable/internal/clishared"
	"github.com/northvane/durable/internal/output"
)

func newStreamsCommand() *cobra.Command {
	var (
		name       string
		startIndex int
	)

	cmd := &cobra.Command{
		Use:   "streams <run-id>",
		Short: "List or read a run's streams",
		Long: `With no --name, streams lists every stream name the run has written
chunks to. With --name, it reads and prints every chunk available on
that stream starting at --start-index, blocking until at least one
chunk is ready or the stream closes — the same contract
Context.ReadStream gives a workflow author, exposed here for tailing a
running step's output from the command line.

Streams live in the daemon's in-process stream store, so this only sees
data written by a durablectl invocation's own process; reading a stream
a separate durabled process is writing to is not currently supported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			client, closeFn, err := buildClient()
			if err != nil {
				return err
			}
			defer closeFn()

			run := client.GetRun(runID)

			if name == "" {
				names, err := run.ListStreams(cmd.Context())
				if err != nil {
					return fmt.Errorf("list streams for run %s: %w", runID, err)
				}
				if clishared.GetJSON() {
					return output.EmitJSON(struct {
						output.JSONResponse
						Streams []string `json:"streams"`
					}{
						JSONResponse: output.JSONResponse{Version: "1.0", Command: "streams", Success: true},
						Streams:      names,
					})
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			}

			chunks, err := run.ReadStream(cmd.Context(), name, startIndex)
			if err != nil {
				return fmt.Errorf("read stream %s for run %s: %w", name, runID, err)
			}
			for _, chunk := range chunks {
				os.Stdout.Write(chunk)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Stream name to read; omit to list stream names")
	cmd.Flags().IntVar(&startIndex, "start-index", 0, "Chunk index to start reading from")
	return cmd
}
