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

package runtime

import "encoding/json"

// runCreatedEnvelope mirrors the shape every storage backend's
// applyRunCreated expects: workflow_name/deployment_id identify the run,
// input carries the already-dehydrated argument bytes.
type runCreatedEnvelope struct {
	WorkflowName string `json:"workflow_name"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Input        []byte `json:"input,omitempty"`
}

func runCreatedPayload(workflowName, deploymentID string, input []byte) ([]byte, error) {
	return json.Marshal(runCreatedEnvelope{
		WorkflowName: workflowName,
		DeploymentID: deploymentID,
		Input:        input,
	})
}

func runMessagePayload(runID string) ([]byte, error) {
	return json.Marshal(map[string]any{"runId": runID})
}
