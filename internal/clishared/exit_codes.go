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

package clishared

import (
	"errors"
	"fmt"
	"os"

	durerrors "github.com/northvane/durable/pkg/errors"
)

// Exit codes for durablectl.
const (
	ExitSuccess        = 0
	ExitRunFailed      = 1
	ExitInvalidInput   = 2
	ExitNotFound       = 3
	ExitRunCancelled   = 4
	ExitConfigInvalid  = 5
)

// ExitError is an error that carries the process exit code it should
// produce.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewNotFoundError wraps a run/workflow lookup miss.
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// NewInvalidInputError wraps a malformed CLI argument.
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its carried code, or
// ExitRunFailed/ExitRunCancelled for the run-terminal errors
// pkg/runtime.Run.ReturnValue returns, or ExitRunFailed otherwise.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}

	var cancelled *durerrors.WorkflowRunCancelledError
	if errors.As(err, &cancelled) {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(ExitRunCancelled)
	}

	var failed *durerrors.WorkflowRunFailedError
	if errors.As(err, &failed) {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(ExitRunFailed)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(ExitRunFailed)
}
