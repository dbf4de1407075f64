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

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	internallog "github.com/northvane/durable/internal/log"
	"github.com/northvane/durable/pkg/durable"
	"github.com/northvane/durable/pkg/hooks"
	"github.com/northvane/durable/pkg/world"
)

const webhookPathPrefix = "/.well-known/workflow/v1/webhook/"

// mux assembles the daemon's HTTP surface. The workflow/step queue names
// are embedded directly in the path with no separating slash
// (__wkf_workflow_<name>), which stdlib ServeMux's segment-based
// wildcards can't express, so routing between the three surfaces is done
// by hand on the path prefix rather than via registered patterns.
func (d *Daemon) mux() http.Handler {
	mw := internallog.NewRPCMiddleware(d.logger)
	workflowHandler := d.queuePushHandler(mw, "workflow", d.engine.Handle)
	stepHandler := d.queuePushHandler(mw, "step", d.executor.Handle)
	webhookHandler := d.webhookHandler(mw)

	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/"+world.WorkflowQueuePrefix):
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			workflowHandler(w, r)
		case strings.HasPrefix(r.URL.Path, "/"+world.StepQueuePrefix):
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			stepHandler(w, r)
		case strings.HasPrefix(r.URL.Path, webhookPathPrefix):
			webhookHandler(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return m
}

// queuePushHandler adapts a world.Handler to the HTTP push-delivery
// contract: POST __wkf_workflow_<name> / POST __wkf_step_<name>, with an
// unauthenticated ?__health probe returning 200 text/plain.
func (d *Daemon) queuePushHandler(mw *internallog.RPCMiddleware, kind string, handle world.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["__health"]; ok {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		req := &internallog.RPCRequest{MessageType: kind + "_queue_push", RemoteAddr: r.RemoteAddr}
		var result world.HandlerResult
		herr := mw.Handler(req, func() error {
			var handleErr error
			result, handleErr = handle(r.Context(), &world.Message{Payload: body})
			return handleErr
		})
		if herr != nil {
			http.Error(w, herr.Error(), statusForQueueError(herr))
			return
		}

		if result.TimeoutSeconds > 0 {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int{"timeoutSeconds": result.TimeoutSeconds})
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// webhookHandler resolves the token in the request path against the
// daemon's WebhookRegistry and answers according to its configured
// response mode.
func (d *Daemon) webhookHandler(mw *internallog.RPCMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["__health"]; ok {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}

		token := strings.TrimPrefix(r.URL.Path, webhookPathPrefix)
		if token == "" {
			http.NotFound(w, r)
			return
		}
		spec, ok := d.webhooks.Lookup(token)
		if !ok {
			http.NotFound(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		var payload any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				http.Error(w, "malformed webhook body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		req := &internallog.RPCRequest{MessageType: "webhook_callback", RemoteAddr: r.RemoteAddr, Metadata: map[string]any{"token": token}}
		var reply []byte
		var status int
		herr := mw.Handler(req, func() error {
			if err := d.resolver.ResumeHook(r.Context(), token, payload); err != nil {
				return err
			}
			switch spec.Mode {
			case hooks.ResponseModeStatic:
				status, reply = spec.StaticStatus, spec.StaticBody
			case hooks.ResponseModeManual:
				ctx, cancel := context.WithTimeout(r.Context(), manualReplyTimeout)
				defer cancel()
				body, err := d.resolver.AwaitManualReply(ctx, token)
				if err != nil {
					return err
				}
				status, reply = http.StatusOK, body
			default:
				status = http.StatusAccepted
			}
			d.webhooks.Forget(token)
			return nil
		})
		if herr != nil {
			http.Error(w, herr.Error(), http.StatusInternalServerError)
			return
		}

		if status == 0 {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		if len(reply) > 0 {
			_, _ = w.Write(reply)
		}
	}
}

const manualReplyTimeout = 2 * time.Minute

// statusForQueueError maps a step/workflow queue handler's error to the
// spec's HTTP status for a step_started guard failure: 409 if the step is
// already terminal, 410 if the run is, 425 if retryAfter has not yet
// elapsed. Anything else is an unexpected failure.
func statusForQueueError(err error) int {
	switch {
	case errors.Is(err, durable.ErrStepTerminal):
		return http.StatusConflict
	case errors.Is(err, durable.ErrRunTerminal):
		return http.StatusGone
	case errors.Is(err, durable.ErrTooEarly):
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}
