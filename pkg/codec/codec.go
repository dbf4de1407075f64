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

// Package codec implements the versioned wire format used for every value
// that crosses a workflow/step boundary: workflow arguments, workflow
// return values, step arguments, and step return values. Every blob it
// produces begins with a 4-byte tag: "devl" for plain payloads, or "dvle"
// when Context.EncryptionKey was set at Dehydrate time, in which case the
// remainder is an AES-256-GCM-sealed blob (see encryption.go) rather than
// JSON directly; readers reject any other tag, except that an untagged
// payload starting with '[' or '{' is read as legacy JSON. Beyond the tag, the
// (decrypted, if applicable) payload is a JSON tree built by a reflective
// walk that recognizes a handful of special node types (streams, step
// references, registered classes) and otherwise falls through to each
// value's own JSON encoding.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	durerrors "github.com/northvane/durable/pkg/errors"
)

// FormatTag marks a plain JSON payload; EncryptedFormatTag marks a sealed one.
const FormatTag = "devl"

// Boundary identifies which of the four dehydrate/hydrate pairs a call
// belongs to; the reviver set differs only in how step and stream
// references resolve.
type Boundary int

const (
	// BoundaryWorkflowArgs hydrates workflow function arguments. Stream
	// placeholders in this boundary are opaque and must not be read by
	// deterministic workflow code.
	BoundaryWorkflowArgs Boundary = iota
	// BoundaryWorkflowReturn dehydrates a workflow function's return value.
	BoundaryWorkflowReturn
	// BoundaryStepArgs hydrates step function arguments. Streams are
	// materialized as live pipes from the stream store.
	BoundaryStepArgs
	// BoundaryStepReturn dehydrates a step function's return value.
	BoundaryStepReturn
)

func (b Boundary) String() string {
	switch b {
	case BoundaryWorkflowArgs:
		return "workflow-args"
	case BoundaryWorkflowReturn:
		return "workflow-return"
	case BoundaryStepArgs:
		return "step-args"
	case BoundaryStepReturn:
		return "step-return"
	default:
		return "unknown"
	}
}

// Op is a deferred async side effect produced while dehydrating a
// value (stream contents being copied into the stream store, payload
// encryption, etc). The caller awaits every queued Op before treating the
// dehydrated bytes as durable.
type Op func() error

// Context carries the boundary-specific collaborators a Dehydrate/Hydrate
// call needs: the class registry, the step registry (for step references),
// and the stream sink (for stream references). All fields are optional:
// with nil Streams, stream values still encode as named references but
// their contents are not pumped, and hydrate as opaque placeholders; with
// nil Steps, step references fail to hydrate.
type Context struct {
	Boundary Boundary

	// Classes resolves registered Encodable implementations by class id.
	Classes *ClassRegistry

	// Steps resolves step ids to callable proxies when hydrating workflow
	// arguments, and step ids to the process-local registry entry when
	// hydrating step arguments.
	Steps *StepRegistry

	// Streams pumps stream contents to and from the stream store. Nil in
	// contexts that never carry live streams (tests, pure-data payloads).
	Streams StreamSink

	// EncryptionKey, when set, causes Dehydrate to seal the encoded body
	// with AES-256-GCM under a key derived from it (see encryption.go) and
	// Hydrate to open it back up. Nil disables encryption entirely; the
	// two boundaries it applies to (run input/output) are the caller's
	// choice, not the codec's.
	EncryptionKey []byte

	// Ops accumulates side effects queued during dehydration. The zero
	// Context allocates one lazily; callers that need the list should read
	// it back via the return value of Dehydrate, not this field directly.
	ops []Op
}

func (c *Context) queue(op Op) {
	c.ops = append(c.ops, op)
}

// Dehydrate encodes v into the versioned wire format, returning the bytes
// and the list of async operations (stream pumps) the caller must run to
// completion before acknowledging the write as durable.
func Dehydrate(ctx *Context, v any) ([]byte, []Op, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	ctx.ops = nil

	node, err := dehydrateValue(ctx, reflect.ValueOf(v))
	if err != nil {
		return nil, nil, err
	}

	body, err := json.Marshal(node)
	if err != nil {
		return nil, nil, &durerrors.SerializationError{TypeName: fmt.Sprintf("%T", v), Supported: supportedTypeNames()}
	}

	tag := FormatTag
	if ctx.EncryptionKey != nil {
		body, err = encryptBody(ctx.EncryptionKey, body)
		if err != nil {
			return nil, nil, err
		}
		tag = EncryptedFormatTag
	}

	buf := make([]byte, 0, len(tag)+len(body))
	buf = append(buf, tag...)
	buf = append(buf, body...)
	return buf, ctx.ops, nil
}

// Hydrate decodes bytes produced by Dehydrate (or the legacy JSON array
// shape) into target, a pointer to the destination value.
func Hydrate(ctx *Context, data []byte, target any) error {
	if ctx == nil {
		ctx = &Context{}
	}

	body, encrypted, err := stripTag(data)
	if err != nil {
		return err
	}
	if encrypted {
		if ctx.EncryptionKey == nil {
			return &durerrors.DeserializationError{Reason: "payload is encrypted but no encryption key was supplied"}
		}
		body, err = decryptBody(ctx.EncryptionKey, body)
		if err != nil {
			return err
		}
	}

	var node any
	if err := json.Unmarshal(body, &node); err != nil {
		return &durerrors.DeserializationError{Reason: "malformed JSON payload", Cause: err}
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &durerrors.DeserializationError{Reason: "hydrate target must be a non-nil pointer"}
	}

	return hydrateValue(ctx, node, rv.Elem())
}

// stripTag validates the 4-byte format tag and returns the remaining
// payload and whether it is AES-GCM ciphertext (EncryptedFormatTag), or
// falls back to treating data as a legacy JSON array if it does not
// start with a known tag ("legacy fallback").
func stripTag(data []byte) ([]byte, bool, error) {
	if len(data) >= len(FormatTag) && bytes.Equal(data[:len(FormatTag)], []byte(FormatTag)) {
		return data[len(FormatTag):], false, nil
	}
	if len(data) >= len(EncryptedFormatTag) && bytes.Equal(data[:len(EncryptedFormatTag)], []byte(EncryptedFormatTag)) {
		return data[len(EncryptedFormatTag):], true, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return data, false, nil // legacy, untagged JSON payload
	}
	return nil, false, &durerrors.DeserializationError{Reason: "unknown or missing format tag"}
}

func supportedTypeNames() []string {
	return []string{
		"nil", "bool", "string", "numeric kinds", "[]byte",
		"time.Time", "*big.Int", "*regexp.Regexp", "url.URL", "url.Values", "http.Header",
		"error (via ErrorValue)", "struct", "slice", "map[string]X",
		"codec.Encodable (registered classes)", "*codec.Stream", "*codec.StepRef",
	}
}
