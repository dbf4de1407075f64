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

package codec

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/northvane/durable/pkg/durable"
	durerrors "github.com/northvane/durable/pkg/errors"
)

// StreamKind mirrors the reference codec's readable/writable/transform
// stream distinction; Go only materializes readers on the receiving side,
// so Kind is carried for fidelity but ReaderStream always exposes an
// io.Reader.
type StreamKind string

const (
	StreamKindReadable   StreamKind = "readable"
	StreamKindWritable   StreamKind = "writable"
	StreamKindTransform  StreamKind = "transform"
)

// Stream is implemented by any value that should cross a boundary as a
// named pointer into the stream store (C4) rather than being inlined into
// the JSON tree.
type Stream interface {
	StreamName() string
	SetStreamName(name string)
	Kind() StreamKind
	Reader() io.Reader
}

// ReaderStream is the concrete Stream a workflow or step constructs to
// pass stream contents across a boundary.
type ReaderStream struct {
	Name string
	K    StreamKind
	R    io.Reader
}

func (s *ReaderStream) StreamName() string        { return s.Name }
func (s *ReaderStream) SetStreamName(name string) { s.Name = name }
func (s *ReaderStream) Kind() StreamKind {
	if s.K == "" {
		return StreamKindReadable
	}
	return s.K
}
func (s *ReaderStream) Reader() io.Reader { return s.R }

// StreamPlaceholder is what a stream node hydrates into inside the
// workflow-args boundary: an opaque marker that must never be read inside
// the deterministic sandbox. Calling Reader reflects that directly.
type StreamPlaceholder struct {
	Name string
	K    StreamKind
}

func (p *StreamPlaceholder) StreamName() string        { return p.Name }
func (p *StreamPlaceholder) SetStreamName(name string) { p.Name = name }
func (p *StreamPlaceholder) Kind() StreamKind           { return p.K }
func (p *StreamPlaceholder) Reader() io.Reader {
	panic("codec: stream placeholders are opaque inside the deterministic workflow sandbox")
}

// StreamSink is the stream store's dehydrate/hydrate-side collaborator:
// Pump copies a stream's contents into the store under name, and Open
// returns a reader that pipes from the store, used when a step context
// hydrates a stream argument.
type StreamSink interface {
	Pump(ctx context.Context, name string, r io.Reader) error
	Open(ctx context.Context, name string) (io.Reader, error)
}

func dehydrateStream(ctx *Context, s Stream) (node, error) {
	name := s.StreamName()
	if name == "" {
		name = durable.NewStreamID()
		s.SetStreamName(name)
	}
	if ctx.Streams != nil {
		if r := s.Reader(); r != nil {
			sink := ctx.Streams
			ctx.queue(func() error {
				return sink.Pump(context.Background(), name, r)
			})
		}
	}
	return map[string]any{tagKey: streamTag, "name": name, "type": string(s.Kind())}, nil
}

func hydrateStream(ctx *Context, obj map[string]any, dst reflect.Value) error {
	name, _ := obj["name"].(string)
	kindStr, _ := obj["type"].(string)
	kind := StreamKind(kindStr)

	var stream Stream
	if ctx.Boundary == BoundaryStepArgs && ctx.Streams != nil {
		r, err := ctx.Streams.Open(context.Background(), name)
		if err != nil {
			return &durerrors.DeserializationError{Reason: fmt.Sprintf("open stream %s", name), Cause: err}
		}
		stream = &ReaderStream{Name: name, K: kind, R: r}
	} else {
		stream = &StreamPlaceholder{Name: name, K: kind}
	}

	rv := reflect.ValueOf(stream)
	if dst.Kind() == reflect.Interface || rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	if rv.Elem().Type().AssignableTo(dst.Type()) {
		dst.Set(rv.Elem())
		return nil
	}
	return &durerrors.DeserializationError{Reason: fmt.Sprintf("stream node cannot hydrate into %s", dst.Type())}
}
