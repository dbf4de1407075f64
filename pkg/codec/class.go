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
	"fmt"
	"reflect"
	"sync"

	durerrors "github.com/northvane/durable/pkg/errors"
)

// Encodable is implemented by user types that want full control over their
// own wire representation, the Go analogue of the reference codec's
// well-known-symbol class serializer/deserializer pair. ClassID must be
// stable across process restarts and deployments; changing it orphans any
// already-persisted instance.
type Encodable interface {
	ClassID() string
	EncodeClass() (any, error)
}

// Decodable is implemented by the pointer receiver of an Encodable type to
// reverse EncodeClass. It is registered alongside the class id rather than
// discovered via a type switch, since the decode side doesn't yet have a
// concrete value to assert against.
type Decodable interface {
	DecodeClass(data any) error
}

// ClassRegistry maps class ids to zero-value factories for registered
// types, used to allocate the concrete instance a hydrated class node gets
// decoded into.
type ClassRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() Decodable
}

// NewClassRegistry returns an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{ctors: make(map[string]func() Decodable)}
}

// Register associates classID with a zero-value factory. Re-registering
// the same id overwrites the previous factory, matching the reference
// codec's "last definition wins" behavior under hot reload.
func (r *ClassRegistry) Register(classID string, zero func() Decodable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[classID] = zero
}

func (r *ClassRegistry) lookup(classID string) (func() Decodable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[classID]
	return ctor, ok
}

// ClassInstanceRef is what an unregistered class id decodes into: an
// opaque placeholder carrying the raw class id and data, so observability
// tooling can display it without losing information.
type ClassInstanceRef struct {
	ClassID string `codec:"classId"`
	Data    any    `codec:"data"`
}

func (c *ClassInstanceRef) ClassID_() string { return c.ClassID }

func dehydrateClass(ctx *Context, v Encodable) (node, error) {
	data, err := v.EncodeClass()
	if err != nil {
		return nil, &durerrors.SerializationError{TypeName: fmt.Sprintf("%T", v), Supported: supportedTypeNames()}
	}
	encoded, err := dehydrateValue(ctx, reflect.ValueOf(data))
	if err != nil {
		return nil, err
	}
	return map[string]any{tagKey: classTag, "classId": v.ClassID(), "data": encoded}, nil
}

func hydrateClass(ctx *Context, obj map[string]any, dst reflect.Value) error {
	classID, _ := obj["classId"].(string)
	data := obj["data"]

	if ctx.Classes != nil {
		if ctor, ok := ctx.Classes.lookup(classID); ok {
			inst := ctor()
			if err := inst.DecodeClass(data); err != nil {
				return &durerrors.DeserializationError{Reason: fmt.Sprintf("class %s decode failed", classID), Cause: err}
			}
			iv := reflect.ValueOf(inst)
			switch {
			case dst.Type() == iv.Type():
				dst.Set(iv)
			case iv.Type().AssignableTo(dst.Type()):
				dst.Set(iv)
			case iv.Kind() == reflect.Ptr && iv.Elem().Type().AssignableTo(dst.Type()):
				dst.Set(iv.Elem())
			default:
				return &durerrors.DeserializationError{Reason: fmt.Sprintf("class %s does not fit target %s", classID, dst.Type())}
			}
			return nil
		}
	}

	// Unregistered class: surface an opaque ClassInstanceRef rather than
	// losing data.
	ref := &ClassInstanceRef{ClassID: classID, Data: data}
	rv := reflect.ValueOf(ref)
	if dst.Kind() == reflect.Interface || dst.Type() == rv.Type() {
		dst.Set(rv)
		return nil
	}
	if dst.Type() == rv.Elem().Type() {
		dst.Set(rv.Elem())
		return nil
	}
	return &durerrors.DeserializationError{Reason: fmt.Sprintf("unregistered class %s cannot hydrate into %s", classID, dst.Type())}
}
