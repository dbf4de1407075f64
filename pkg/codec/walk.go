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

	durerrors "github.com/northvane/durable/pkg/errors"
)

// node is the JSON-compatible intermediate tree every dehydrated value is
// reduced to before the final json.Marshal pass.
type node = any

const (
	tagKey    = "$t"
	classTag  = "class"
	streamTag = "stream"
	stepTag   = "step"
	errTag    = "error"
)

// dehydrateValue walks v, recognizing the special node types (Encodable,
// Stream, StepRef, and the registered stdlib reducers) at every level of
// structs, slices, and maps, and otherwise letting the value pass through
// for the final encoding/json pass to handle.
func dehydrateValue(ctx *Context, rv reflect.Value) (node, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	// Unwrap a leading interface so the Kind() switches below see the
	// concrete type, without losing the pointer-ness of that concrete
	// type (special node types are commonly implemented on a pointer
	// receiver, e.g. *StepRef, and must be recognized before we deref).
	for rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}

	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, nil
	}

	if enc, ok := specialValue(rv); ok {
		switch v := enc.(type) {
		case Encodable:
			return dehydrateClass(ctx, v)
		case Stream:
			return dehydrateStream(ctx, v)
		case *StepRef:
			return dehydrateStep(v), nil
		case error:
			return map[string]any{tagKey: errTag, "message": v.Error()}, nil
		}
	}

	if n, ok, err := dehydrateReducer(derefValue(rv)); ok || err != nil {
		return n, err
	}

	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), nil // []byte: encoding/json base64-encodes it natively
		}
		out := make([]node, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := dehydrateValue(ctx, rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		out := make(map[string]node, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			elem, err := dehydrateValue(ctx, iter.Value())
			if err != nil {
				return nil, err
			}
			out[key] = elem
		}
		return out, nil

	case reflect.Struct:
		out := make(map[string]node, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue // unexported
			}
			name, omitempty, skip := fieldName(field)
			if skip {
				continue
			}
			fv := rv.Field(i)
			if omitempty && isEmptyValue(fv) {
				continue
			}
			elem, err := dehydrateValue(ctx, fv)
			if err != nil {
				return nil, err
			}
			out[name] = elem
		}
		return out, nil

	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.Interface(), nil

	default:
		return nil, &durerrors.SerializationError{TypeName: rv.Type().String(), Supported: supportedTypeNames()}
	}
}

// specialValue reports whether rv (or, if rv is addressable, its address)
// implements one of the codec's special interfaces, trying the value
// itself first so pointer-receiver types like *StepRef are recognized
// before any dereferencing happens.
func specialValue(rv reflect.Value) (any, bool) {
	if rv.IsValid() {
		iv := rv.Interface()
		switch iv.(type) {
		case Encodable, Stream, *StepRef, error:
			return iv, true
		}
	}
	if rv.Kind() != reflect.Ptr && rv.CanAddr() {
		iv := rv.Addr().Interface()
		switch iv.(type) {
		case Encodable, Stream, *StepRef, error:
			return iv, true
		}
	}
	return nil, false
}

// derefValue follows pointers down to the concrete value, used before
// consulting the stdlib reducer table which matches on value kinds
// (time.Time, big.Int, ...) rather than pointers.
func derefValue(rv reflect.Value) reflect.Value {
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return rv
		}
		rv = rv.Elem()
	}
	return rv
}

func fieldName(f reflect.StructField) (name string, omitempty bool, skip bool) {
	tag := f.Tag.Get("codec")
	if tag == "" {
		tag = f.Tag.Get("json")
	}
	if tag == "-" {
		return "", false, true
	}
	name = f.Name
	if tag != "" {
		parts := splitTag(tag)
		if parts[0] != "" {
			name = parts[0]
		}
		for _, p := range parts[1:] {
			if p == "omitempty" {
				omitempty = true
			}
		}
	}
	return name, omitempty, false
}

func splitTag(tag string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			parts = append(parts, tag[start:i])
			start = i + 1
		}
	}
	parts = append(parts, tag[start:])
	return parts
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}

// hydrateValue reverses dehydrateValue, writing into dst (a settable
// reflect.Value obtained from a caller-supplied pointer).
func hydrateValue(ctx *Context, n node, dst reflect.Value) error {
	if n == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return hydrateValue(ctx, n, dst.Elem())
	}

	if obj, ok := n.(map[string]any); ok {
		if tag, ok := obj[tagKey].(string); ok {
			switch tag {
			case classTag:
				return hydrateClass(ctx, obj, dst)
			case streamTag:
				return hydrateStream(ctx, obj, dst)
			case stepTag:
				return hydrateStep(ctx, obj, dst)
			case errTag:
				msg, _ := obj["message"].(string)
				ev := &ErrorValue{Message: msg}
				switch {
				case dst.Type() == reflect.TypeOf(ev):
					dst.Set(reflect.ValueOf(ev))
				case dst.Type() == reflect.TypeOf(*ev):
					dst.Set(reflect.ValueOf(*ev))
				case dst.Kind() == reflect.Interface:
					dst.Set(reflect.ValueOf(ev))
				default:
					return &durerrors.DeserializationError{Reason: fmt.Sprintf("cannot hydrate error node into %s", dst.Type())}
				}
				return nil
			}
		}
		if ok, err := hydrateReducer(obj, dst); ok || err != nil {
			return err
		}
	}

	switch dst.Kind() {
	case reflect.Struct:
		obj, ok := n.(map[string]any)
		if !ok {
			return &durerrors.DeserializationError{Reason: fmt.Sprintf("expected object for %s", dst.Type())}
		}
		t := dst.Type()
		for i := 0; i < dst.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue
			}
			name, _, skip := fieldName(field)
			if skip {
				continue
			}
			raw, present := obj[name]
			if !present {
				continue
			}
			if err := hydrateValue(ctx, raw, dst.Field(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice:
		arr, ok := n.([]any)
		if !ok {
			if dst.Type().Elem().Kind() == reflect.Uint8 {
				return hydrateReducerBytes(n, dst)
			}
			return &durerrors.DeserializationError{Reason: fmt.Sprintf("expected array for %s", dst.Type())}
		}
		out := reflect.MakeSlice(dst.Type(), len(arr), len(arr))
		for i, elem := range arr {
			if err := hydrateValue(ctx, elem, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil

	case reflect.Map:
		obj, ok := n.(map[string]any)
		if !ok {
			return &durerrors.DeserializationError{Reason: fmt.Sprintf("expected object for %s", dst.Type())}
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(obj))
		for k, v := range obj {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if err := hydrateValue(ctx, v, elem); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), elem)
		}
		dst.Set(out)
		return nil

	case reflect.Interface:
		dst.Set(reflect.ValueOf(n))
		return nil

	case reflect.String:
		s, ok := n.(string)
		if !ok {
			return &durerrors.DeserializationError{Reason: "expected string"}
		}
		dst.SetString(s)
		return nil

	case reflect.Bool:
		b, ok := n.(bool)
		if !ok {
			return &durerrors.DeserializationError{Reason: "expected bool"}
		}
		dst.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := n.(float64)
		if !ok {
			return &durerrors.DeserializationError{Reason: "expected number"}
		}
		dst.SetInt(int64(f))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, ok := n.(float64)
		if !ok {
			return &durerrors.DeserializationError{Reason: "expected number"}
		}
		dst.SetUint(uint64(f))
		return nil

	case reflect.Float32, reflect.Float64:
		f, ok := n.(float64)
		if !ok {
			return &durerrors.DeserializationError{Reason: "expected number"}
		}
		dst.SetFloat(f)
		return nil

	default:
		return &durerrors.DeserializationError{Reason: fmt.Sprintf("unsupported hydrate target %s", dst.Type())}
	}
}
