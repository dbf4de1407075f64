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
	"encoding/base64"
	"math/big"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"time"

	durerrors "github.com/northvane/durable/pkg/errors"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ErrorValue is what a plain Go error hydrates into on the receiving side,
// since Go errors carry no reconstructible type identity the way a class
// registered through Encodable does.
type ErrorValue struct {
	Message string `codec:"message"`
}

func (e *ErrorValue) Error() string { return e.Message }

const (
	reducerTime    = "time"
	reducerBigInt  = "bigint"
	reducerRegexp  = "regexp"
	reducerURL     = "url"
	reducerValues  = "urlvalues"
	reducerHeaders = "headers"
)

// dehydrateReducer handles the built-in stdlib reducers that stand in for
// the reference codec's Date/BigInt/RegExp/URL/URLSearchParams/Headers
// handling. It reports ok=false for any value it doesn't recognize
// so the caller falls through to structural (struct/slice/map) handling.
func dehydrateReducer(rv reflect.Value) (node, bool, error) {
	if !rv.IsValid() {
		return nil, false, nil
	}
	switch v := rv.Interface().(type) {
	case time.Time:
		return map[string]any{tagKey: reducerTime, "v": v.Format(time.RFC3339Nano)}, true, nil
	case big.Int:
		return map[string]any{tagKey: reducerBigInt, "v": v.String()}, true, nil
	case regexp.Regexp:
		return map[string]any{tagKey: reducerRegexp, "v": v.String()}, true, nil
	case url.URL:
		return map[string]any{tagKey: reducerURL, "v": v.String()}, true, nil
	case url.Values:
		return map[string]any{tagKey: reducerValues, "v": v.Encode()}, true, nil
	case http.Header:
		return map[string]any{tagKey: reducerHeaders, "v": map[string][]string(v)}, true, nil
	default:
		return nil, false, nil
	}
}

func hydrateReducer(obj map[string]any, dst reflect.Value) (bool, error) {
	tag, _ := obj[tagKey].(string)
	raw, hasRaw := obj["v"]
	switch tag {
	case reducerTime:
		s, _ := raw.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return true, &durerrors.DeserializationError{Reason: "malformed time value", Cause: err}
		}
		return true, setReducedValue(dst, reflect.ValueOf(t))

	case reducerBigInt:
		s, _ := raw.(string)
		n := new(big.Int)
		if _, ok := n.SetString(s, 10); !ok {
			return true, &durerrors.DeserializationError{Reason: "malformed bigint value"}
		}
		return true, setReducedValue(dst, reflect.ValueOf(*n))

	case reducerRegexp:
		s, _ := raw.(string)
		re, err := regexp.Compile(s)
		if err != nil {
			return true, &durerrors.DeserializationError{Reason: "malformed regexp value", Cause: err}
		}
		return true, setReducedValue(dst, reflect.ValueOf(*re))

	case reducerURL:
		s, _ := raw.(string)
		u, err := url.Parse(s)
		if err != nil {
			return true, &durerrors.DeserializationError{Reason: "malformed url value", Cause: err}
		}
		return true, setReducedValue(dst, reflect.ValueOf(*u))

	case reducerValues:
		s, _ := raw.(string)
		vals, err := url.ParseQuery(s)
		if err != nil {
			return true, &durerrors.DeserializationError{Reason: "malformed url values", Cause: err}
		}
		return true, setReducedValue(dst, reflect.ValueOf(vals))

	case reducerHeaders:
		m, _ := raw.(map[string]any)
		h := make(http.Header, len(m))
		for k, v := range m {
			if arr, ok := v.([]any); ok {
				for _, s := range arr {
					if str, ok := s.(string); ok {
						h.Add(k, str)
					}
				}
			}
		}
		return true, setReducedValue(dst, reflect.ValueOf(h))

	default:
		_ = hasRaw
		return false, nil
	}
}

func setReducedValue(dst, v reflect.Value) error {
	if dst.Type() == v.Type() {
		dst.Set(v)
		return nil
	}
	if dst.Kind() == reflect.Interface {
		dst.Set(v)
		return nil
	}
	if v.Type().ConvertibleTo(dst.Type()) {
		dst.Set(v.Convert(dst.Type()))
		return nil
	}
	return &durerrors.DeserializationError{Reason: "reduced value type mismatch for " + dst.Type().String()}
}

// hydrateReducerBytes decodes a base64 JSON string (produced by
// encoding/json's native []byte handling) back into a []byte-kinded dst.
func hydrateReducerBytes(n node, dst reflect.Value) error {
	s, ok := n.(string)
	if !ok {
		return &durerrors.DeserializationError{Reason: "expected base64 string for byte slice"}
	}
	b, err := decodeBase64(s)
	if err != nil {
		return &durerrors.DeserializationError{Reason: "malformed base64 payload", Cause: err}
	}
	dst.SetBytes(b)
	return nil
}
