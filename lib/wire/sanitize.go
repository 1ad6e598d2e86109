/*
 * Beacon
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package wire

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// CircularSentinel replaces any value that closes a reference cycle in a
// sanitized payload.
const CircularSentinel = "[Circular]"

// Sanitize returns a JSON-safe copy of an event payload. Function and
// channel values are dropped: map entries and struct fields holding them
// disappear, slice elements become nil. Reference cycles are cut by
// replacing the revisited value with CircularSentinel. Values implementing
// json.Marshaler or encoding.TextMarshaler pass through untouched.
func Sanitize(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, arg := range args {
		value, keep := sanitizeValue(reflect.ValueOf(arg), make(map[uintptr]struct{}))
		if keep {
			out[i] = value
		}
	}
	return out
}

func sanitizeValue(rv reflect.Value, path map[uintptr]struct{}) (any, bool) {
	if !rv.IsValid() {
		return nil, true
	}

	if marshalsItself(rv) {
		return rv.Interface(), true
	}

	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		return sanitizeValue(rv.Elem(), path)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true
		}
		ptr := rv.Pointer()
		if _, seen := path[ptr]; seen {
			return CircularSentinel, true
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)
		return sanitizeValue(rv.Elem(), path)
	case reflect.Map:
		if rv.IsNil() {
			return nil, true
		}
		ptr := rv.Pointer()
		if _, seen := path[ptr]; seen {
			return CircularSentinel, true
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			value, keep := sanitizeValue(iter.Value(), path)
			if !keep {
				continue
			}
			out[mapKey(iter.Key())] = value
		}
		return out, true
	case reflect.Slice:
		if rv.IsNil() {
			return nil, true
		}
		// []byte marshals to base64, leave it alone.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), true
		}
		ptr := rv.Pointer()
		if _, seen := path[ptr]; seen {
			return CircularSentinel, true
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)
		return sanitizeList(rv, path), true
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), true
		}
		return sanitizeList(rv, path), true
	case reflect.Struct:
		return sanitizeStruct(rv, path), true
	}
	return rv.Interface(), true
}

func sanitizeList(rv reflect.Value, path map[uintptr]struct{}) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		value, keep := sanitizeValue(rv.Index(i), path)
		if keep {
			out[i] = value
		}
	}
	return out
}

func sanitizeStruct(rv reflect.Value, path map[uintptr]struct{}) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := field.Name
		if comma := strings.IndexByte(tag, ','); comma >= 0 {
			tag = tag[:comma]
		}
		if tag != "" {
			name = tag
		}
		value, keep := sanitizeValue(rv.Field(i), path)
		if !keep {
			continue
		}
		if field.Anonymous && field.Tag.Get("json") == "" {
			if embedded, ok := value.(map[string]any); ok {
				for k, v := range embedded {
					if _, exists := out[k]; !exists {
						out[k] = v
					}
				}
				continue
			}
		}
		out[name] = value
	}
	return out
}

func mapKey(rv reflect.Value) string {
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return fmt.Sprint(rv.Interface())
}

func marshalsItself(rv reflect.Value) bool {
	if !rv.CanInterface() {
		return false
	}
	switch rv.Interface().(type) {
	case json.Marshaler, encoding.TextMarshaler:
		return true
	}
	return false
}
