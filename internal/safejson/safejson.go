// Package safejson serializes values that the standard JSON encoder rejects.
// The fast path is encoding/json; only when that fails does the reflective
// fallback run, replacing revisited pointers with a "[Circular]" marker and
// unencodable values with their string form. Marshal never returns an error
// for cyclic input.
package safejson

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// CircularMarker replaces a value already seen on the current path.
const CircularMarker = "[Circular]"

// Marshal encodes v as JSON. Cyclic or otherwise unencodable values are
// replaced with markers instead of failing the whole document.
func Marshal(v any) ([]byte, error) {
	if b, err := json.Marshal(v); err == nil {
		return b, nil
	}
	seen := make(map[uintptr]bool)
	return json.Marshal(sanitize(reflect.ValueOf(v), seen))
}

// sanitize rebuilds v as plain maps, slices, and scalars, cutting cycles.
func sanitize(v reflect.Value, seen map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), seen)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return CircularMarker
		}
		seen[ptr] = true
		out := sanitize(v.Elem(), seen)
		delete(seen, ptr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return CircularMarker
		}
		seen[ptr] = true
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), seen)
		}
		delete(seen, ptr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return CircularMarker
		}
		seen[ptr] = true
		out := sanitizeList(v, seen)
		delete(seen, ptr)
		return out

	case reflect.Array:
		return sanitizeList(v, seen)

	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any)
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitEmpty := jsonFieldName(f)
			if name == "-" {
				continue
			}
			fv := v.Field(i)
			if omitEmpty && fv.IsZero() {
				continue
			}
			out[name] = sanitize(fv, seen)
		}
		return out

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		// No JSON representation; describe instead of failing.
		return fmt.Sprintf("[%s]", v.Kind())

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != f || f > 1.7e308 || f < -1.7e308 {
			return fmt.Sprint(f) // NaN and infinities are not valid JSON numbers
		}
		return f

	default:
		return v.Interface()
	}
}

func sanitizeList(v reflect.Value, seen map[uintptr]bool) []any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = sanitize(v.Index(i), seen)
	}
	return out
}

func jsonFieldName(f reflect.StructField) (name string, omitEmpty bool) {
	name = f.Name
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return name, false
	}
	for i, part := range splitTag(tag) {
		if i == 0 {
			if part != "" {
				name = part
			}
			continue
		}
		if part == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
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
	return append(parts, tag[start:])
}
