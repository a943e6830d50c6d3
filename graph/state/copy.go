package state

import (
	"encoding/json"
	"reflect"
	"time"
)

// copyValue returns a deep copy of a state value.
//
// JSON-shaped values (maps, slices, primitives) are copied structurally and
// keep their Go types. Anything else that is a reference type (pointers,
// structs with nested references, typed maps/slices) is copied through a
// JSON round trip, which decodes into the generic JSON shape.
func copyValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	case time.Time:
		return t
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case map[string]string:
		m := make(map[string]string, len(t))
		for k, val := range t {
			m[k] = val
		}
		return m
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Struct, reflect.Array, reflect.Interface:
		return jsonCopy(v)
	default:
		return v
	}
}

// jsonCopy deep-copies v through encoding/json. If v cannot be marshaled it is
// returned unchanged.
func jsonCopy(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
