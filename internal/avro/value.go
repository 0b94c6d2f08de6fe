package avro

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

const two63 = 1 << 63

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return uintToInt(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return uintToInt(n)
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	}
	return 0, false
}

func uintToInt(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < -two63 || f >= two63 {
		return 0, false
	}
	return int64(f), true
}

// asFloat64 accepts any Go number. A json.Number outside the float64 range is
// rejected rather than rounded to infinity.
func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	if u, ok := v.(uint64); ok {
		return float64(u), true
	}
	return 0, false
}

// nativeName is the type name a bare runtime value is looked up by when it
// is matched against union members.
func nativeName(v any) string {
	switch n := v.(type) {
	case nil:
		return string(KindNull)
	case bool:
		return string(KindBoolean)
	case string:
		return string(KindString)
	case int8, int16, int32, uint8, uint16:
		return string(KindInt)
	case int, int64, uint, uint32, uint64:
		return string(KindLong)
	case float32:
		return string(KindFloat)
	case float64, json.Number:
		return string(KindDouble)
	case []any:
		return string(KindArray)
	case map[string]any:
		return string(KindMap)
	case *Record:
		return n.Type().Name()
	}
	if _, ok := toList(v); ok {
		return string(KindArray)
	}
	if _, ok := toMap(v); ok {
		return string(KindMap)
	}
	return ""
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case nil, []byte, string:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// deepCopy copies maps and slices so defaults stored in a schema are never
// shared with instances.
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}

// IsEmpty reports whether v is nil, an empty string or an empty container.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	if l, ok := toList(v); ok {
		return len(l) == 0
	}
	if m, ok := toMap(v); ok {
		return len(m) == 0
	}
	return false
}
