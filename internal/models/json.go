package models

import (
	"encoding/json"
	"sort"
)

// JSONMap is an opaque JSON document carried on jobs, findings, schedules
// and network logs. The core never inspects it beyond the keys the
// orchestrator and scheduler stamp explicitly.
type JSONMap map[string]any

// Clone deep-copies the document so callers can mutate without aliasing.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	dst := make(JSONMap, len(m))
	for k, v := range m {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, elem := range v {
			m[k] = cloneValue(elem)
		}
		return m
	case JSONMap:
		return map[string]any(v.Clone())
	case []any:
		arr := make([]any, len(v))
		for i, elem := range v {
			arr[i] = cloneValue(elem)
		}
		return arr
	case []string:
		arr := make([]string, len(v))
		copy(arr, v)
		return arr
	default:
		return v
	}
}

// GetString reads a string-valued key, returning "" when absent or mistyped.
func (m JSONMap) GetString(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// GetBool reads a boolean key, returning false when absent or mistyped.
func (m JSONMap) GetBool(key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// GetInt reads an integer key. JSON decoding yields float64 for numbers, so
// both representations are accepted.
func (m JSONMap) GetInt(key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// GetMap reads a nested object, returning nil when absent or mistyped.
func (m JSONMap) GetMap(key string) JSONMap {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case map[string]any:
		return JSONMap(v)
	case JSONMap:
		return v
	}
	return nil
}

// CanonicalJSON marshals the document with lexically sorted keys at every
// level, producing a stable byte representation for content hashing.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalizeForHash(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalizeForHash round-trips v through encoding/json so that structs and
// maps collapse into the same shapes, then rebuilds maps in sorted-key order.
// encoding/json marshals Go maps with sorted keys already; the round trip is
// what guarantees struct/map equivalence.
func normalizeForHash(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return sortKeys(decoded), nil
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortKeys(val[k])
		}
		return out
	case []any:
		for i := range val {
			val[i] = sortKeys(val[i])
		}
		return val
	default:
		return v
	}
}
